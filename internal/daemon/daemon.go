// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// Package daemon wires the mapper's components — C1 through C6 — onto a
// live github.com/godbus/dbus/v5 connection. A single goroutine reads bus
// signals off the connection while per-owner discovery walks run
// concurrently in their own goroutines; a mutex around the cache and
// association state keeps mutations serialized across the two.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/openbmc/phosphor-objmgr/internal/assoc"
	"github.com/openbmc/phosphor-objmgr/internal/mappercfg"
	"github.com/openbmc/phosphor-objmgr/internal/objcache"
	"github.com/openbmc/phosphor-objmgr/internal/query"
	"github.com/openbmc/phosphor-objmgr/internal/retry"
	"github.com/openbmc/phosphor-objmgr/internal/signalingress"
	"github.com/openbmc/phosphor-objmgr/internal/walk"
)

const (
	assocIface         = "xyz.openbmc_project.Association"
	mapperIface        = "xyz.openbmc_project.ObjectMapper.Private"
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
	errFileNotFound    = "org.freedesktop.DBus.Error.FileNotFound"
	errObjectPathInUse = "org.freedesktop.DBus.Error.ObjectPathInUse"
	errInvalidArgs     = "org.freedesktop.DBus.Error.InvalidArgs"
)

// Daemon is the mapper process. Construct with New, then call Run.
type Daemon struct {
	conn *dbus.Conn
	cfg  mappercfg.Config

	cache   *objcache.Cache
	assoc   *assoc.Engine
	ingress *signalingress.Ingress

	mu         sync.Mutex
	discovered map[string]bool // owner -> startup discovery has completed
	remaining  int             // owners still discovering at startup

	startupDone chan struct{}
	logger      *log.Logger
}

// New constructs a Daemon bound to conn, not yet running. conn must
// already have completed Hello but must NOT yet have claimed cfg.BusName
// — the mapper's well-known name is claimed only once startup discovery
// of every initially-listed owner has completed.
func New(conn *dbus.Conn, cfg mappercfg.Config, logger *log.Logger) *Daemon {
	if logger == nil {
		logger = log.Default()
	}
	d := &Daemon{
		conn:        conn,
		cfg:         cfg,
		discovered:  map[string]bool{},
		startupDone: make(chan struct{}),
		logger:      logger,
	}
	d.assoc = assoc.NewEngine(assocIface, cfg.BusName)
	d.cache = objcache.New(d.assoc)
	d.assoc.Init(d.cache, d.cache)
	d.assoc.OnEndpointsChanged = d.onEndpointsChanged

	pathOK := cfg.PathMatches
	ifaceOK := cfg.InterfaceMatches
	d.ingress = signalingress.New(cfg.BusName, assocIface, pathOK, ifaceOK, d)
	return d
}

// Run performs startup discovery, claims the mapper's well-known name,
// exports the mapper object, then serves signals until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := signalingress.AddMatches(d.conn, assocIface); err != nil {
		return fmt.Errorf("daemon: AddMatches: %w", err)
	}

	names, err := d.listNames()
	if err != nil {
		return fmt.Errorf("daemon: ListNames: %w", err)
	}

	d.mu.Lock()
	d.remaining = len(names)
	allDone := d.remaining == 0
	d.mu.Unlock()

	sigCh := make(chan *dbus.Signal, 256)
	d.conn.Signal(sigCh)

	for _, owner := range names {
		d.ingress.BeginDiscoveryStartup(owner)
		go d.discover(ctx, owner)
	}

	if allDone {
		close(d.startupDone)
	}

	select {
	case <-d.startupDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := d.exportMapperObject(); err != nil {
		return fmt.Errorf("daemon: export mapper object: %w", err)
	}
	if err := d.claimName(ctx); err != nil {
		return fmt.Errorf("daemon: claim name: %w", err)
	}
	d.logger.Printf("ObjectMapper startup complete, claimed %s", d.cfg.BusName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-sigCh:
			if !ok {
				return nil
			}
			if err := d.ingress.Dispatch(sig); err != nil {
				d.logger.Printf("signal dispatch error: %v", err)
			}
		}
	}
}

func (d *Daemon) listNames() ([]string, error) {
	var names []string
	if err := d.conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, ":") || n == d.cfg.BusName {
			continue
		}
		var owner string
		if err := d.conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, n).Store(&owner); err == nil {
			d.ingress.LearnOwner(owner, n)
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Daemon) claimName(ctx context.Context) error {
	return retry.Do(ctx, retry.DefaultPolicy, func() error {
		reply, err := d.conn.RequestName(d.cfg.BusName, dbus.NameFlagDoNotQueue)
		if err != nil {
			return err
		}
		if reply != dbus.RequestNameReplyPrimaryOwner {
			return fmt.Errorf("daemon: RequestName(%s) reply=%v", d.cfg.BusName, reply)
		}
		return nil
	})
}

// discover drives one owner's walk to completion, applies the result to
// the cache, replays any signals deferred during the walk, emits
// IntrospectionComplete, and — during startup — decrements the startup
// barrier. A transient walk failure gets one retry of the whole walk
// before the owner is abandoned.
func (d *Daemon) discover(ctx context.Context, owner string) {
	result, err := d.runWalk(ctx, owner)
	if err != nil {
		d.logger.Printf("discovery of %s failed, retrying once: %v", owner, err)
		result, err = d.runWalk(ctx, owner)
	}
	if err != nil {
		d.logger.Printf("discovery of %s abandoned: %v", owner, err)
		d.finishDiscovery(owner, nil)
		return
	}
	d.finishDiscovery(owner, &result)
}

func (d *Daemon) runWalk(ctx context.Context, owner string) (walk.Result, error) {
	w := walk.New(d.conn, owner, assocIface, d.cfg.PathMatches, d.cfg.InterfaceMatches)
	return w.Walk(ctx, "/")
}

// finishDiscovery applies a walk's result, then replays whatever signals
// arrived for owner while its walk was in flight. Replay must happen with
// d.mu released: it calls back into d.ApplyInterfacesAdded/Removed/
// PropertiesChanged, each of which takes d.mu itself, and sync.Mutex is
// not reentrant.
func (d *Daemon) finishDiscovery(owner string, result *walk.Result) {
	d.mu.Lock()
	if result != nil {
		d.applyWalkResultLocked(owner, *result)
	}
	d.mu.Unlock()

	queue := d.ingress.CompleteDiscovery(owner)
	signalingress.Replay(d, queue)

	d.mu.Lock()
	if !d.discovered[owner] {
		d.discovered[owner] = true
		if d.remaining > 0 {
			d.remaining--
		}
		if d.remaining == 0 {
			select {
			case <-d.startupDone:
			default:
				close(d.startupDone)
			}
		}
	}
	d.mu.Unlock()

	if err := d.conn.Emit(dbus.ObjectPath(d.cfg.ObjectPath), mapperIface+".IntrospectionComplete", owner); err != nil {
		d.logger.Printf("failed to emit IntrospectionComplete(%s): %v", owner, err)
	}
}

func (d *Daemon) applyWalkResultLocked(owner string, result walk.Result) {
	for path, ifaces := range result.Interfaces {
		var triples []assoc.Triple
		if raw, ok := result.Associations[path]; ok {
			triples = walk.ParseAssociations(raw)
		}
		if containsStr(ifaces, assocIface) {
			d.cache.UpdateInterfacesWithAssociations(path, owner, nil, ifaces, triples)
		} else {
			d.cache.UpdateInterfaces(path, owner, nil, ifaces)
		}
	}
}

func containsStr(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// --- signalingress.Sink ---

func (d *Daemon) BeginDiscovery(owner string) {
	go d.discover(context.Background(), owner)
}

func (d *Daemon) DropOwner(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictOwnerLocked(owner)
}

// evictOwnerLocked removes every interface owner publishes anywhere in the
// tree, driving each removal through UpdateInterfaces so C5's teardown
// rules apply uniformly. It walks the full subtree under "/" since an
// owner may publish objects anywhere in the namespace.
func (d *Daemon) evictOwnerLocked(owner string) {
	entries, err := d.cache.Iterate("/", 0)
	if err != nil {
		return
	}
	if root, ok := d.cache.Get("/"); ok {
		if ifaces, ok := root[owner]; ok {
			d.cache.UpdateInterfaces("/", owner, objcache.SortedInterfaces(ifaces), nil)
		}
	}
	for _, e := range entries {
		ifaces, ok := e.Owners[owner]
		if !ok {
			continue
		}
		d.cache.UpdateInterfaces(e.Path, owner, objcache.SortedInterfaces(ifaces), nil)
	}
}

func (d *Daemon) ApplyInterfacesAdded(path, owner string, ifaces []string, triples []assoc.Triple) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.currentOwnerIfacesLocked(path, owner)
	new_ := unionStrs(old, ifaces)
	if containsStr(ifaces, assocIface) {
		d.cache.UpdateInterfacesWithAssociations(path, owner, old, new_, triples)
	} else {
		d.cache.UpdateInterfaces(path, owner, old, new_)
	}
}

func (d *Daemon) ApplyInterfacesRemoved(path, owner string, ifaces []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.currentOwnerIfacesLocked(path, owner)
	new_ := subtractStrs(old, ifaces)
	d.cache.UpdateInterfaces(path, owner, old, new_)
}

// EnsureObjectManager records that owner exports org.freedesktop.DBus.
// ObjectManager at path. Signal ingress calls this for every InterfacesAdded/
// InterfacesRemoved signal with the signal's own emitting path, which is the
// ObjectManager's path, not necessarily the child path named in the signal
// body — an ObjectManager that only ever announces children over signals,
// never through re-introspection, would otherwise never get its own path
// recorded.
func (d *Daemon) EnsureObjectManager(path, owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.currentOwnerIfacesLocked(path, owner)
	if containsStr(old, ifaceObjectManager) {
		return
	}
	d.cache.UpdateInterfaces(path, owner, old, unionStrs(old, []string{ifaceObjectManager}))
}

func (d *Daemon) ApplyPropertiesChanged(path, owner string, triples []assoc.Triple) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ifaces := d.currentOwnerIfacesLocked(path, owner)
	d.cache.UpdateInterfacesWithAssociations(path, owner, ifaces, ifaces, triples)
}

func (d *Daemon) currentOwnerIfacesLocked(path, owner string) []string {
	entry, ok := d.cache.Get(path)
	if !ok {
		return nil
	}
	ifaces, ok := entry[owner]
	if !ok {
		return nil
	}
	return objcache.SortedInterfaces(ifaces)
}

func unionStrs(a, b []string) []string {
	set := map[string]struct{}{}
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, x := range b {
		set[x] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for x := range set {
		out = append(out, x)
	}
	sort.Strings(out)
	return out
}

func subtractStrs(a, b []string) []string {
	remove := map[string]struct{}{}
	for _, x := range b {
		remove[x] = struct{}{}
	}
	var out []string
	for _, x := range a {
		if _, ok := remove[x]; !ok {
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}

func (d *Daemon) onEndpointsChanged(path string, endpoints []string) {
	d.conn.Emit(dbus.ObjectPath(path), "org.freedesktop.DBus.Properties.PropertiesChanged",
		assocIface,
		map[string]dbus.Variant{"endpoints": dbus.MakeVariant(endpoints)},
		[]string{},
	)
}

// --- bus-exported mapper object ---

// mapperObject is the Go value conn.Export publishes at cfg.ObjectPath,
// implementing the six query methods with godbus's
// (out..., *dbus.Error)-returning method convention.
type mapperObject struct {
	d *Daemon
}

// queryError translates an internal/query error into the D-Bus error name a
// client should see: a negative depth is the caller's mistake
// (InvalidArgs), anything else reported by the query package is an unknown
// path (FileNotFound). Collapsing both into FileNotFound would hide the
// distinction query.ErrInvalidArgument exists to make.
func queryError(err error) *dbus.Error {
	if errors.Is(err, query.ErrInvalidArgument) {
		return dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
	}
	return dbus.NewError(errFileNotFound, []interface{}{err.Error()})
}

func (m *mapperObject) GetObject(path string, ifaces []string) (map[string][]string, *dbus.Error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	result, err := query.GetObject(m.d.cache, path, ifaces)
	if err != nil {
		return nil, queryError(err)
	}
	return result, nil
}

func (m *mapperObject) GetSubTree(path string, depth int32, ifaces []string) (map[string]map[string][]string, *dbus.Error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	result, err := query.GetSubTree(m.d.cache, path, int(depth), ifaces)
	if err != nil {
		return nil, queryError(err)
	}
	out := make(map[string]map[string][]string, len(result))
	for p, r := range result {
		out[p] = r
	}
	return out, nil
}

func (m *mapperObject) GetSubTreePaths(path string, depth int32, ifaces []string) ([]string, *dbus.Error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	result, err := query.GetSubTreePaths(m.d.cache, path, int(depth), ifaces)
	if err != nil {
		return nil, queryError(err)
	}
	return result, nil
}

func (m *mapperObject) GetAncestors(path string, ifaces []string) (map[string]map[string][]string, *dbus.Error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	result, err := query.GetAncestors(m.d.cache, path, ifaces)
	if err != nil {
		return nil, queryError(err)
	}
	out := make(map[string]map[string][]string, len(result))
	for p, r := range result {
		out[p] = r
	}
	return out, nil
}

func (m *mapperObject) GetAssociatedSubTree(assocPath string, depth int32, ifaces []string) (map[string]map[string][]string, *dbus.Error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	result, err := query.GetAssociatedSubTree(m.d.cache, m.d.assoc, assocPath, int(depth), ifaces)
	if err != nil {
		return nil, queryError(err)
	}
	out := make(map[string]map[string][]string, len(result))
	for p, r := range result {
		out[p] = r
	}
	return out, nil
}

func (m *mapperObject) GetAssociatedSubTreePaths(assocPath string, depth int32, ifaces []string) ([]string, *dbus.Error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	result, err := query.GetAssociatedSubTreePaths(m.d.cache, m.d.assoc, assocPath, int(depth), ifaces)
	if err != nil {
		return nil, queryError(err)
	}
	return result, nil
}

func (d *Daemon) exportMapperObject() error {
	obj := &mapperObject{d: d}
	path := dbus.ObjectPath(d.cfg.ObjectPath)
	if err := d.conn.Export(obj, path, "xyz.openbmc_project.ObjectMapper"); err != nil {
		return err
	}
	node := &introspect.Node{
		Name: d.cfg.ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: "xyz.openbmc_project.ObjectMapper",
				Methods: []introspect.Method{
					{Name: "GetObject"},
					{Name: "GetSubTree"},
					{Name: "GetSubTreePaths"},
					{Name: "GetAncestors"},
					{Name: "GetAssociatedSubTree"},
					{Name: "GetAssociatedSubTreePaths"},
				},
			},
		},
	}
	return d.conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable")
}
