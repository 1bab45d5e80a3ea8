// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// Package walk implements the per-owner introspection walker (C2): given
// an owner and a root path, it asynchronously traverses the owner's
// exported object tree over github.com/godbus/dbus/v5, short-circuiting
// into GetManagedObjects where offered, fetching Associations payloads,
// and returning the accumulated path->interface map from a blocking Walk
// call once every outstanding request has finished.
//
// Completion is tracked with a single outstanding-request counter rather
// than separate pending sets per call kind, so "the walk is done" reduces
// to "the counter reached zero".
package walk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/openbmc/phosphor-objmgr/internal/assoc"
	"github.com/openbmc/phosphor-objmgr/internal/introspect"
)

const (
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
	ifaceProperties    = "org.freedesktop.DBus.Properties"
	memberIntrospect   = "org.freedesktop.DBus.Introspectable.Introspect"
	memberGetManaged   = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// ManagedObjects is the shape GetManagedObjects returns: path -> interface
// -> property name -> value.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Result is one walk's outcome: every discovered path mapped to the
// interfaces it carries (filtered by the caller's predicate) and, for any
// path carrying the Associations interface, the raw associations payload.
type Result struct {
	Interfaces   map[string][]string
	Associations map[string][]dbus.Variant // path -> raw "associations" property value
}

// Predicate reports whether a path or interface name should be walked /
// kept. Callers typically build these from mappercfg.Config.
type Predicate func(string) bool

// Caller is the subset of *dbus.Conn the walker needs; it exists so tests
// can substitute a fake bus without dialing a real connection.
type Caller interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// Walker performs one walk at a time per instance; callers create one per
// in-flight discovery.
type Walker struct {
	conn    Caller
	owner   string
	assocIf string
	pathOK  Predicate
	ifaceOK Predicate

	mu      sync.Mutex
	pending int
	failed  error
	result  Result
	done    chan struct{}
}

// New constructs a walker for one discovery of owner, using pathOK/ifaceOK
// to decide which children to recurse into and which interfaces to retain.
// assocIface is the interface name carrying the "associations" property.
func New(conn Caller, owner, assocIface string, pathOK, ifaceOK Predicate) *Walker {
	return &Walker{
		conn:    conn,
		owner:   owner,
		assocIf: assocIface,
		pathOK:  pathOK,
		ifaceOK: ifaceOK,
		result: Result{
			Interfaces:   map[string][]string{},
			Associations: map[string][]dbus.Variant{},
		},
		done: make(chan struct{}),
	}
}

// Walk traverses root and blocks until the walk completes or ctx is
// cancelled, returning the accumulated result or the first error
// encountered. Any single failed call aborts the whole walk for this
// owner.
func (w *Walker) Walk(ctx context.Context, root string) (Result, error) {
	w.enter()
	go w.introspect(root)

	select {
	case <-w.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if w.failed != nil {
		return Result{}, w.failed
	}
	return w.result, nil
}

func (w *Walker) enter() {
	w.mu.Lock()
	w.pending++
	w.mu.Unlock()
}

// leave decrements the scoreboard; when it drains to zero the walk is
// complete and done is closed exactly once.
func (w *Walker) leave() {
	w.mu.Lock()
	w.pending--
	done := w.pending == 0
	w.mu.Unlock()
	if done {
		close(w.done)
	}
}

func (w *Walker) fail(path string, err error) {
	w.mu.Lock()
	if w.failed == nil {
		w.failed = fmt.Errorf("walk: owner %s path %s: %w", w.owner, path, err)
	}
	w.mu.Unlock()
}

func (w *Walker) abandoned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed != nil
}

func (w *Walker) introspect(path string) {
	defer w.leave()
	if w.abandoned() {
		return
	}

	var xmlStr string
	call := w.conn.Object(w.owner, dbus.ObjectPath(path)).Call(memberIntrospect, 0)
	if call.Err != nil {
		w.fail(path, call.Err)
		return
	}
	if err := call.Store(&xmlStr); err != nil {
		w.fail(path, err)
		return
	}

	node, err := introspect.Parse([]byte(xmlStr))
	if err != nil {
		w.fail(path, err)
		return
	}

	kept := filterInterfaces(node.InterfaceNames(), w.ifaceOK)

	w.mu.Lock()
	w.result.Interfaces[path] = kept
	w.mu.Unlock()

	hasAssoc := containsStr(kept, w.assocIf)
	hasOM := containsStr(kept, ifaceObjectManager)

	if hasAssoc {
		w.enter()
		go w.fetchAssociations(path)
	}

	if hasOM {
		w.enter()
		go w.getManagedObjects(path)
		// GetManagedObjects is authoritative for this subtree; don't
		// recurse below a node that offers it.
		return
	}

	for _, child := range node.ChildNames() {
		childPath := joinChild(path, child)
		if !w.pathOK(childPath) {
			continue
		}
		w.mu.Lock()
		_, seen := w.result.Interfaces[childPath]
		w.mu.Unlock()
		if seen {
			continue
		}
		w.enter()
		go w.introspect(childPath)
	}
}

func (w *Walker) fetchAssociations(path string) {
	defer w.leave()
	if w.abandoned() {
		return
	}
	var assocs []dbus.Variant
	call := w.conn.Object(w.owner, dbus.ObjectPath(path)).Call(memberPropertiesGet, 0, w.assocIf, "associations")
	if call.Err != nil {
		if unknownIsEmpty(call.Err) {
			return
		}
		w.fail(path, call.Err)
		return
	}
	var v dbus.Variant
	if err := call.Store(&v); err != nil {
		w.fail(path, err)
		return
	}
	if list, ok := v.Value().([][]interface{}); ok {
		for _, t := range list {
			assocs = append(assocs, dbus.MakeVariant(t))
		}
	}
	w.mu.Lock()
	w.result.Associations[path] = assocs
	w.mu.Unlock()
}

func (w *Walker) getManagedObjects(path string) {
	defer w.leave()
	if w.abandoned() {
		return
	}
	var managed ManagedObjects
	call := w.conn.Object(w.owner, dbus.ObjectPath(path)).Call(memberGetManaged, 0)
	if call.Err != nil {
		w.fail(path, call.Err)
		return
	}
	if err := call.Store(&managed); err != nil {
		w.fail(path, err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for objPath, ifaces := range managed {
		p := string(objPath)
		if !w.pathOK(p) {
			continue
		}
		var names []string
		for iface := range ifaces {
			names = append(names, iface)
		}
		w.result.Interfaces[p] = filterInterfaces(names, w.ifaceOK)
		if props, ok := ifaces[w.assocIf]; ok {
			if v, ok := props["associations"]; ok {
				if list, ok := v.Value().([][]interface{}); ok {
					var assocs []dbus.Variant
					for _, t := range list {
						assocs = append(assocs, dbus.MakeVariant(t))
					}
					w.result.Associations[p] = assocs
				}
			}
		}
	}
}

const memberPropertiesGet = ifaceProperties + ".Get"

func filterInterfaces(names []string, ifaceOK Predicate) []string {
	var out []string
	for _, n := range names {
		if n == ifaceObjectManager || ifaceOK(n) {
			out = append(out, n)
		}
	}
	return out
}

func containsStr(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func joinChild(path, child string) string {
	if path == "/" {
		return "/" + child
	}
	return path + "/" + child
}

// ParseAssociations decodes the raw "associations" property payload (a
// D-Bus array of (sss) structs: forward, reverse, endpoint) into
// assoc.Triple values. Malformed entries are skipped rather than failing
// the whole decode.
func ParseAssociations(raw []dbus.Variant) []assoc.Triple {
	var out []assoc.Triple
	for _, v := range raw {
		fields, ok := v.Value().([]interface{})
		if !ok || len(fields) != 3 {
			continue
		}
		forward, ok1 := fields[0].(string)
		reverse, ok2 := fields[1].(string)
		endpoint, ok3 := fields[2].(string)
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		out = append(out, assoc.Triple{Forward: forward, Reverse: reverse, Endpoint: endpoint})
	}
	return out
}

// unknownIsEmpty reports whether err is the bus's "unknown interface",
// "unknown method" or "unknown property" response to a Properties.Get
// call; treated as "no properties" rather than a walk failure.
func unknownIsEmpty(err error) bool {
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		return false
	}
	switch dbusErr.Name {
	case "org.freedesktop.DBus.Error.UnknownInterface",
		"org.freedesktop.DBus.Error.UnknownMethod",
		"org.freedesktop.DBus.Error.UnknownProperty":
		return true
	}
	return false
}
