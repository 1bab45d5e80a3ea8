// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// Package signalingress implements the signal ingress layer (C3): it
// subscribes to NameOwnerChanged, InterfacesAdded, InterfacesRemoved and
// PropertiesChanged over github.com/godbus/dbus/v5, normalizes sender
// identity through a unique->well-known table, and defers signals for any
// owner still under initial discovery.
package signalingress

import (
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/openbmc/phosphor-objmgr/internal/assoc"
	"github.com/openbmc/phosphor-objmgr/internal/walk"
)

const (
	sigNameOwnerChanged  = "org.freedesktop.DBus.NameOwnerChanged"
	sigInterfacesAdded   = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
	sigInterfacesRemoved = "org.freedesktop.DBus.ObjectManager.InterfacesRemoved"
	sigPropertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"

	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// maxDeferredPerOwner bounds the defer queue: an unbounded queue is a
// resource-exhaustion hazard, so overflow here is treated as a discovery
// failure for that owner.
const maxDeferredPerOwner = 256

// Kind identifies which of the three signal shapes a Deferred value
// captures, kept as an explicit enum rather than an opaque callback so
// replay ordering is directly testable.
type Kind int

const (
	KindInterfacesAdded Kind = iota
	KindInterfacesRemoved
	KindPropertiesChanged
)

// Deferred is one signal captured verbatim while its owner's discovery is
// still in flight, to be replayed once discovery completes.
type Deferred struct {
	Kind       Kind
	Owner      string
	Path       string
	Ifaces     []string       // InterfacesAdded / InterfacesRemoved
	Assoc      []assoc.Triple // PropertiesChanged on the Associations interface
	ObjMgrPath string         // InterfacesAdded / InterfacesRemoved: the signal's own emitting path
}

// Sink is the callback surface the ingress layer drives. A *daemon.Daemon
// (or a test double) implements this.
type Sink interface {
	// BeginDiscovery starts an asynchronous walk of (owner, "/"). Called
	// once per NameOwnerChanged(new-owner); startup discovery of the
	// initially-listed owners goes through BeginDiscoveryStartup instead.
	BeginDiscovery(owner string)
	// DropOwner evicts every cache entry owned by owner (invariant-
	// preserving) and discards any in-flight discovery / defer queue for
	// it.
	DropOwner(owner string)
	// ApplyInterfacesAdded/Removed/PropertiesChanged mutate the live
	// cache outside of discovery.
	ApplyInterfacesAdded(path, owner string, ifaces []string, assocTriples []assoc.Triple)
	ApplyInterfacesRemoved(path, owner string, ifaces []string)
	ApplyPropertiesChanged(path, owner string, assocTriples []assoc.Triple)
	// EnsureObjectManager records that owner exports
	// org.freedesktop.DBus.ObjectManager at path. Called once per
	// InterfacesAdded/InterfacesRemoved signal with the signal's own
	// emitting path, which need not match the path named in the signal
	// body: the emitter is always the ObjectManager itself, even when
	// announcing a change to one of its managed children.
	EnsureObjectManager(path, owner string)
}

// Ingress owns the unique->well-known table and the per-owner defer
// queues, and dispatches parsed signals to a Sink.
type Ingress struct {
	mapperName string
	assocIface string
	pathOK     func(string) bool
	ifaceOK    func(string) bool
	sink       Sink

	mu                sync.Mutex
	uniqueToWellKnown map[string]string
	discovering       map[string]bool
	deferred          map[string][]Deferred
}

// New constructs an Ingress. mapperName is the mapper's own well-known
// name (self-emitted signals are discarded); assocIface names the
// Associations interface.
func New(mapperName, assocIface string, pathOK, ifaceOK func(string) bool, sink Sink) *Ingress {
	return &Ingress{
		mapperName:        mapperName,
		assocIface:        assocIface,
		pathOK:            pathOK,
		ifaceOK:           ifaceOK,
		sink:              sink,
		uniqueToWellKnown: map[string]string{},
		discovering:       map[string]bool{},
		deferred:          map[string][]Deferred{},
	}
}

// LearnOwner records a unique<->well-known mapping, as produced by the
// startup ListNames/GetNameOwner enumeration or by a NameOwnerChanged
// signal.
func (in *Ingress) LearnOwner(unique, wellKnown string) {
	if wellKnown == "" {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.uniqueToWellKnown[unique] = wellKnown
}

// ForgetUnique drops a unique name's mapping (its connection closed).
func (in *Ingress) ForgetUnique(unique string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.uniqueToWellKnown, unique)
}

// normalizeLocked resolves a signal's sender to a well-known name,
// returning ("", false) if it cannot be resolved or resolves to the
// mapper itself — both are silently dropped. Callers must hold in.mu.
func (in *Ingress) normalizeLocked(sender string) (string, bool) {
	if !strings.HasPrefix(sender, ":") {
		if sender == in.mapperName {
			return "", false
		}
		return sender, true
	}
	owner, ok := in.uniqueToWellKnown[sender]
	if !ok || owner == in.mapperName {
		return "", false
	}
	return owner, true
}

// BeginDiscoveryStartup marks owner as discovering without triggering a
// fresh BeginDiscovery call, used when the caller is already driving the
// initial startup walk directly.
func (in *Ingress) BeginDiscoveryStartup(owner string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.discovering[owner] = true
}

// CompleteDiscovery is called once a (re)discovery finishes: it removes
// owner's defer queue and discovery state and returns the queued signals
// in arrival order, for the caller to apply with Replay after the
// discovery result. This must be called regardless of success or failure of the
// walk: a failed walk still needs its defer queue drained against
// whatever partial state remains, typically none.
func (in *Ingress) CompleteDiscovery(owner string) []Deferred {
	in.mu.Lock()
	defer in.mu.Unlock()
	queue := in.deferred[owner]
	delete(in.deferred, owner)
	delete(in.discovering, owner)
	return queue
}

// HandleNameOwnerChanged processes one NameOwnerChanged signal: an old
// owner is dropped and evicted, a new owner starts discovery. Sink
// callbacks are invoked outside in.mu so a Sink is free to call back into
// the Ingress (e.g. BeginDiscoveryStartup) without deadlocking.
func (in *Ingress) HandleNameOwnerChanged(name, oldOwner, newOwner string) {
	if strings.HasPrefix(name, ":") || name == in.mapperName {
		return
	}

	in.mu.Lock()
	if newOwner != "" {
		in.uniqueToWellKnown[newOwner] = name
	}
	if oldOwner != "" {
		delete(in.uniqueToWellKnown, oldOwner)
		delete(in.deferred, name)
		delete(in.discovering, name)
	}
	if newOwner != "" {
		in.discovering[name] = true
	}
	in.mu.Unlock()

	if oldOwner != "" {
		in.sink.DropOwner(name)
	}
	if newOwner != "" {
		in.sink.BeginDiscovery(name)
	}
}

// HandleInterfacesAddedSignal is the entry point wired to the bus: it
// takes the raw *dbus.Signal body for InterfacesAdded (path, map[string]
// map[string]dbus.Variant) and extracts both the interface set and any
// associations payload before either deferring the signal (owner still
// discovering) or applying it to the Sink.
func (in *Ingress) HandleInterfacesAddedSignal(sig *dbus.Signal) error {
	if len(sig.Body) != 2 {
		return nil
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return nil
	}

	if !in.pathOK(string(path)) {
		return nil
	}

	var kept []string
	var assocTriples []assoc.Triple
	for iface, props := range ifaces {
		if !in.ifaceOK(iface) {
			continue
		}
		kept = append(kept, iface)
		if iface == in.assocIface {
			if v, ok := props["associations"]; ok {
				if list, ok := v.Value().([][]interface{}); ok {
					var variants []dbus.Variant
					for _, t := range list {
						variants = append(variants, dbus.MakeVariant(t))
					}
					assocTriples = walk.ParseAssociations(variants)
				}
			}
		}
	}
	if len(kept) == 0 {
		return nil
	}

	objMgrPath := string(sig.Path)

	in.mu.Lock()
	owner, ok := in.normalizeLocked(string(sig.Sender))
	if !ok {
		in.mu.Unlock()
		return nil
	}
	deferring := in.discovering[owner]
	var err error
	if deferring {
		err = in.enqueueLocked(owner, Deferred{
			Kind: KindInterfacesAdded, Owner: owner, Path: string(path), Ifaces: kept, Assoc: assocTriples,
			ObjMgrPath: objMgrPath,
		})
	}
	overflowed := deferring && err != nil
	in.mu.Unlock()

	if deferring {
		if overflowed {
			in.sink.DropOwner(owner)
		}
		return err
	}
	in.sink.EnsureObjectManager(objMgrPath, owner)
	in.sink.ApplyInterfacesAdded(string(path), owner, kept, assocTriples)
	return nil
}

// HandleInterfacesRemovedSignal handles InterfacesRemoved(path, ifaces).
func (in *Ingress) HandleInterfacesRemovedSignal(sig *dbus.Signal) error {
	if len(sig.Body) != 2 {
		return nil
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil
	}
	ifaces, ok := sig.Body[1].([]string)
	if !ok {
		return nil
	}

	if !in.pathOK(string(path)) {
		return nil
	}

	var dropped []string
	for _, iface := range ifaces {
		if in.ifaceOK(iface) {
			dropped = append(dropped, iface)
		}
	}
	if len(dropped) == 0 {
		return nil
	}

	objMgrPath := string(sig.Path)

	in.mu.Lock()
	owner, ok := in.normalizeLocked(string(sig.Sender))
	if !ok {
		in.mu.Unlock()
		return nil
	}
	deferring := in.discovering[owner]
	var err error
	if deferring {
		err = in.enqueueLocked(owner, Deferred{
			Kind: KindInterfacesRemoved, Owner: owner, Path: string(path), Ifaces: dropped,
			ObjMgrPath: objMgrPath,
		})
	}
	overflowed := deferring && err != nil
	in.mu.Unlock()

	if deferring {
		if overflowed {
			in.sink.DropOwner(owner)
		}
		return err
	}
	in.sink.EnsureObjectManager(objMgrPath, owner)
	in.sink.ApplyInterfacesRemoved(string(path), owner, dropped)
	return nil
}

// HandlePropertiesChangedSignal handles PropertiesChanged(iface, new, old)
// on the Associations interface (the bus subscription is arg0-filtered to
// that interface).
func (in *Ingress) HandlePropertiesChangedSignal(sig *dbus.Signal) error {
	if len(sig.Body) != 3 {
		return nil
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != in.assocIface {
		return nil
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil
	}
	path := string(sig.Path)
	if !in.pathOK(path) {
		return nil
	}

	v, ok := changed["associations"]
	if !ok {
		return nil
	}
	list, ok := v.Value().([][]interface{})
	if !ok {
		return nil
	}
	var variants []dbus.Variant
	for _, t := range list {
		variants = append(variants, dbus.MakeVariant(t))
	}
	triples := walk.ParseAssociations(variants)

	in.mu.Lock()
	owner, ok := in.normalizeLocked(string(sig.Sender))
	if !ok {
		in.mu.Unlock()
		return nil
	}
	deferring := in.discovering[owner]
	var err error
	if deferring {
		err = in.enqueueLocked(owner, Deferred{Kind: KindPropertiesChanged, Owner: owner, Path: path, Assoc: triples})
	}
	overflowed := deferring && err != nil
	in.mu.Unlock()

	if deferring {
		if overflowed {
			in.sink.DropOwner(owner)
		}
		return err
	}
	in.sink.ApplyPropertiesChanged(path, owner, triples)
	return nil
}

// Dispatch routes one bus signal to the matching Handle* method by name.
// It is the single entry point the daemon's event loop calls for every
// signal it reads off the connection.
func (in *Ingress) Dispatch(sig *dbus.Signal) error {
	switch sig.Name {
	case sigNameOwnerChanged:
		if len(sig.Body) != 3 {
			return nil
		}
		name, ok1 := sig.Body[0].(string)
		old, ok2 := sig.Body[1].(string)
		new_, ok3 := sig.Body[2].(string)
		if !ok1 || !ok2 || !ok3 {
			return nil
		}
		in.HandleNameOwnerChanged(name, old, new_)
		return nil
	case sigInterfacesAdded:
		return in.HandleInterfacesAddedSignal(sig)
	case sigInterfacesRemoved:
		return in.HandleInterfacesRemovedSignal(sig)
	case sigPropertiesChanged:
		return in.HandlePropertiesChangedSignal(sig)
	}
	return nil
}

// enqueueLocked appends d to owner's defer queue, or — if the queue is
// already at maxDeferredPerOwner — clears owner's discovery state and
// returns an overflow error; the caller is responsible for calling
// sink.DropOwner(owner) once in.mu is released. Callers must hold in.mu.
func (in *Ingress) enqueueLocked(owner string, d Deferred) error {
	queue := in.deferred[owner]
	if len(queue) >= maxDeferredPerOwner {
		delete(in.deferred, owner)
		delete(in.discovering, owner)
		return errOverflow(owner)
	}
	in.deferred[owner] = append(queue, d)
	return nil
}

// Replay applies a drained defer queue to sink, in order.
func Replay(sink Sink, queue []Deferred) {
	for _, d := range queue {
		switch d.Kind {
		case KindInterfacesAdded:
			sink.EnsureObjectManager(d.ObjMgrPath, d.Owner)
			sink.ApplyInterfacesAdded(d.Path, d.Owner, d.Ifaces, d.Assoc)
		case KindInterfacesRemoved:
			sink.EnsureObjectManager(d.ObjMgrPath, d.Owner)
			sink.ApplyInterfacesRemoved(d.Path, d.Owner, d.Ifaces)
		case KindPropertiesChanged:
			sink.ApplyPropertiesChanged(d.Path, d.Owner, d.Assoc)
		}
	}
}

type overflowError string

func (e overflowError) Error() string {
	return "signalingress: defer queue overflow for owner " + string(e)
}

func errOverflow(owner string) error { return overflowError(owner) }

// AddMatches installs the four bus-level match rules this package expects
// signals for. Call once per live *dbus.Conn after Hello/RequestName.
// assocIface is arg0-filtered on PropertiesChanged so the mapper never
// wakes up for property churn on interfaces it doesn't track
// associations for.
func AddMatches(conn *dbus.Conn, assocIface string) error {
	matches := []string{
		"type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged'",
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'",
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesRemoved'",
		"type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',arg0='" + assocIface + "'",
	}
	for _, m := range matches {
		call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, m)
		if call.Err != nil {
			return call.Err
		}
	}
	return nil
}
