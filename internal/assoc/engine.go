// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// Package assoc implements the bidirectional association index (C5): the
// forward/reverse lookup tables keyed by (path, owner), and the synthetic
// D-Bus objects the mapper materializes at each association endpoint.
//
// Each edge is represented as a typed (forward, reverse, endpoint) triple
// rather than a split-path string ("endpoint/relation"), so no string
// parsing is needed to recover the relation name at read time. Because
// every edge is always inserted symmetrically (invariant 2), the forward
// and reverse indices never disagree about which owner published which
// triple.
package assoc

import "sort"

// Triple is a single published association edge: a forward relation name,
// its reverse counterpart, and the endpoint object path.
type Triple struct {
	Forward  string
	Reverse  string
	Endpoint string
}

// CacheMutator is the slice of objcache.Cache the association engine needs
// in order to materialize or tear down synthetic association objects. It is
// declared here, not imported from the cache package, so the two packages
// can reference each other without an import cycle; objcache.Cache
// satisfies this interface structurally.
type CacheMutator interface {
	UpdateInterfaces(path, owner string, old, new []string) (created, destroyed []string)
}

// Existence is the slice of objcache.Cache the engine needs to decide
// whether an edge's endpoint is currently present.
type Existence interface {
	Exists(path string) bool
}

// reverseEntry mirrors a Triple as seen from its endpoint: Source is the
// path that published the edge.
type reverseEntry struct {
	Forward  string
	Reverse  string
	Source   string
}

// materialized tracks one synthetic association object's current endpoint
// set.
type materialized struct {
	endpoints map[string]struct{}
}

// Engine is the association index and materialized-object store. The zero
// value is not usable; construct one with NewEngine.
type Engine struct {
	assocIface string
	mapperName string

	forward map[string]map[string][]Triple       // path -> owner -> published edges
	reverse map[string]map[string][]reverseEntry // endpoint -> owner -> mirrored edges

	objects map[string]*materialized // materialized association path -> state

	mutator  CacheMutator
	exists   Existence

	// OnEndpointsChanged is invoked whenever a materialized object's
	// endpoint set changes without being created or destroyed (i.e. a
	// PropertiesChanged-worthy update). It may be left nil.
	OnEndpointsChanged func(path string, endpoints []string)
}

// NewEngine constructs an association engine. assocIface is the interface
// name carrying the "associations" property; mapperName is the well-known
// name synthetic objects are owned by.
func NewEngine(assocIface, mapperName string) *Engine {
	return &Engine{
		assocIface: assocIface,
		mapperName: mapperName,
		forward:    make(map[string]map[string][]Triple),
		reverse:    make(map[string]map[string][]reverseEntry),
		objects:    make(map[string]*materialized),
	}
}

// Init wires the engine to the cache it materializes objects into. Both
// arguments are typically the same *objcache.Cache value.
func (e *Engine) Init(mutator CacheMutator, exists Existence) {
	e.mutator = mutator
	e.exists = exists
}

// AssocIface returns the interface name this engine watches for.
func (e *Engine) AssocIface() string { return e.assocIface }

// CurrentEdges returns a copy of the triples currently published by owner
// at path. Callers use this to snapshot the "old" edge set before an
// Associations-interface removal or a PropertiesChanged update.
func (e *Engine) CurrentEdges(path, owner string) []Triple {
	triples := e.forward[path][owner]
	out := make([]Triple, len(triples))
	copy(out, triples)
	return out
}

// UpdateAssociations is the C5 entry point, called once per C4 mutation
// with the owner's before/after association triples and the set of paths
// whose existence in the cache just flipped.
func (e *Engine) UpdateAssociations(path, owner string, oldEdges, newEdges []Triple, created, destroyed []string) {
	added, removed := diffTriples(oldEdges, newEdges)

	for _, tr := range added {
		if tr.Endpoint == "" {
			continue
		}
		e.indexAdd(path, owner, tr)
		if e.exists != nil && e.exists.Exists(tr.Endpoint) {
			e.updateAssociation(join(path, tr.Forward), nil, []string{tr.Endpoint})
			e.updateAssociation(join(tr.Endpoint, tr.Reverse), nil, []string{path})
		}
	}
	for _, tr := range removed {
		if tr.Endpoint == "" {
			continue
		}
		e.indexRemove(path, owner, tr)
		e.updateAssociation(join(path, tr.Forward), []string{tr.Endpoint}, nil)
		e.updateAssociation(join(tr.Endpoint, tr.Reverse), []string{path}, nil)
	}

	for _, p := range created {
		for _, entries := range e.reverse[p] {
			for _, re := range entries {
				e.updateAssociation(join(re.Source, re.Forward), nil, []string{p})
				e.updateAssociation(join(p, re.Reverse), nil, []string{re.Source})
			}
		}
	}
	for _, p := range destroyed {
		for _, entries := range e.reverse[p] {
			for _, re := range entries {
				e.updateAssociation(join(re.Source, re.Forward), []string{p}, nil)
				e.updateAssociation(join(p, re.Reverse), []string{re.Source}, nil)
			}
		}
	}
}

func join(path, relation string) string {
	if path == "/" {
		return "/" + relation
	}
	return path + "/" + relation
}

// updateAssociation applies a removed/added endpoint delta to the
// materialized object at p, creating, updating, or destroying it
// depending on how many endpoints remain.
func (e *Engine) updateAssociation(p string, removed, added []string) {
	cur := e.objects[p]
	curSet := map[string]struct{}{}
	if cur != nil {
		curSet = cur.endpoints
	}

	next := make(map[string]struct{}, len(curSet)+len(added))
	for ep := range curSet {
		next[ep] = struct{}{}
	}
	for _, ep := range added {
		next[ep] = struct{}{}
	}
	for _, ep := range removed {
		delete(next, ep)
	}

	if setEqual(curSet, next) {
		return
	}

	switch {
	case len(curSet) == 0 && len(next) != 0:
		e.objects[p] = &materialized{endpoints: next}
		if e.mutator != nil {
			e.mutator.UpdateInterfaces(p, e.mapperName, nil, []string{e.assocIface})
		}
	case len(curSet) != 0 && len(next) == 0:
		delete(e.objects, p)
		if e.mutator != nil {
			e.mutator.UpdateInterfaces(p, e.mapperName, []string{e.assocIface}, nil)
		}
	default:
		e.objects[p].endpoints = next
		if e.OnEndpointsChanged != nil {
			e.OnEndpointsChanged(p, sortedKeys(next))
		}
	}
}

// Endpoints returns the current endpoint set of the materialized
// association object at p, or (nil, false) if none exists.
func (e *Engine) Endpoints(p string) ([]string, bool) {
	obj, ok := e.objects[p]
	if !ok {
		return nil, false
	}
	return sortedKeys(obj.endpoints), true
}

func (e *Engine) indexAdd(path, owner string, tr Triple) {
	if e.forward[path] == nil {
		e.forward[path] = make(map[string][]Triple)
	}
	e.forward[path][owner] = append(e.forward[path][owner], tr)

	if e.reverse[tr.Endpoint] == nil {
		e.reverse[tr.Endpoint] = make(map[string][]reverseEntry)
	}
	e.reverse[tr.Endpoint][owner] = append(e.reverse[tr.Endpoint][owner], reverseEntry{
		Forward: tr.Forward,
		Reverse: tr.Reverse,
		Source:  path,
	})
}

func (e *Engine) indexRemove(path, owner string, tr Triple) {
	e.forward[path][owner] = removeTriple(e.forward[path][owner], tr)
	if len(e.forward[path][owner]) == 0 {
		delete(e.forward[path], owner)
	}
	if len(e.forward[path]) == 0 {
		delete(e.forward, path)
	}

	e.reverse[tr.Endpoint][owner] = removeReverseEntry(e.reverse[tr.Endpoint][owner], path, tr)
	if len(e.reverse[tr.Endpoint][owner]) == 0 {
		delete(e.reverse[tr.Endpoint], owner)
	}
	if len(e.reverse[tr.Endpoint]) == 0 {
		delete(e.reverse, tr.Endpoint)
	}
}

func removeTriple(triples []Triple, target Triple) []Triple {
	out := triples[:0]
	for _, tr := range triples {
		if tr == target {
			continue
		}
		out = append(out, tr)
	}
	return out
}

func removeReverseEntry(entries []reverseEntry, source string, tr Triple) []reverseEntry {
	out := entries[:0]
	for _, re := range entries {
		if re.Source == source && re.Forward == tr.Forward && re.Reverse == tr.Reverse {
			continue
		}
		out = append(out, re)
	}
	return out
}

func diffTriples(old, new []Triple) (added, removed []Triple) {
	oldSet := make(map[Triple]struct{}, len(old))
	for _, tr := range old {
		oldSet[tr] = struct{}{}
	}
	newSet := make(map[Triple]struct{}, len(new))
	for _, tr := range new {
		newSet[tr] = struct{}{}
	}
	for tr := range newSet {
		if _, ok := oldSet[tr]; !ok {
			added = append(added, tr)
		}
	}
	for tr := range oldSet {
		if _, ok := newSet[tr]; !ok {
			removed = append(removed, tr)
		}
	}
	return added, removed
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
