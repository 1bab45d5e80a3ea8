// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// Package objcache implements the cache core (C4): the authoritative
// path -> { owner -> {interface set} } mirror, and the update_interfaces
// mutation primitive that every interface-set change routes through.
package objcache

import (
	"sort"

	"github.com/openbmc/phosphor-objmgr/internal/assoc"
	"github.com/openbmc/phosphor-objmgr/internal/pathtree"
)

// Entry is the payload stored at a path node: owner -> its interface set.
// A path with no entry (or an empty one) claims no service at all.
type Entry map[string]map[string]struct{}

// Cache is the live object-path index. The zero value is not usable;
// construct one with New.
type Cache struct {
	tree  *pathtree.Tree
	assoc *assoc.Engine
}

// New builds a cache wired to the given association engine. Call
// engine.Init(cache, cache) after construction so the engine can
// materialize synthetic objects back into this cache.
func New(engine *assoc.Engine) *Cache {
	return &Cache{tree: pathtree.New(), assoc: engine}
}

func (c *Cache) entryAt(path string) Entry {
	payload, ok := c.tree.Get(path)
	if !ok {
		return nil
	}
	return payload.(Entry)
}

// Exists reports whether path is a live cache entry — some owner currently
// claims at least one interface there. A structural-only ancestor (no
// payload of its own) does not count; this is the test used to decide
// whether an association edge's endpoint can be materialized yet. It
// satisfies assoc.Existence.
func (c *Cache) Exists(path string) bool {
	return hasAny(c.entryAt(path))
}

// Get returns the owner->interfaces map at path, or (nil, false) if no
// service claims it.
func (c *Cache) Get(path string) (Entry, bool) {
	e := c.entryAt(path)
	if len(e) == 0 {
		return nil, false
	}
	return e, true
}

// Iterate yields every interface-bearing node strictly inside subtree, up
// to depth additional levels (0 = unbounded). It wraps pathtree.Iterate and
// filters out structural-only entries.
func (c *Cache) Iterate(subtree string, depth int) ([]CacheEntry, error) {
	entries, err := c.tree.Iterate(subtree, depth)
	if err != nil {
		return nil, err
	}
	out := make([]CacheEntry, 0, len(entries))
	for _, e := range entries {
		payload := e.Payload.(Entry)
		if len(payload) == 0 {
			continue
		}
		out = append(out, CacheEntry{Path: e.Path, Owners: payload})
	}
	return out, nil
}

// CacheEntry is one (path, owner->interfaces) pair returned by Iterate.
type CacheEntry struct {
	Path   string
	Owners Entry
}

// UpdateInterfaces is the C4 mutation primitive for ordinary (non
// association-payload-carrying) interface changes, used for everything
// except a fresh Associations-property payload. old and new are the
// owner's full interface sets before and after this update.
func (c *Cache) UpdateInterfaces(path, owner string, old, new []string) (created, destroyed []string) {
	return c.updateInterfaces(path, owner, old, new, nil)
}

// UpdateInterfacesWithAssociations is UpdateInterfaces plus a freshly
// parsed "associations" property payload, used when the Associations
// interface is gaining membership with real triples to publish (an
// InterfacesAdded signal or discovery result carrying the associations
// property, or a PropertiesChanged update). assocNew is ignored when the
// Associations interface is being removed; when that interface's
// membership does not change, a non-nil assocNew replaces the owner's
// edges at path whether or not the interface is in new.
func (c *Cache) UpdateInterfacesWithAssociations(path, owner string, old, new []string, assocNew []assoc.Triple) (created, destroyed []string) {
	return c.updateInterfaces(path, owner, old, new, assocNew)
}

func (c *Cache) updateInterfaces(path, owner string, old, new []string, assocNew []assoc.Triple) (created, destroyed []string) {
	entry := c.entryAt(path)
	if entry == nil {
		entry = Entry{}
	}
	hadAny := hasAny(entry)

	deltaAdd, deltaRemove := diff(old, new)

	if len(new) == 0 {
		delete(entry, owner)
	} else {
		entry[owner] = toSet(new)
	}
	nowHasAny := hasAny(entry)

	if !hadAny && nowHasAny {
		created = []string{path}
	}
	if hadAny && !nowHasAny {
		destroyed = []string{path}
	}

	if nowHasAny {
		c.tree.Insert(path, entry)
	} else if c.tree.HasChildren(path) {
		c.tree.Demote(path)
	} else {
		c.tree.Erase(path)
	}

	if c.assoc == nil {
		return created, destroyed
	}

	oldEdges := c.assoc.CurrentEdges(path, owner)
	assocIface := c.assoc.AssocIface()
	var newEdges []assoc.Triple
	switch {
	case containsStr(deltaAdd, assocIface):
		// Associations interface just gained membership: publish whatever
		// payload the caller parsed (discovery result or InterfacesAdded).
		newEdges = assocNew
	case containsStr(deltaRemove, assocIface):
		// Associations interface just lost membership: no edges remain.
		newEdges = nil
	case assocNew != nil:
		// Interface membership unchanged; this is a PropertiesChanged
		// refresh of the associations payload in place.
		newEdges = assocNew
	default:
		// Unrelated update (a different interface on this owner/path
		// changed): this owner's edges are untouched, but created/destroyed
		// may still need to ripple into other owners' materialized
		// endpoints below.
		newEdges = oldEdges
	}

	c.assoc.UpdateAssociations(path, owner, oldEdges, newEdges, created, destroyed)
	return created, destroyed
}

func hasAny(e Entry) bool {
	for _, ifaces := range e {
		if len(ifaces) > 0 {
			return true
		}
	}
	return false
}

func toSet(ifaces []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ifaces))
	for _, i := range ifaces {
		s[i] = struct{}{}
	}
	return s
}

func diff(old, new []string) (add, remove []string) {
	oldSet := toSet(old)
	newSet := toSet(new)
	for i := range newSet {
		if _, ok := oldSet[i]; !ok {
			add = append(add, i)
		}
	}
	for i := range oldSet {
		if _, ok := newSet[i]; !ok {
			remove = append(remove, i)
		}
	}
	return add, remove
}

func containsStr(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// SortedInterfaces returns ifaces as a sorted, deduplicated slice, used
// whenever a result crosses the mapper's external interface — Go map
// iteration order is unspecified, so query results are sorted instead.
func SortedInterfaces(ifaces map[string]struct{}) []string {
	out := make([]string, 0, len(ifaces))
	for i := range ifaces {
		out = append(out, i)
	}
	sort.Strings(out)
	return out
}
