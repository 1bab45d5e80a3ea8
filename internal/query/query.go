// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// Package query implements the mapper's read-only query surface (C6):
// GetObject, GetSubTree, GetSubTreePaths and GetAncestors, each with an
// optional interface filter, plus two association-aware convenience
// queries that compose a subtree lookup over an association's endpoints.
package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openbmc/phosphor-objmgr/internal/assoc"
	"github.com/openbmc/phosphor-objmgr/internal/objcache"
	"github.com/openbmc/phosphor-objmgr/internal/pathtree"
)

// ErrNotFound maps to org.freedesktop.DBus.Error.FileNotFound at the bus
// boundary.
var ErrNotFound = errors.New("query: path not found")

// ErrInvalidArgument is returned for a negative depth: a prior
// implementation's unsigned wire type allowed it through silently via
// coercion; this port rejects it instead of truncating.
var ErrInvalidArgument = errors.New("query: invalid argument")

// ObjectResult is owner -> sorted interface list, the shape returned to
// bus clients for a single object path.
type ObjectResult map[string][]string

// filterAndSort turns a cache Entry into the external ObjectResult shape,
// dropping owners whose interfaces don't intersect ifaces (when ifaces is
// non-empty) and sorting each owner's interface list for deterministic
// output. Owners are map keys and carry no order of their own.
func filterAndSort(entry objcache.Entry, ifaces []string) ObjectResult {
	filter := toSet(ifaces)
	out := ObjectResult{}
	for owner, ownerIfaces := range entry {
		kept := objcache.SortedInterfaces(ownerIfaces)
		if len(filter) > 0 {
			kept = intersect(kept, filter)
		}
		if len(kept) == 0 {
			continue
		}
		out[owner] = kept
	}
	return out
}

func toSet(xs []string) map[string]struct{} {
	s := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		s[x] = struct{}{}
	}
	return s
}

func intersect(ifaces []string, filter map[string]struct{}) []string {
	var out []string
	for _, i := range ifaces {
		if _, ok := filter[i]; ok {
			out = append(out, i)
		}
	}
	return out
}

// GetObject returns the owners and interfaces claimed at path, after
// applying ifaces as an optional filter (empty = no filter).
func GetObject(cache *objcache.Cache, path string, ifaces []string) (ObjectResult, error) {
	entry, ok := cache.Get(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	result := filterAndSort(entry, ifaces)
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return result, nil
}

// GetSubTreePaths returns the sorted set of paths strictly inside path,
// within depth additional levels (0 = unbounded), that survive the
// interface filter.
func GetSubTreePaths(cache *objcache.Cache, path string, depth int, ifaces []string) ([]string, error) {
	if depth < 0 {
		return nil, fmt.Errorf("%w: negative depth %d", ErrInvalidArgument, depth)
	}
	entries, err := cache.Iterate(path, depth)
	if err != nil {
		return nil, translateNotFound(err, path)
	}
	var out []string
	for _, e := range entries {
		if len(filterAndSort(e.Owners, ifaces)) == 0 {
			continue
		}
		out = append(out, e.Path)
	}
	sort.Strings(out)
	return out, nil
}

// SubTreeResult is path -> owner -> sorted interface list.
type SubTreeResult map[string]ObjectResult

// GetSubTree is GetSubTreePaths plus the owner/interface payloads.
func GetSubTree(cache *objcache.Cache, path string, depth int, ifaces []string) (SubTreeResult, error) {
	if depth < 0 {
		return nil, fmt.Errorf("%w: negative depth %d", ErrInvalidArgument, depth)
	}
	entries, err := cache.Iterate(path, depth)
	if err != nil {
		return nil, translateNotFound(err, path)
	}
	out := SubTreeResult{}
	for _, e := range entries {
		result := filterAndSort(e.Owners, ifaces)
		if len(result) == 0 {
			continue
		}
		out[e.Path] = result
	}
	return out, nil
}

// GetAncestors walks from "/" (inclusive) up to but not including path,
// returning every ancestor that has a payload, filtered by ifaces.
// path itself is never included; path must exist or ErrNotFound is
// returned.
func GetAncestors(cache *objcache.Cache, path string, ifaces []string) (SubTreeResult, error) {
	if !cache.Exists(path) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	out := SubTreeResult{}
	for _, ancestor := range ancestorsOf(path) {
		entry, ok := cache.Get(ancestor)
		if !ok {
			continue
		}
		result := filterAndSort(entry, ifaces)
		if len(result) == 0 {
			continue
		}
		out[ancestor] = result
	}
	return out, nil
}

// ancestorsOf returns every proper prefix path of path, from "/" up to (not
// including) path itself, shallowest first.
func ancestorsOf(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	elements := strings.Split(trimmed, "/")
	out := make([]string, 0, len(elements))
	out = append(out, "/")
	for i := 1; i < len(elements); i++ {
		out = append(out, "/"+strings.Join(elements[:i], "/"))
	}
	return out
}

func translateNotFound(err error, path string) error {
	if errors.Is(err, pathtree.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return err
}

// GetAssociatedSubTreePaths composes the association index with
// GetSubTreePaths: given a materialized association object's path, it
// returns the union of GetSubTreePaths(endpoint, depth, ifaces) for every
// current endpoint of that association.
func GetAssociatedSubTreePaths(cache *objcache.Cache, engine *assoc.Engine, assocPath string, depth int, ifaces []string) ([]string, error) {
	endpoints, ok := engine.Endpoints(assocPath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, assocPath)
	}
	seen := map[string]struct{}{}
	var out []string
	for _, endpoint := range endpoints {
		paths, err := GetSubTreePaths(cache, endpoint, depth, ifaces)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		for _, p := range paths {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetAssociatedSubTree is GetAssociatedSubTreePaths plus payloads.
func GetAssociatedSubTree(cache *objcache.Cache, engine *assoc.Engine, assocPath string, depth int, ifaces []string) (SubTreeResult, error) {
	endpoints, ok := engine.Endpoints(assocPath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, assocPath)
	}
	out := SubTreeResult{}
	for _, endpoint := range endpoints {
		sub, err := GetSubTree(cache, endpoint, depth, ifaces)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		for p, r := range sub {
			out[p] = r
		}
	}
	return out, nil
}
