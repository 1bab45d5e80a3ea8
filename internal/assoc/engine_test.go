// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

package assoc_test

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openbmc/phosphor-objmgr/internal/assoc"
)

const mapperName = "xyz.openbmc_project.ObjectMapper"

type fakeCache struct {
	present map[string]bool
	calls   []call
}

type call struct {
	path, owner string
	old, new_   []string
}

func (f *fakeCache) Exists(path string) bool { return f.present[path] }

func (f *fakeCache) UpdateInterfaces(path, owner string, old, new_ []string) (created, destroyed []string) {
	f.calls = append(f.calls, call{path, owner, old, new_})
	return nil, nil
}

func newEngine(present ...string) (*assoc.Engine, *fakeCache) {
	cache := &fakeCache{present: map[string]bool{}}
	for _, p := range present {
		cache.present[p] = true
	}
	e := assoc.NewEngine("org.openbmc.Association", mapperName)
	e.Init(cache, cache)
	return e, cache
}

func TestUpdateAssociationsMaterializesBothEnds(t *testing.T) {
	e, cache := newEngine("/c/d")

	e.UpdateAssociations("/a/b", "S1",
		nil,
		[]assoc.Triple{{Forward: "fwd", Reverse: "rev", Endpoint: "/c/d"}},
		nil, nil)

	fwdEndpoints, ok := e.Endpoints("/a/b/fwd")
	if !ok {
		t.Fatalf("/a/b/fwd not materialized")
	}
	if diff := cmp.Diff([]string{"/c/d"}, fwdEndpoints); diff != "" {
		t.Errorf("/a/b/fwd endpoints mismatch (-want +got):\n%s", diff)
	}

	revEndpoints, ok := e.Endpoints("/c/d/rev")
	if !ok {
		t.Fatalf("/c/d/rev not materialized")
	}
	if diff := cmp.Diff([]string{"/a/b"}, revEndpoints); diff != "" {
		t.Errorf("/c/d/rev endpoints mismatch (-want +got):\n%s", diff)
	}

	var paths []string
	for _, c := range cache.calls {
		paths = append(paths, c.path)
	}
	sort.Strings(paths)
	if diff := cmp.Diff([]string{"/a/b/fwd", "/c/d/rev"}, paths); diff != "" {
		t.Errorf("materialization calls mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateAssociationsWaitsForEndpointExistence(t *testing.T) {
	e, _ := newEngine() // /c/d does not exist yet

	e.UpdateAssociations("/a/b", "S1",
		nil,
		[]assoc.Triple{{Forward: "fwd", Reverse: "rev", Endpoint: "/c/d"}},
		nil, nil)

	if _, ok := e.Endpoints("/a/b/fwd"); ok {
		t.Fatalf("/a/b/fwd materialized before endpoint existed")
	}

	e.UpdateAssociations("/c/d", "S2", nil, nil, []string{"/c/d"}, nil)

	fwdEndpoints, ok := e.Endpoints("/a/b/fwd")
	if !ok {
		t.Fatalf("/a/b/fwd not materialized after endpoint appeared")
	}
	if diff := cmp.Diff([]string{"/c/d"}, fwdEndpoints); diff != "" {
		t.Errorf("/a/b/fwd endpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateAssociationsRemovalDestroysObjects(t *testing.T) {
	e, _ := newEngine("/c/d")
	triple := []assoc.Triple{{Forward: "fwd", Reverse: "rev", Endpoint: "/c/d"}}

	e.UpdateAssociations("/a/b", "S1", nil, triple, nil, nil)
	e.UpdateAssociations("/a/b", "S1", triple, nil, nil, nil)

	if _, ok := e.Endpoints("/a/b/fwd"); ok {
		t.Errorf("/a/b/fwd still materialized after edge removal")
	}
	if _, ok := e.Endpoints("/c/d/rev"); ok {
		t.Errorf("/c/d/rev still materialized after edge removal")
	}
}

func TestUpdateAssociationsOwnerDisappearanceCleansBothEdges(t *testing.T) {
	e, _ := newEngine("/c/d")
	triple := []assoc.Triple{{Forward: "fwd", Reverse: "rev", Endpoint: "/c/d"}}
	e.UpdateAssociations("/a/b", "S1", nil, triple, nil, nil)

	// S1 disappears: its published edges are removed like any other delta.
	e.UpdateAssociations("/a/b", "S1", triple, nil, nil, nil)

	if _, ok := e.Endpoints("/a/b/fwd"); ok {
		t.Errorf("/a/b/fwd still materialized after owner disappeared")
	}
	if _, ok := e.Endpoints("/c/d/rev"); ok {
		t.Errorf("/c/d/rev still materialized after owner disappeared")
	}
}

func TestUpdateAssociationsMultipleOwnersUnionEndpoints(t *testing.T) {
	e, _ := newEngine("/c/d", "/e/f")

	e.UpdateAssociations("/a/b", "S1", nil,
		[]assoc.Triple{{Forward: "fwd", Reverse: "rev", Endpoint: "/c/d"}}, nil, nil)
	e.UpdateAssociations("/a/b", "S2", nil,
		[]assoc.Triple{{Forward: "fwd", Reverse: "rev", Endpoint: "/e/f"}}, nil, nil)

	got, ok := e.Endpoints("/a/b/fwd")
	if !ok {
		t.Fatalf("/a/b/fwd not materialized")
	}
	if diff := cmp.Diff([]string{"/c/d", "/e/f"}, got); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}

	// One owner's edge goes away; the object survives with the other's.
	e.UpdateAssociations("/a/b", "S1",
		[]assoc.Triple{{Forward: "fwd", Reverse: "rev", Endpoint: "/c/d"}}, nil, nil, nil)

	got, ok = e.Endpoints("/a/b/fwd")
	if !ok {
		t.Fatalf("/a/b/fwd destroyed while S2's edge remains")
	}
	if diff := cmp.Diff([]string{"/e/f"}, got); diff != "" {
		t.Errorf("endpoints mismatch after partial removal (-want +got):\n%s", diff)
	}
}

func TestCurrentEdgesSnapshot(t *testing.T) {
	e, _ := newEngine("/c/d")
	triple := []assoc.Triple{{Forward: "fwd", Reverse: "rev", Endpoint: "/c/d"}}
	e.UpdateAssociations("/a/b", "S1", nil, triple, nil, nil)

	got := e.CurrentEdges("/a/b", "S1")
	if diff := cmp.Diff(triple, got); diff != "" {
		t.Errorf("CurrentEdges mismatch (-want +got):\n%s", diff)
	}

	// Returned slice must be a copy: mutating it must not affect the engine.
	got[0].Forward = "mutated"
	again := e.CurrentEdges("/a/b", "S1")
	if diff := cmp.Diff(triple, again); diff != "" {
		t.Errorf("CurrentEdges leaked internal slice (-want +got):\n%s", diff)
	}
}

func TestUpdateAssociationsOnEndpointsChangedFires(t *testing.T) {
	e, _ := newEngine("/c/d", "/e/f")
	var gotPath string
	var gotEndpoints []string
	e.OnEndpointsChanged = func(path string, endpoints []string) {
		gotPath = path
		gotEndpoints = endpoints
	}

	e.UpdateAssociations("/a/b", "S1", nil,
		[]assoc.Triple{{Forward: "fwd", Reverse: "rev", Endpoint: "/c/d"}}, nil, nil)
	// First materialization is a create, not an update: no callback yet.
	if gotPath != "" {
		t.Fatalf("OnEndpointsChanged fired on creation: path=%q", gotPath)
	}

	e.UpdateAssociations("/a/b", "S2", nil,
		[]assoc.Triple{{Forward: "fwd", Reverse: "rev", Endpoint: "/e/f"}}, nil, nil)

	if gotPath != "/a/b/fwd" {
		t.Errorf("OnEndpointsChanged path = %q, want /a/b/fwd", gotPath)
	}
	if diff := cmp.Diff([]string{"/c/d", "/e/f"}, gotEndpoints); diff != "" {
		t.Errorf("OnEndpointsChanged endpoints mismatch (-want +got):\n%s", diff)
	}
}
