// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

package pathtree_test

import (
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openbmc/phosphor-objmgr/internal/pathtree"
)

func paths(entries []pathtree.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	sort.Strings(out)
	return out
}

func TestInsertGet(t *testing.T) {
	tr := pathtree.New()
	tr.Insert("/a/b", "payload-b")

	got, ok := tr.Get("/a/b")
	if !ok || got != "payload-b" {
		t.Fatalf("Get(/a/b) = %v, %v; want payload-b, true", got, ok)
	}

	if _, ok := tr.Get("/a"); ok {
		t.Fatalf("Get(/a) reported a payload; /a is a structural ancestor only")
	}
	if !tr.Exists("/a") {
		t.Fatalf("Exists(/a) = false; ancestor should have been created")
	}
}

func TestInsertOverwrites(t *testing.T) {
	tr := pathtree.New()
	tr.Insert("/a", "first")
	tr.Insert("/a", "second")
	got, ok := tr.Get("/a")
	if !ok || got != "second" {
		t.Fatalf("Get(/a) = %v, %v; want second, true", got, ok)
	}
}

func TestErasePrunesEmptyAncestors(t *testing.T) {
	tr := pathtree.New()
	tr.Insert("/a/b/c", "payload")
	tr.Erase("/a/b/c")

	if tr.Exists("/a/b/c") {
		t.Fatalf("/a/b/c still exists after Erase")
	}
	if tr.Exists("/a/b") || tr.Exists("/a") {
		t.Fatalf("Erase did not prune empty-payload-no-children ancestors")
	}
}

func TestEraseStopsAtLiveDescendant(t *testing.T) {
	tr := pathtree.New()
	tr.Insert("/a", "payload-a")
	tr.Insert("/a/b", "payload-b")
	tr.Erase("/a/b")

	if tr.Exists("/a/b") {
		t.Fatalf("/a/b still exists after Erase")
	}
	if !tr.Exists("/a") {
		t.Fatalf("Erase pruned /a, which still has a payload")
	}
}

func TestEraseStopsAtRoot(t *testing.T) {
	tr := pathtree.New()
	tr.Insert("/a", "payload-a")
	tr.Erase("/a")
	// root always exists; Iterate("/", 0) on an empty tree must not error.
	entries, err := tr.Iterate("/", 0)
	if err != nil {
		t.Fatalf("Iterate(/) after emptying the tree: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Iterate(/) = %v; want empty", entries)
	}
}

func TestDemotePreservesNode(t *testing.T) {
	tr := pathtree.New()
	tr.Insert("/a", "payload-a")
	tr.Insert("/a/b", "payload-b")
	tr.Demote("/a")

	if _, ok := tr.Get("/a"); ok {
		t.Fatalf("Get(/a) reported a payload after Demote")
	}
	if !tr.Exists("/a") {
		t.Fatalf("Demote removed the node instead of clearing its payload")
	}
	if !tr.Exists("/a/b") {
		t.Fatalf("Demote disturbed a live descendant")
	}
}

func TestIterateDoesNotYieldSubtreeRoot(t *testing.T) {
	tr := pathtree.New()
	tr.Insert("/a", "payload-a")
	tr.Insert("/a/b", "payload-b")

	entries, err := tr.Iterate("/a", 0)
	if err != nil {
		t.Fatalf("Iterate(/a): %v", err)
	}
	if diff := cmp.Diff([]string{"/a/b"}, paths(entries)); diff != "" {
		t.Errorf("Iterate(/a) paths mismatch (-want +got):\n%s", diff)
	}
}

func TestIterateDepthBound(t *testing.T) {
	tr := pathtree.New()
	tr.Insert("/a", "payload-a")
	tr.Insert("/a/b", "payload-b")
	tr.Insert("/a/b/c", "payload-c")

	entries, err := tr.Iterate("/a", 1)
	if err != nil {
		t.Fatalf("Iterate(/a, 1): %v", err)
	}
	if diff := cmp.Diff([]string{"/a/b"}, paths(entries)); diff != "" {
		t.Errorf("Iterate(/a, 1) paths mismatch (-want +got):\n%s", diff)
	}
}

func TestIterateDoesNotPruneDeeperSiblingSubtrees(t *testing.T) {
	tr := pathtree.New()
	// /a/x is shallow; /a/y/z/w is deep but shares no ancestor depth budget
	// with /a/x beyond the common subtree root.
	tr.Insert("/a/x", "x")
	tr.Insert("/a/y/z/w", "w")

	entries, err := tr.Iterate("/a", 1)
	if err != nil {
		t.Fatalf("Iterate(/a, 1): %v", err)
	}
	// /a/y has no payload of its own (structural only) so at depth 1 only
	// /a/x should be yielded; deeper nodes beyond depth are skipped but
	// traversal must not error out or stop early because of them.
	if diff := cmp.Diff([]string{"/a/x"}, paths(entries)); diff != "" {
		t.Errorf("Iterate(/a, 1) paths mismatch (-want +got):\n%s", diff)
	}
}

func TestIterateNotFound(t *testing.T) {
	tr := pathtree.New()
	_, err := tr.Iterate("/missing", 0)
	if !errors.Is(err, pathtree.ErrNotFound) {
		t.Fatalf("Iterate(/missing) err = %v; want ErrNotFound", err)
	}
}

func TestHasChildren(t *testing.T) {
	tr := pathtree.New()
	tr.Insert("/a/b", "payload")
	if !tr.HasChildren("/a") {
		t.Fatalf("HasChildren(/a) = false; want true")
	}
	if tr.HasChildren("/a/b") {
		t.Fatalf("HasChildren(/a/b) = true; want false (leaf)")
	}
}
