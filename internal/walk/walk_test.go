// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

package walk_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/openbmc/phosphor-objmgr/internal/walk"
)

const assocIface = "xyz.openbmc_project.Association"

// fakeObject implements dbus.BusObject against a canned node table, the
// minimal slice the walker needs (Call).
type fakeObject struct {
	dbus.BusObject
	owner string
	path  dbus.ObjectPath
	bus   *fakeBus
}

type fakeNode struct {
	interfaces  []string
	children    []string
	assocValue  [][]interface{}
	managed     walk.ManagedObjects
	introFail   error
}

type fakeBus struct {
	nodes map[dbus.ObjectPath]fakeNode
}

func (b *fakeBus) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeObject{owner: dest, path: path, bus: b}
}

func (o *fakeObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	node, ok := o.bus.nodes[o.path]
	if !ok {
		return &dbus.Call{Err: errors.New("no such object")}
	}
	switch method {
	case "org.freedesktop.DBus.Introspectable.Introspect":
		if node.introFail != nil {
			return &dbus.Call{Err: node.introFail}
		}
		return &dbus.Call{Body: []interface{}{buildXML(node)}}
	case "org.freedesktop.DBus.Properties.Get":
		return &dbus.Call{Body: []interface{}{dbus.MakeVariant(node.assocValue)}}
	case "org.freedesktop.DBus.ObjectManager.GetManagedObjects":
		return &dbus.Call{Body: []interface{}{node.managed}}
	}
	return &dbus.Call{Err: errors.New("unknown method " + method)}
}

func buildXML(n fakeNode) string {
	s := `<node>`
	for _, i := range n.interfaces {
		s += `<interface name="` + i + `"/>`
	}
	for _, c := range n.children {
		s += `<node name="` + c + `"/>`
	}
	s += `</node>`
	return s
}

func allIfaces(s string) bool { return true }

func pathUnder(root string) walk.Predicate {
	return func(p string) bool { return true }
}

func TestWalkBasic(t *testing.T) {
	bus := &fakeBus{nodes: map[dbus.ObjectPath]fakeNode{
		"/": {interfaces: []string{"org.openbmc.Root"}, children: []string{"a"}},
		"/a": {interfaces: []string{"org.openbmc.A"}, children: []string{"b"}},
		"/a/b": {interfaces: []string{"org.openbmc.B"}},
	}}

	w := walk.New(bus, "S1", assocIface, pathUnder("/"), allIfaces)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := w.Walk(ctx, "/")
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	wantPaths := []string{"/", "/a", "/a/b"}
	var gotPaths []string
	for p := range result.Interfaces {
		gotPaths = append(gotPaths, p)
	}
	sort.Strings(gotPaths)
	if diff := cmp.Diff(wantPaths, gotPaths); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"org.openbmc.B"}, result.Interfaces["/a/b"]); diff != "" {
		t.Errorf("/a/b interfaces mismatch (-want +got):\n%s", diff)
	}
}

func TestWalkObjectManagerShortCircuits(t *testing.T) {
	bus := &fakeBus{nodes: map[dbus.ObjectPath]fakeNode{
		"/": {
			interfaces: []string{"org.freedesktop.DBus.ObjectManager"},
			children:   []string{"a"}, // must NOT be recursed into
			managed: walk.ManagedObjects{
				"/x": {"org.openbmc.X": {}},
				"/y": {"org.openbmc.Y": {}},
			},
		},
	}}

	w := walk.New(bus, "S1", assocIface, pathUnder("/"), allIfaces)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := w.Walk(ctx, "/")
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if _, ok := result.Interfaces["/a"]; ok {
		t.Errorf("walker recursed into /a despite GetManagedObjects short-circuit")
	}
	if _, ok := result.Interfaces["/x"]; !ok {
		t.Errorf("GetManagedObjects result /x missing")
	}
	if _, ok := result.Interfaces["/y"]; !ok {
		t.Errorf("GetManagedObjects result /y missing")
	}
}

func TestWalkAssociationsFetched(t *testing.T) {
	bus := &fakeBus{nodes: map[dbus.ObjectPath]fakeNode{
		"/a/b": {
			interfaces: []string{assocIface},
			assocValue: [][]interface{}{{"fwd", "rev", "/c/d"}},
		},
	}}

	w := walk.New(bus, "S1", assocIface, pathUnder("/"), allIfaces)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := w.Walk(ctx, "/a/b")
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	triples := walk.ParseAssociations(result.Associations["/a/b"])
	if len(triples) != 1 {
		t.Fatalf("parsed %d triples, want 1: %+v", len(triples), triples)
	}
	if triples[0].Endpoint != "/c/d" || triples[0].Forward != "fwd" || triples[0].Reverse != "rev" {
		t.Errorf("triple mismatch: %+v", triples[0])
	}
}

func TestWalkAbortsOnIntrospectFailure(t *testing.T) {
	bus := &fakeBus{nodes: map[dbus.ObjectPath]fakeNode{
		"/": {introFail: errors.New("service gone")},
	}}

	w := walk.New(bus, "S1", assocIface, pathUnder("/"), allIfaces)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := w.Walk(ctx, "/")
	if err == nil {
		t.Fatalf("Walk: want error on introspect failure")
	}
}
