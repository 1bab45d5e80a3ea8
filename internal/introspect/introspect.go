// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// Package introspect provides the data types for D-Bus introspection XML, as
// returned by a live object's org.freedesktop.DBus.Introspectable.Introspect
// method.
//
// These struct tags started as a code generator's view of introspection
// XML (an object's own interfaces, methods, signals, properties) and add
// the one thing a generator never needed: child <node> elements, which is
// how a live bus object advertises the next namespace level to a
// directory-service walker.
package introspect

// Annotation adds settings to MethodArg, SignalArg and Method.
type Annotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// MethodArg represents a method argument or return value.
type MethodArg struct {
	Name       string     `xml:"name,attr"`
	Type       string     `xml:"type,attr"`
	Direction  string     `xml:"direction,attr"`
	Annotation Annotation `xml:"annotation"`
}

// Method represents a method provided by an object through an interface.
type Method struct {
	Name        string       `xml:"name,attr"`
	Args        []MethodArg  `xml:"arg"`
	Annotations []Annotation `xml:"annotation"`
}

// SignalArg represents a signal argument.
type SignalArg struct {
	Name       string     `xml:"name,attr"`
	Type       string     `xml:"type,attr"`
	Annotation Annotation `xml:"annotation"`
}

// Signal represents a signal provided by an object through an interface.
type Signal struct {
	Name string      `xml:"name,attr"`
	Args []SignalArg `xml:"arg"`
}

// Property represents a property provided by an object through an
// interface.
type Property struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
}

// Interface represents one interface exposed by an object.
type Interface struct {
	Name       string     `xml:"name,attr"`
	Methods    []Method   `xml:"method"`
	Signals    []Signal   `xml:"signal"`
	Properties []Property `xml:"property"`
}

// Node represents a child object advertised by a parent's introspection
// reply. Live objects list their immediate children this way so a walker
// can recurse without a separate enumeration call; the name is a single
// relative path element, never a full path.
type Node struct {
	Name string `xml:"name,attr"`
}

// Introspection represents one object's full introspection reply: the
// interfaces it implements plus the child nodes one level below it.
type Introspection struct {
	Name       string      `xml:"name,attr"`
	Interfaces []Interface `xml:"interface"`
	Nodes      []Node      `xml:"node"`
}

// InterfaceNames returns the names of every interface in the reply, in
// document order.
func (i Introspection) InterfaceNames() []string {
	names := make([]string, 0, len(i.Interfaces))
	for _, iface := range i.Interfaces {
		names = append(names, iface.Name)
	}
	return names
}

// ChildNames returns the relative names of every child node in the reply.
func (i Introspection) ChildNames() []string {
	names := make([]string, 0, len(i.Nodes))
	for _, n := range i.Nodes {
		if n.Name != "" {
			names = append(names, n.Name)
		}
	}
	return names
}
