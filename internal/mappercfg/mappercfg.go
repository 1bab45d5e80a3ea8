// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// Package mappercfg parses the mapper daemon's startup configuration: the
// bus name to claim, the object path it exports itself under, and the
// four namespace/blacklist parameters that bound which paths and
// interfaces the mapper walks and tracks, in the style of
// dlctool/parse's Args function.
package mappercfg

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

const (
	// DefaultBusName is the well-known name the mapper claims once startup
	// discovery completes.
	DefaultBusName = "xyz.openbmc_project.ObjectMapper"

	// DefaultObjectPath is the mapper's own exported object, implicitly
	// added to the path blacklist.
	DefaultObjectPath = "/xyz/openbmc_project/ObjectMapper"

	// DefaultAssocPrefix names a common association-object prefix. Nothing
	// else in this module refers to it: materialized association objects
	// are placed at <source path>/<relation>, not under this prefix.
	DefaultAssocPrefix = "/xyz/openbmc_project/object_mapper"
)

// stringList is a flag.Value collecting repeated -flag=value occurrences
// into a slice, the idiomatic Go stand-in for argparse's action="append".
type stringList []string

func (s *stringList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Config is the mapper's parsed startup configuration.
type Config struct {
	BusName    string
	ObjectPath string

	PathNamespaces      []string
	InterfaceNamespaces []string
	PathBlacklist       []string
	InterfaceBlacklist  []string
}

// PathMatches reports whether path should be walked and tracked: it must
// not be blacklisted, and either a watched namespace must be a substring
// of path or path a substring of a watched namespace, so both namespace
// ancestors and descendants are walked.
func (c Config) PathMatches(path string) bool {
	for _, b := range c.PathBlacklist {
		if strings.Contains(path, b) {
			return false
		}
	}
	if len(c.PathNamespaces) == 0 {
		return true
	}
	for _, ns := range c.PathNamespaces {
		if strings.Contains(path, ns) || strings.Contains(ns, path) {
			return true
		}
	}
	return false
}

// InterfaceMatches reports whether iface should be tracked: it must not
// be blacklisted, and some watched namespace must be a substring of the
// interface name.
func (c Config) InterfaceMatches(iface string) bool {
	for _, b := range c.InterfaceBlacklist {
		if strings.Contains(iface, b) {
			return false
		}
	}
	if len(c.InterfaceNamespaces) == 0 {
		return true
	}
	for _, ns := range c.InterfaceNamespaces {
		if strings.Contains(iface, ns) {
			return true
		}
	}
	return false
}

// Args parses the mapper's command-line arguments, mirroring
// dlctool/parse.Args's flag.NewFlagSet-and-Usage-closure style.
func Args(prog string, argv []string) (Config, error) {
	fs := flag.NewFlagSet("", flag.ContinueOnError)

	busName := fs.String("bus-name", DefaultBusName, "Well-known bus name to claim once startup discovery completes.")
	objectPath := fs.String("object-path", DefaultObjectPath, "Object path the mapper exports itself under.")

	var pathNamespaces, interfaceNamespaces, pathBlacklist, interfaceBlacklist stringList
	fs.Var(&pathNamespaces, "path-namespaces", "Object path namespace to watch; may be repeated.")
	fs.Var(&interfaceNamespaces, "interface-namespaces", "Interface namespace to watch; may be repeated.")
	fs.Var(&pathBlacklist, "path-blacklist", "Object path namespace to exclude; may be repeated.")
	fs.Var(&interfaceBlacklist, "interface-blacklist", "Interface namespace to exclude; may be repeated.")

	fs.Usage = func() {
		usage := `Usage of %[1]s:
  %[1]s [--bus-name=<name>] [--object-path=<path>]
       [--path-namespaces=<ns> ...] [--interface-namespaces=<ns> ...]
       [--path-blacklist=<ns> ...] [--interface-blacklist=<ns> ...]

`
		fmt.Fprintf(os.Stderr, usage, prog)
		fs.PrintDefaults()
	}

	if err := fs.Parse(argv); err != nil {
		return Config{}, fmt.Errorf("mappercfg.Args: failed to parse: %w", err)
	}

	if *busName == "" {
		return Config{}, errors.New("mappercfg.Args: cannot pass empty bus name")
	}
	if *objectPath == "" {
		return Config{}, errors.New("mappercfg.Args: cannot pass empty object path")
	}

	cfg := Config{
		BusName:             *busName,
		ObjectPath:          *objectPath,
		PathNamespaces:      []string(pathNamespaces),
		InterfaceNamespaces: []string(interfaceNamespaces),
		// The mapper's own object is implicitly blacklisted: it is a
		// synthetic, mapper-owned object and must never be walked as if it
		// were a discovered service.
		PathBlacklist:      append([]string{*objectPath}, []string(pathBlacklist)...),
		InterfaceBlacklist: []string(interfaceBlacklist),
	}

	return cfg, nil
}
