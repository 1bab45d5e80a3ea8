// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// Command busctl-mapper is a thin CLI wrapper around the ObjectMapper's
// query methods, for ad-hoc inspection from a shell. It is a consumer of
// the mapper daemon, not part of it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/openbmc/phosphor-objmgr/internal/mappercfg"
	"github.com/openbmc/phosphor-objmgr/internal/retry"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %[1]s [--bus-name=<name>] [--object-path=<path>] <command> [args...]

Commands:
  get-object <path> [iface,...]
  get-sub-tree <path> <depth> [iface,...]
  get-sub-tree-paths <path> <depth> [iface,...]
  get-ancestors <path> [iface,...]
  wait <path> [path...]
`, os.Args[0])
}

func main() {
	busName := flag.String("bus-name", mappercfg.DefaultBusName, "Mapper well-known bus name.")
	objectPath := flag.String("object-path", mappercfg.DefaultObjectPath, "Mapper exported object path.")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := args[0]

	conn, err := dbus.SystemBus()
	if err != nil {
		log.Fatalf("busctl-mapper: connect to system bus: %v", err)
	}
	defer conn.Close()

	obj := conn.Object(*busName, dbus.ObjectPath(*objectPath))

	if cmd == "wait" {
		if err := waitForPaths(obj, args[1:]); err != nil {
			log.Fatalf("busctl-mapper: wait: %v", err)
		}
		return
	}

	path := args[1]
	var result interface{}
	switch cmd {
	case "get-object":
		var out map[string][]string
		err = obj.Call("xyz.openbmc_project.ObjectMapper.GetObject", 0, path, ifaceArg(args, 2)).Store(&out)
		result = out
	case "get-sub-tree":
		depth, ifaces := depthAndIfaces(args)
		var out map[string]map[string][]string
		err = obj.Call("xyz.openbmc_project.ObjectMapper.GetSubTree", 0, path, depth, ifaces).Store(&out)
		result = out
	case "get-sub-tree-paths":
		depth, ifaces := depthAndIfaces(args)
		var out []string
		err = obj.Call("xyz.openbmc_project.ObjectMapper.GetSubTreePaths", 0, path, depth, ifaces).Store(&out)
		result = out
	case "get-ancestors":
		var out map[string]map[string][]string
		err = obj.Call("xyz.openbmc_project.ObjectMapper.GetAncestors", 0, path, ifaceArg(args, 2)).Store(&out)
		result = out
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("busctl-mapper: %s: %v", cmd, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalf("busctl-mapper: encode result: %v", err)
	}
}

// waitForPaths polls GetObject for each path in turn until it appears,
// using the mapper's more patient retry budget (retry.WaitPolicy) and
// retrying on any error rather than just a busy bus reply: while waiting
// for an object to come into existence, FileNotFound is the expected
// steady state, not a failure. Mirrors the predecessor CLI's "wait for one
// or more D-Bus paths" command, traded for polling since this wrapper has
// no signal-subscription machinery of its own.
func waitForPaths(obj dbus.BusObject, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("wait: no paths given")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out := make(map[string]map[string][]string, len(paths))
	for _, p := range paths {
		var got map[string][]string
		err := retry.DoIf(ctx, retry.WaitPolicy, alwaysRetry, func() error {
			return obj.Call("xyz.openbmc_project.ObjectMapper.GetObject", 0, p, []string(nil)).Store(&got)
		})
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		out[p] = got
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func alwaysRetry(error) bool { return true }

func ifaceArg(args []string, i int) []string {
	if len(args) <= i || args[i] == "" {
		return nil
	}
	return strings.Split(args[i], ",")
}

func depthAndIfaces(args []string) (int32, []string) {
	if len(args) < 3 {
		return 0, nil
	}
	var depth int32
	fmt.Sscanf(args[2], "%d", &depth)
	return depth, ifaceArg(args, 3)
}
