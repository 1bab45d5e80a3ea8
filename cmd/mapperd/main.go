// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// Command mapperd is the object-path mapper daemon: it discovers every
// service on the system bus, mirrors the object-path/interface/owner
// triples it finds, and serves GetObject/GetSubTree/GetSubTreePaths/
// GetAncestors over xyz.openbmc_project.ObjectMapper.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/openbmc/phosphor-objmgr/internal/daemon"
	"github.com/openbmc/phosphor-objmgr/internal/mappercfg"
)

func main() {
	cfg, err := mappercfg.Args(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatalf("mapperd: %v", err)
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		log.Fatalf("mapperd: connect to system bus: %v", err)
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d := daemon.New(conn, cfg, log.Default())
	if err := d.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("mapperd: %v", err)
	}
}
