// Copyright (C) 2026 Hoyack Labs
// This file is part of welcore
//
// welcore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// welcore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with welcore.  If not, see <https://www.gnu.org/licenses/>.

// welnode is the witnessed event ledger daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hoyack/archon72-sub009/config"
	"github.com/hoyack/archon72-sub009/daemon/welnode"
	"github.com/hoyack/archon72-sub009/logging"
)

var (
	dataDirectory = flag.String("d", "", "Root data directory for the node")
	listenAddress = flag.String("l", "", "Override the REST listening address")
	versionCheck  = flag.Bool("v", false, "Display version information and exit")
)

const welnodeVersion = "1.0.0"

func main() {
	flag.Parse()

	if *versionCheck {
		fmt.Printf("welnode %s\n", welnodeVersion)
		return
	}

	dataDir := resolveDataDir()
	if dataDir == "" {
		fmt.Fprintln(os.Stderr, "data directory not specified: use -d or set WELNODE_DATA")
		os.Exit(1)
	}

	cfg, err := config.LoadConfigFromDisk(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load configuration from %s: %v\n", dataDir, err)
		os.Exit(1)
	}
	if *listenAddress != "" {
		cfg.EndpointAddress = *listenAddress
	}

	log := logging.Base()
	log.SetLevel(logging.Level(cfg.BaseLoggerDebugLevel))
	if cfg.LogJSON {
		log.SetJSONFormatter()
	}

	server, err := welnode.MakeServer(log, dataDir, cfg)
	if err != nil {
		log.Fatalf("cannot initialize node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("node exited: %v", err)
	}
}

func resolveDataDir() string {
	if *dataDirectory != "" {
		return *dataDirectory
	}
	return os.Getenv("WELNODE_DATA")
}
