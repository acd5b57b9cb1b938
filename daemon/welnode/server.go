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

// Package welnode ties the node and its REST surface into one daemon.
package welnode

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/labstack/echo/v4"

	"github.com/hoyack/archon72-sub009/config"
	"github.com/hoyack/archon72-sub009/daemon/welnode/api"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/node"
	"github.com/hoyack/archon72-sub009/serr"
)

// Server is one running welnode daemon.
type Server struct {
	RootPath string

	log  logging.Logger
	cfg  config.Local
	node *node.WelcoreNode
	e    *echo.Echo
	lock *flock.Flock
}

// MakeServer locks the data directory and assembles the node. The lock is
// what prevents a second writer instance against the same storage; it is
// taken before anything else touches the directory.
func MakeServer(log logging.Logger, rootPath string, cfg config.Local) (*Server, error) {
	s := &Server{
		RootPath: rootPath,
		log:      log,
		cfg:      cfg,
	}

	if err := os.MkdirAll(rootPath, 0o700); err != nil {
		return nil, err
	}
	s.lock = flock.New(filepath.Join(rootPath, config.LockFilename))
	locked, err := s.lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, serr.New("data directory already locked by another welnode", "dir", rootPath)
	}

	s.node, err = node.MakeNode(log, rootPath, cfg)
	if err != nil {
		s.lock.Unlock()
		return nil, err
	}
	s.e = api.NewRouter(s.node, log)
	return s, nil
}

// Node exposes the assembled node, mainly for tests.
func (s *Server) Node() *node.WelcoreNode {
	return s.node
}

// Start runs the node services and serves REST until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.node.Start(ctx); err != nil {
		return err
	}
	s.log.With("address", s.cfg.EndpointAddress).Info("REST listening")

	errc := make(chan error, 1)
	go func() {
		errc <- s.e.Start(s.cfg.EndpointAddress)
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.shutdown()
			return err
		}
	case <-ctx.Done():
	}
	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		s.log.Warnf("REST shutdown: %v", err)
	}
	s.node.Stop()
	s.lock.Unlock()
}
