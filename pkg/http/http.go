// Copyright The Accel Resource Manager Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package http runs the HTTP endpoint of the daemon, serving metrics and
// health checks.
package http

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	logger "github.com/intel/accel-resmgr/pkg/log"
)

// ServeMux is our HTTP request multiplexer.
type ServeMux = http.ServeMux

// Server is an HTTP server that can be stopped and restarted on a new
// address, keeping its registered handlers.
type Server struct {
	sync.Mutex
	mux    *ServeMux
	server *http.Server
	ln     net.Listener
	done   chan struct{}
}

const shutdownTimeout = 5 * time.Second

var log = logger.Get("http")

// NewServer creates a new, stopped server.
func NewServer() *Server {
	return &Server{
		mux: http.NewServeMux(),
	}
}

// GetMux returns the request multiplexer of the server.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// GetAddress returns the address the server listens on, or "" if it is stopped.
func (s *Server) GetAddress() string {
	s.Lock()
	defer s.Unlock()

	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start starts serving on addr. An empty addr leaves the server stopped.
func (s *Server) Start(addr string) error {
	s.Lock()
	defer s.Unlock()

	if s.server != nil {
		return errors.Errorf("http: server already running on %s", s.ln.Addr())
	}
	if addr == "" {
		log.Info("HTTP server disabled")
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "http: failed to listen on %s", addr)
	}

	s.ln = ln
	s.done = make(chan struct{})
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server, s.done)

	log.Info("HTTP server listening on %s", ln.Addr())

	return nil
}

// Stop stops the server if it is running.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	if s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown failed: %v", err)
		s.server.Close()
	}
	<-s.done

	log.Info("HTTP server stopped")

	s.server = nil
	s.ln = nil
	s.done = nil
}

// Reconfigure restarts the server on a new address.
func (s *Server) Reconfigure(addr string) error {
	s.Stop()
	return s.Start(addr)
}
