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

// Package instrumentation runs the HTTP endpoint serving metrics and health
// checks, and the trace exporter.
package instrumentation

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/intel/accel-resmgr/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/intel/accel-resmgr/pkg/healthz"
	xhttp "github.com/intel/accel-resmgr/pkg/http"
	"github.com/intel/accel-resmgr/pkg/instrumentation/tracing"
	logger "github.com/intel/accel-resmgr/pkg/log"
	"github.com/intel/accel-resmgr/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "accel-resmgr"
	// Namespace is the common prefix of our metrics.
	Namespace = "accel"
)

// Service is the set of running instrumentation services.
type Service struct {
	sync.Mutex
	cfg      *cfgapi.Config
	srv      *xhttp.Server
	registry *metrics.Registry
	health   *healthz.Checks
	gatherer atomic.Pointer[metrics.Gatherer]
}

var log = logger.Get("instrumentation")

// NewService creates instrumentation services exporting the collectors of
// registry and the health checks of health.
func NewService(registry *metrics.Registry, health *healthz.Checks) *Service {
	s := &Service{
		srv:      xhttp.NewServer(),
		registry: registry,
		health:   health,
	}

	mux := s.srv.GetMux()
	mux.Handle("/metrics", http.HandlerFunc(s.serveMetrics))
	health.Setup(mux)

	return s
}

// Start starts the instrumentation services with the given configuration.
func (s *Service) Start(cfg *cfgapi.Config) error {
	s.Lock()
	defer s.Unlock()

	log.Info("starting instrumentation services...")

	s.cfg = cfg
	return s.start()
}

// Stop stops the instrumentation services.
func (s *Service) Stop() {
	s.Lock()
	defer s.Unlock()

	s.stop()
}

// Reconfigure restarts the instrumentation services with a new configuration.
func (s *Service) Reconfigure(cfg *cfgapi.Config) error {
	s.Lock()
	defer s.Unlock()

	s.stop()
	s.cfg = cfg

	if err := s.start(); err != nil {
		log.Error("failed to restart instrumentation: %v", err)
		return err
	}
	return nil
}

// Address returns the address of the HTTP endpoint, if it is running.
func (s *Service) Address() string {
	return s.srv.GetAddress()
}

func (s *Service) start() error {
	enabled := s.cfg.Metrics
	if len(enabled) == 0 {
		enabled = []string{"*"}
	}

	g, err := s.registry.NewGatherer(
		metrics.WithNamespace(Namespace),
		metrics.WithMetrics(enabled),
	)
	if err != nil {
		return errors.Wrap(err, "instrumentation: failed to set up metrics")
	}
	s.gatherer.Store(g)

	if err := s.srv.Start(s.cfg.HTTPEndpoint); err != nil {
		return errors.Wrap(err, "instrumentation: failed to start HTTP server")
	}

	if err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithCollectorEndpoint(s.cfg.TracingCollector),
		tracing.WithSamplingRatio(float64(s.cfg.SamplingRatePerMillion)/1000000.0),
		tracing.WithShutdownTimeout(s.cfg.ShutdownTimeout.Duration),
	); err != nil {
		return errors.Wrap(err, "instrumentation: failed to start tracing")
	}

	return nil
}

func (s *Service) stop() {
	tracing.Stop()
	s.srv.Stop()
}

func (s *Service) serveMetrics(w http.ResponseWriter, req *http.Request) {
	g := s.gatherer.Load()
	if g == nil {
		http.Error(w, "metrics not configured", http.StatusServiceUnavailable)
		return
	}
	promhttp.HandlerFor(g, promhttp.HandlerOpts{}).ServeHTTP(w, req)
}
