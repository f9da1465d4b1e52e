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

package resmgr

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	cfgapi "github.com/intel/accel-resmgr/pkg/apis/config/v1alpha1"
	"github.com/intel/accel-resmgr/pkg/catalog"
	"github.com/intel/accel-resmgr/pkg/dispatcher"
	"github.com/intel/accel-resmgr/pkg/healthz"
	"github.com/intel/accel-resmgr/pkg/hwport"
	"github.com/intel/accel-resmgr/pkg/hwport/pci"
	"github.com/intel/accel-resmgr/pkg/hwport/simulated"
	"github.com/intel/accel-resmgr/pkg/instrumentation"
	logger "github.com/intel/accel-resmgr/pkg/log"
	"github.com/intel/accel-resmgr/pkg/metrics"
	"github.com/intel/accel-resmgr/pkg/metrics/collectors"
	"github.com/intel/accel-resmgr/pkg/version"
)

// ResourceManager is the interface we expose for controlling the accelerator manager.
type ResourceManager interface {
	// Start starts the resource manager.
	Start() error
	// Stop stops the resource manager.
	Stop()
	// Wait waits until ctx is done or serving fails.
	Wait(ctx context.Context) error
	// ReloadCatalog re-reads the image catalog file.
	ReloadCatalog() error
	// SocketPath returns the path of the socket clients connect to.
	SocketPath() string
}

// Option is an option for the resource manager.
type Option func(*resmgr)

// WithPort uses the given hardware port instead of the configured one.
func WithPort(port hwport.Port) Option {
	return func(m *resmgr) {
		m.port = port
	}
}

// resmgr is the implementation of ResourceManager.
type resmgr struct {
	sync.Mutex
	cfg      *cfgapi.Config
	catalog  *catalog.Catalog
	port     hwport.Port
	disp     *dispatcher.Dispatcher
	registry *metrics.Registry
	health   *healthz.Checks
	instr    *instrumentation.Service
	watcher  *catalog.Watcher
	ln       net.Listener
	images   atomic.Int64
	ctx      context.Context
	cancel   context.CancelFunc
	errC     chan error
	wg       sync.WaitGroup
}

var log = logger.NewLogger("resource-manager")

// NewResourceManager creates a new resource manager with the given configuration.
func NewResourceManager(cfg *cfgapi.Config, options ...Option) (ResourceManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, resmgrError("invalid configuration: %v", err)
	}

	if err := logger.Configure(&cfg.Log); err != nil {
		return nil, resmgrError("failed to configure logging: %v", err)
	}

	m := &resmgr{
		cfg:      cfg,
		registry: metrics.NewRegistry(),
		health:   healthz.NewChecks(),
		errC:     make(chan error, 1),
	}
	for _, o := range options {
		o(m)
	}

	log.Info("creating resource manager, version %s/build %s...", version.Version, version.Build)

	if err := m.setupCatalog(); err != nil {
		return nil, err
	}
	if err := m.setupPort(); err != nil {
		return nil, err
	}

	m.setupDispatcher()

	if err := m.setupMetrics(); err != nil {
		return nil, err
	}
	if err := m.setupHealthChecks(); err != nil {
		return nil, err
	}

	m.instr = instrumentation.NewService(m.registry, m.health)

	return m, nil
}

// Start starts the resource manager.
func (m *resmgr) Start() error {
	m.Lock()
	defer m.Unlock()

	log.Info("starting resource manager...")

	if m.cfg.ShouldLoadDefaultImage() && m.catalog.Len() > 0 {
		if err := m.disp.Scheduler().LoadDefaultImages(); err != nil {
			return resmgrError("failed to load default images: %v", err)
		}
	}

	if err := m.instr.Start(&m.cfg.Instrumentation); err != nil {
		return resmgrError("failed to start instrumentation: %v", err)
	}

	ln, err := listen(m.cfg.SocketPath)
	if err != nil {
		m.instr.Stop()
		return err
	}
	m.ln = ln

	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.disp.Serve(m.ctx, ln); err != nil {
			log.Error("serving transactions failed: %v", err)
			m.errC <- err
		}
	}()

	if err := m.startCatalogReload(); err != nil {
		m.stop()
		return err
	}

	log.Info("up and running, listening on %s", m.cfg.SocketPath)

	return nil
}

// Stop stops the resource manager.
func (m *resmgr) Stop() {
	m.Lock()
	defer m.Unlock()

	log.Info("shutting down...")
	m.stop()

	if err := m.port.Close(); err != nil {
		log.Error("failed to close hardware port: %v", err)
	}
}

// Wait waits until ctx is done or serving transactions fails.
func (m *resmgr) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-m.errC:
		return err
	}
}

// ReloadCatalog re-reads the catalog file in the control loop. A failed
// reload leaves the current catalog in place.
func (m *resmgr) ReloadCatalog() error {
	m.Lock()
	ctx := m.ctx
	m.Unlock()

	if ctx == nil {
		return resmgrError("can't reload catalog, not running")
	}

	return m.reloadCatalog(ctx)
}

func (m *resmgr) reloadCatalog(ctx context.Context) error {
	var err error
	if doErr := m.disp.Do(ctx, func() { err = m.loadCatalog() }); doErr != nil {
		return doErr
	}
	return err
}

// SocketPath returns the path of the socket clients connect to.
func (m *resmgr) SocketPath() string {
	return m.cfg.SocketPath
}

func (m *resmgr) stop() {
	if m.cancel == nil {
		return
	}

	m.cancel()
	m.wg.Wait()
	m.cancel = nil

	if m.watcher != nil {
		if err := m.watcher.Close(); err != nil {
			log.Warn("failed to stop catalog watcher: %v", err)
		}
		m.watcher = nil
	}

	m.instr.Stop()

	if err := os.Remove(m.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove socket %s: %v", m.cfg.SocketPath, err)
	}
}

func (m *resmgr) setupCatalog() error {
	m.catalog = catalog.New()
	if err := m.loadCatalog(); err != nil {
		return resmgrError("failed to load catalog: %v", err)
	}
	return nil
}

func (m *resmgr) loadCatalog() error {
	_, err := m.catalog.Load(m.cfg.Catalog.Path)
	m.images.Store(int64(m.catalog.Len()))
	return err
}

func (m *resmgr) setupPort() error {
	if m.port != nil {
		return nil
	}

	hw := &m.cfg.Hardware
	switch hw.Backend {
	case cfgapi.BackendPCI:
		p, err := pci.New(m.cfg.Cards.Devices,
			pci.WithSysRoot(hw.SysRoot),
			pci.WithCommands(hw.LoadCommand, hw.ClearCommand),
			pci.WithLoadInterval(hw.LoadInterval.Duration),
		)
		if err != nil {
			return resmgrError("failed to set up PCI port: %v", err)
		}
		m.port = p
	default:
		m.port = simulated.New(m.cfg.NumCards())
	}

	log.Info("using %s hardware backend with %d cards", hw.Backend, m.port.NumCards())

	return nil
}

func (m *resmgr) setupDispatcher() {
	m.disp = dispatcher.New(m.catalog, m.port,
		dispatcher.WithLazyReads(m.cfg.LazyReads()),
		dispatcher.WithTimeout(m.cfg.TransactionTimeout.Duration),
		dispatcher.WithBufferSize(uint64(m.cfg.Buffers.DefaultSize.Value())),
		dispatcher.WithMaxTransfer(uint64(m.cfg.Buffers.MaxTransfer.Value())),
	)
}

func (m *resmgr) setupMetrics() error {
	for group, c := range map[string]interface {
		Collector() prometheus.Collector
	}{
		"scheduler":  m.disp.Scheduler(),
		"dispatcher": m.disp,
	} {
		if err := m.registry.Register(group, c.Collector(), metrics.WithGroup(group)); err != nil {
			return resmgrError("failed to register %s metrics: %v", group, err)
		}
	}

	if err := collectors.Register(m.registry); err != nil {
		return resmgrError("failed to register standard metrics: %v", err)
	}

	return nil
}

func (m *resmgr) setupHealthChecks() error {
	checks := map[string]healthz.CheckFn{
		"control-loop": func() (healthz.Status, error) {
			if m.disp.Running() {
				return healthz.Healthy, nil
			}
			return healthz.NonFunctional, errors.New("not serving transactions")
		},
		"catalog": func() (healthz.Status, error) {
			if m.images.Load() > 0 {
				return healthz.Healthy, nil
			}
			return healthz.Degraded, errors.New("no images in catalog")
		},
	}

	for name, fn := range checks {
		if err := m.health.Register(name, fn); err != nil {
			return resmgrError("failed to register health check: %v", err)
		}
	}

	return nil
}

func (m *resmgr) startCatalogReload() error {
	var changes <-chan struct{}

	if m.cfg.Catalog.Watch {
		w, err := catalog.Watch(m.cfg.Catalog.Path)
		if err != nil {
			return resmgrError("failed to watch catalog: %v", err)
		}
		m.watcher = w
		changes = w.Changes()
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGHUP)

	ctx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer signal.Stop(sigC)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigC:
				log.Info("reloading catalog on SIGHUP...")
			case <-changes:
				log.Info("reloading modified catalog...")
			}
			if err := m.reloadCatalog(ctx); err != nil {
				log.Error("failed to reload catalog %s: %v", m.cfg.Catalog.Path, err)
			}
		}
	}()

	return nil
}

// listen creates the client socket, replacing any stale one left behind.
func listen(path string) (net.Listener, error) {
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, resmgrError("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, resmgrError("failed to remove stale socket %s: %v", path, err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, resmgrError("failed to listen on %s: %v", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		ln.Close()
		return nil, resmgrError("failed to set permissions of %s: %v", path, err)
	}

	return ln, nil
}

func resmgrError(format string, args ...interface{}) error {
	return errors.Errorf("resource-manager: "+format, args...)
}
