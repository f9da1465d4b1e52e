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

// Package healthz serves the aggregated health of registered components.
package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	logger "github.com/intel/accel-resmgr/pkg/log"
)

// CheckFn reports the health of a component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("status-%d", int(s))
}

// Checks is a set of named health checks.
type Checks struct {
	sync.Mutex
	checkers map[string]CheckFn
	sorted   []string
}

var log = logger.Get("health-check")

// NewChecks creates an empty set of health checks.
func NewChecks() *Checks {
	return &Checks{checkers: map[string]CheckFn{}}
}

// Setup prepares the given HTTP request multiplexer for serving /healthz.
func (c *Checks) Setup(mux *http.ServeMux) {
	mux.Handle("/healthz", c)
}

// Register registers a health check under the given name.
func (c *Checks) Register(name string, fn CheckFn) error {
	c.Lock()
	defer c.Unlock()

	if _, conflict := c.checkers[name]; conflict {
		return errors.Errorf("healthz: checker %q already registered", name)
	}

	c.checkers[name] = fn
	c.sorted = append(c.sorted, name)
	sort.Strings(c.sorted)

	return nil
}

// Check runs all checks, returning the worst status and the details of
// every unhealthy component.
func (c *Checks) Check() (Status, map[string]error) {
	c.Lock()
	defer c.Unlock()

	status := Healthy
	details := map[string]error{}

	for _, name := range c.sorted {
		s, err := c.checkers[name]()
		if s == Healthy {
			continue
		}
		if s > status {
			status = s
		}
		if err == nil {
			err = errors.New(s.String())
		}
		details[name] = err
		log.Warn("component %s reported %s: %v", name, s, err)
	}

	return status, details
}

// ServeHTTP serves a single health check request.
func (c *Checks) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status, details := c.Check()
	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Error("failed to write response: %v", err)
		}
		return
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %v\n", name, details[name])
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write([]byte(b.String())); err != nil {
		log.Error("failed to write response: %v", err)
	}
}
