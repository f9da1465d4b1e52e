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

package metrics

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/intel/accel-resmgr/pkg/log"
)

var log = logger.Get("metrics")

type (
	// State describes how a collector is exported.
	State int

	// Collector is a prometheus.Collector registered under a name in a group.
	Collector struct {
		collector prometheus.Collector
		name      string
		group     string
		State
	}

	// CollectorOption is an option for a Collector.
	CollectorOption func(*Collector)
)

const (
	// Enabled marks a collector as enabled.
	Enabled State = (1 << iota)
	// NamespacePrefix prefixes the metrics of a collector with the common namespace.
	NamespacePrefix
	// SubsystemPrefix prefixes the metrics of a collector with its group name.
	SubsystemPrefix

	// DefaultName is the name of the default group.
	DefaultName = "default"
)

var (
	// ErrNoMatch is returned when an enabled glob matches no collector.
	ErrNoMatch = errors.New("metrics: no collectors match")
	// ErrDuplicate is returned when a collector name is registered twice in a group.
	ErrDuplicate = errors.New("metrics: duplicate collector")
)

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.State &^= NamespacePrefix
	}
}

// WithoutSubsystem disables group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.State &^= SubsystemPrefix
	}
}

// IsEnabled returns true if the collector is enabled.
func (s State) IsEnabled() bool {
	return s&Enabled != 0
}

// NeedsNamespace returns true if the collector needs a namespace prefix.
func (s State) NeedsNamespace() bool {
	return s&NamespacePrefix != 0
}

// NeedsSubsystem returns true if the collector needs a group prefix.
func (s State) NeedsSubsystem() bool {
	return s&SubsystemPrefix != 0
}

func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.NeedsNamespace() {
		flags = append(flags, "namespace-prefixed")
	}
	if s.NeedsSubsystem() {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// NewCollector creates a new, initially disabled, collector.
func NewCollector(name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		name:      name,
		collector: collector,
		State:     NamespacePrefix | SubsystemPrefix,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Name returns the qualified name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if the collector matches the given glob, either by
// its group, its name or its qualified name.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Enable enables or disables the collector.
func (c *Collector) Enable(state bool) {
	if state {
		c.State |= Enabled
	} else {
		c.State &^= Enabled
	}
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.IsEnabled() {
		return
	}
	c.collector.Collect(ch)
}

type (
	// Registry is a collection of named collectors organized into groups.
	Registry struct {
		sync.Mutex
		groups map[string][]*Collector
	}

	// RegisterOptions are options for registering collectors.
	RegisterOptions struct {
		group string
		copts []CollectorOption
	}

	// RegisterOption is an option for registering collectors.
	RegisterOption func(*RegisterOptions)
)

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(o *RegisterOptions) {
		if name == "" {
			name = DefaultName
		}
		o.group = name
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *RegisterOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string][]*Collector),
	}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	options := &RegisterOptions{group: DefaultName}
	for _, o := range opts {
		o(options)
	}

	r.Lock()
	defer r.Unlock()

	for _, c := range r.groups[options.group] {
		if c.name == name {
			return errors.Wrapf(ErrDuplicate, "%s/%s", options.group, name)
		}
	}

	c := NewCollector(name, collector, options.copts...)
	c.group = options.group
	r.groups[c.group] = append(r.groups[c.group], c)

	log.Debug("registered collector %q", c.Name())

	return nil
}

// MustRegister registers a collector, panicking on error.
func (r *Registry) MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := r.Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// Configure enables the collectors matching any of the given globs and
// disables the rest.
func (r *Registry) Configure(enabled []string) error {
	r.Lock()
	defer r.Unlock()

	log.Info("enabling collectors [%s]", strings.Join(enabled, ","))

	matched := map[string]bool{}
	for _, c := range r.collectors() {
		c.Enable(false)
		for _, glob := range enabled {
			if c.Matches(glob) {
				matched[glob] = true
				c.Enable(true)
			}
		}
		log.Debug("collector %q now %s", c.Name(), c.State)
	}

	var unmatched []string
	for _, glob := range enabled {
		if !matched[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return errors.Wrapf(ErrNoMatch, "%s", strings.Join(unmatched, ", "))
	}

	return nil
}

// Collectors returns all registered collectors sorted by qualified name.
func (r *Registry) Collectors() []*Collector {
	r.Lock()
	defer r.Unlock()
	return r.collectors()
}

func (r *Registry) collectors() []*Collector {
	var all []*Collector
	for _, group := range r.groups {
		all = append(all, group...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Name() < all[j].Name()
	})
	return all
}

type (
	// Gatherer gathers the enabled collectors of a registry.
	Gatherer struct {
		*prometheus.Registry
		namespace string
		enabled   []string
	}

	// GathererOption is an option for the gatherer.
	GathererOption func(*Gatherer)
)

// WithNamespace sets the common namespace prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithMetrics sets the globs of the enabled groups or collectors.
func WithMetrics(enabled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
	}
}

// NewGatherer configures the registry with the given options and creates a
// gatherer for it.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
	}
	for _, o := range opts {
		o(g)
	}

	if err := r.Configure(g.enabled); err != nil {
		return nil, err
	}

	ns := prefixedRegisterer(g.namespace, g.Registry)
	for _, c := range r.Collectors() {
		reg := prometheus.Registerer(g.Registry)
		if c.NeedsNamespace() {
			reg = ns
		}
		if c.NeedsSubsystem() {
			reg = prefixedRegisterer(c.group, reg)
		}
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrapf(err, "metrics: failed to register %q", c.Name())
		}
	}

	return g, nil
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix != "" {
		return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
	}
	return reg
}
