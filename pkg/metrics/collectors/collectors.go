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

// Package collectors registers the process-wide standard collectors.
package collectors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/intel/accel-resmgr/pkg/metrics"
	"github.com/intel/accel-resmgr/pkg/version"
)

// StandardGroup is the group of the standard collectors.
const StandardGroup = "standard"

// NewVersionInfoCollector returns a constant metric labeled with version information.
func NewVersionInfoCollector(v, b string) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "accel_resmgr_version_info",
			Help: "A metric with constant '1' value labeled by version and build info.",
			ConstLabels: prometheus.Labels{
				"version": v,
				"build":   b,
			},
		},
		func() float64 { return 1 },
	)
}

// Register registers the build, runtime, process and version collectors
// in the standard group of r. Their metrics are not prefixed.
func Register(r *metrics.Registry) error {
	options := []metrics.RegisterOption{
		metrics.WithGroup(StandardGroup),
		metrics.WithCollectorOptions(
			metrics.WithoutNamespace(),
			metrics.WithoutSubsystem(),
		),
	}

	for _, c := range []struct {
		name      string
		collector prometheus.Collector
	}{
		{"buildinfo", collectors.NewBuildInfoCollector()},
		{"golang", collectors.NewGoCollector()},
		{"process", collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})},
		{"versioninfo", NewVersionInfoCollector(version.Version, version.Build)},
	} {
		if err := r.Register(c.name, c.collector, options...); err != nil {
			return err
		}
	}

	return nil
}
