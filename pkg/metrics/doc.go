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

// Package metrics is a thin layer over prometheus collectors. Collectors
// are registered by name into groups. Groups and collectors can be enabled
// selectively with globs, and the metrics of enabled collectors are
// prefixed with a common namespace and their group name.
//
// A typical setup registers the collectors of each component, then
// creates a gatherer for serving them:
//
//	r := metrics.NewRegistry()
//	r.MustRegister("scheduler", sched.Collector(), metrics.WithGroup("scheduler"))
//	collectors.Register(r)
//
//	g, err := r.NewGatherer(
//	    metrics.WithNamespace("accel"),
//	    metrics.WithMetrics([]string{"scheduler", "standard"}),
//	)
//	if err != nil {
//	    return err
//	}
//	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
