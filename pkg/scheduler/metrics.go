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

package scheduler

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// collector exports scheduler metrics. Its vectors are updated from the
// control loop and are safe to collect concurrently.
type collector struct {
	cardSessions *prometheus.GaugeVec
	imageLoads   *prometheus.CounterVec
	evictions    prometheus.Counter
}

var _ prometheus.Collector = &collector{}

func newCollector() *collector {
	return &collector{
		cardSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "card_sessions",
				Help: "Number of sessions bound to the slots of a card.",
			},
			[]string{"card"},
		),
		imageLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "image_loads_total",
				Help: "Number of images loaded, by card, image and whether a loaded image was replaced.",
			},
			[]string{"card", "image", "kind"},
		),
		evictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "session_evictions_total",
				Help: "Number of sessions evicted from their slot to make room for another.",
			},
		),
	}
}

// Collector returns the prometheus collector of the scheduler.
func (s *Scheduler) Collector() prometheus.Collector {
	return s.metrics
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	c.cardSessions.Describe(ch)
	c.imageLoads.Describe(ch)
	c.evictions.Describe(ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.cardSessions.Collect(ch)
	c.imageLoads.Collect(ch)
	c.evictions.Collect(ch)
}

func (c *collector) bound(card, load int) {
	c.cardSessions.WithLabelValues(strconv.Itoa(card)).Set(float64(load))
}

func (c *collector) loaded(card int, image string, replacing bool) {
	kind := "load"
	if replacing {
		kind = "swap"
	}
	c.imageLoads.WithLabelValues(strconv.Itoa(card), image, kind).Inc()
}

func (c *collector) evicted() {
	c.evictions.Inc()
}
