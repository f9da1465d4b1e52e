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

package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/accel-resmgr/pkg/protocol"
	"github.com/intel/accel-resmgr/pkg/session"
)

type collector struct {
	transactions *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	live         prometheus.Gauge
	bound        prometheus.Gauge
	pending      prometheus.Gauge
}

var _ prometheus.Collector = &collector{}

func newCollector() *collector {
	return &collector{
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_total",
				Help: "Number of transactions, by command and result.",
			},
			[]string{"command", "result"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transaction_duration_seconds",
				Help:    "Time spent processing a transaction, by command.",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"command"},
		),
		live: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessions",
				Help: "Number of live sessions.",
			},
		),
		bound: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bound_sessions",
				Help: "Number of sessions bound to a slot.",
			},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pending_bulk_transfers",
				Help: "Number of bulk transfers waiting to be performed.",
			},
		),
	}
}

// Collector returns the prometheus collector of the dispatcher.
func (d *Dispatcher) Collector() prometheus.Collector {
	return d.metrics
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	c.transactions.Describe(ch)
	c.latency.Describe(ch)
	c.live.Describe(ch)
	c.bound.Describe(ch)
	c.pending.Describe(ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.transactions.Collect(ch)
	c.latency.Collect(ch)
	c.live.Collect(ch)
	c.bound.Collect(ch)
	c.pending.Collect(ch)
}

func (c *collector) transaction(kind protocol.CommandKind, result protocol.ErrorKind, took time.Duration) {
	command := kind.String()
	if !kind.Valid() {
		command = "invalid"
	}
	c.transactions.WithLabelValues(command, result.String()).Inc()
	c.latency.WithLabelValues(command).Observe(took.Seconds())
}

func (c *collector) sessions(r *session.Registry) {
	bound := 0
	for _, s := range r.Sessions() {
		if s.Bound() {
			bound++
		}
	}
	c.live.Set(float64(r.Len()))
	c.bound.Set(float64(bound))
}

func (c *collector) pendingOps(n int) {
	c.pending.Set(float64(n))
}
