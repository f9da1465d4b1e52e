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

package instrumentation

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/intel/accel-resmgr/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/intel/accel-resmgr/pkg/healthz"
	"github.com/intel/accel-resmgr/pkg/metrics"
)

func get(t *testing.T, url string) (int, string) {
	rsp, err := http.Get(url)
	require.NoError(t, err)
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	return rsp.StatusCode, string(body)
}

func TestService(t *testing.T) {
	registry := metrics.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "slots", Help: "Test slots."})
	registry.MustRegister("slots", gauge, metrics.WithGroup("scheduler"))
	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "sessions", Help: "Test sessions."})
	registry.MustRegister("sessions", other, metrics.WithGroup("dispatcher"))

	health := healthz.NewChecks()
	require.NoError(t, health.Register("test", func() (healthz.Status, error) {
		return healthz.Healthy, nil
	}))

	svc := NewService(registry, health)
	require.NoError(t, svc.Start(&cfgapi.Config{HTTPEndpoint: "127.0.0.1:0"}))
	defer svc.Stop()

	gauge.Set(3)
	code, body := get(t, "http://"+svc.Address()+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "accel_scheduler_slots 3")
	require.Contains(t, body, "accel_dispatcher_sessions 0")

	code, body = get(t, "http://"+svc.Address()+"/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	require.NoError(t, svc.Reconfigure(&cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
		Metrics:      []string{"sched*"},
	}))
	code, body = get(t, "http://"+svc.Address()+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "accel_scheduler_slots 3")
	require.False(t, strings.Contains(body, "accel_dispatcher_sessions"))

	require.Error(t, svc.Reconfigure(&cfgapi.Config{Metrics: []string{"nosuchgroup"}}))
}
