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
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/intel/accel-resmgr/pkg/apis/config/v1alpha1"
	"github.com/intel/accel-resmgr/pkg/hwport/simulated"
	"github.com/intel/accel-resmgr/pkg/protocol"
)

const (
	oneImage = `{"images": [
  {"agfi": "agfi-xy", "num_slots": 2, "slots": [{"slot_id": 0, "app_id": "X"}, {"slot_id": 1, "app_id": "Y"}]}
]}`
	twoImages = `{"images": [
  {"agfi": "agfi-xy", "num_slots": 2, "slots": [{"slot_id": 0, "app_id": "X"}, {"slot_id": 1, "app_id": "Y"}]},
  {"agfi": "agfi-z", "num_slots": 1, "slots": [{"slot_id": 0, "app_id": "Z"}]}
]}`
	malformed = `{"images": [{"agfi": "agfi-bad", "num_slots": 3, "slots": []}]}`
)

func config(t *testing.T) *cfgapi.Config {
	dir := t.TempDir()
	cfg := cfgapi.Default()
	cfg.SocketPath = filepath.Join(dir, "resmgr.sock")
	cfg.Catalog.Path = filepath.Join(dir, "catalog.json")
	writeCatalog(t, cfg, oneImage)
	return cfg
}

func writeCatalog(t *testing.T, cfg *cfgapi.Config, content string) {
	require.NoError(t, os.WriteFile(cfg.Catalog.Path, []byte(content), 0o644))
}

func start(t *testing.T, cfg *cfgapi.Config, options ...Option) *resmgr {
	mgr, err := NewResourceManager(cfg, options...)
	require.NoError(t, err)
	require.NoError(t, mgr.Start())
	t.Cleanup(mgr.Stop)
	return mgr.(*resmgr)
}

func initiate(t *testing.T, m *resmgr, appType string) *protocol.Response {
	conn, err := net.Dial("unix", m.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	cmd := &protocol.Command{Kind: protocol.InitiateSession, Text: appType}
	require.NoError(t, protocol.WriteCommand(conn, cmd))
	rsp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	return rsp
}

func TestStartStop(t *testing.T) {
	cfg := config(t)
	mgr, err := NewResourceManager(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Start())

	info, err := os.Stat(cfg.SocketPath)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&os.ModeSocket)

	rsp := initiate(t, mgr.(*resmgr), "X")
	require.Equal(t, protocol.Success, rsp.Error)
	require.NotZero(t, rsp.Session)

	rsp = initiate(t, mgr.(*resmgr), "W")
	require.Equal(t, protocol.AppTypeUnknown, rsp.Error)

	mgr.Stop()
	_, err = os.Stat(cfg.SocketPath)
	require.True(t, os.IsNotExist(err))
}

func TestInvalidConfiguration(t *testing.T) {
	cfg := config(t)
	cfg.Catalog.Path = ""
	_, err := NewResourceManager(cfg)
	require.Error(t, err)

	cfg = config(t)
	writeCatalog(t, cfg, malformed)
	_, err = NewResourceManager(cfg)
	require.Error(t, err)
}

func TestDefaultImages(t *testing.T) {
	for _, load := range []bool{true, false} {
		t.Run(fmt.Sprintf("load=%v", load), func(t *testing.T) {
			cfg := config(t)
			cfg.Hardware.LoadDefaultImage = &load
			port := simulated.New(2)
			start(t, cfg, WithPort(port))

			for idx := 0; idx < 2; idx++ {
				if load {
					require.Equal(t, "agfi-xy", port.Image(idx))
				} else {
					require.Empty(t, port.Image(idx))
				}
			}
		})
	}
}

func TestStaleSocket(t *testing.T) {
	cfg := config(t)
	ln, err := net.Listen("unix", cfg.SocketPath)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())

	m := start(t, cfg)
	require.Equal(t, protocol.Success, initiate(t, m, "Y").Error)
}

func TestSocketPathOccupied(t *testing.T) {
	cfg := config(t)
	require.NoError(t, os.WriteFile(cfg.SocketPath, nil, 0o644))

	mgr, err := NewResourceManager(cfg)
	require.NoError(t, err)
	require.Error(t, mgr.Start())
	mgr.Stop()

	_, err = os.Stat(cfg.SocketPath)
	require.NoError(t, err)
}

func TestReloadCatalog(t *testing.T) {
	cfg := config(t)
	m := start(t, cfg)

	require.Equal(t, protocol.AppTypeUnknown, initiate(t, m, "Z").Error)

	writeCatalog(t, cfg, twoImages)
	require.NoError(t, m.ReloadCatalog())
	require.Equal(t, protocol.Success, initiate(t, m, "Z").Error)
	require.EqualValues(t, 2, m.images.Load())

	writeCatalog(t, cfg, malformed)
	require.Error(t, m.ReloadCatalog())
	require.Equal(t, protocol.Success, initiate(t, m, "X").Error)
	require.EqualValues(t, 2, m.images.Load())
}

func TestReloadWhenStopped(t *testing.T) {
	mgr, err := NewResourceManager(config(t))
	require.NoError(t, err)
	require.Error(t, mgr.ReloadCatalog())
}

func TestWatchedCatalog(t *testing.T) {
	cfg := config(t)
	cfg.Catalog.Watch = true
	m := start(t, cfg)

	writeCatalog(t, cfg, twoImages)
	require.Eventually(t, func() bool {
		return m.images.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, protocol.Success, initiate(t, m, "Z").Error)
}

func TestHealthAndMetrics(t *testing.T) {
	cfg := config(t)
	cfg.Instrumentation.HTTPEndpoint = "127.0.0.1:0"
	m := start(t, cfg)
	require.Equal(t, protocol.Success, initiate(t, m, "X").Error)

	get := func(path string) (int, string) {
		rsp, err := http.Get("http://" + m.instr.Address() + path)
		require.NoError(t, err)
		defer rsp.Body.Close()
		body, err := io.ReadAll(rsp.Body)
		require.NoError(t, err)
		return rsp.StatusCode, string(body)
	}

	status, _ := get("/healthz")
	require.Equal(t, http.StatusOK, status)

	status, body := get("/metrics")
	require.Equal(t, http.StatusOK, status)
	for _, name := range []string{
		"accel_dispatcher_sessions",
		"accel_scheduler_image_loads_total",
		"accel_resmgr_version_info",
	} {
		require.True(t, strings.Contains(body, name), "missing metric %s", name)
	}
}

func TestWait(t *testing.T) {
	m := start(t, config(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}
