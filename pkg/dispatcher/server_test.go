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
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/accel-resmgr/pkg/protocol"
)

type server struct {
	path   string
	cancel context.CancelFunc
	done   chan error
}

func serve(t *testing.T, d *Dispatcher) *server {
	path := filepath.Join(t.TempDir(), "resmgr.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := &server{path: path, cancel: cancel, done: make(chan error, 1)}
	go func() {
		srv.done <- d.Serve(ctx, ln)
	}()

	require.Eventually(t, d.Running, time.Second, time.Millisecond)

	return srv
}

func (s *server) stop(t *testing.T) {
	s.cancel()
	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func (s *server) call(t *testing.T, cmd *protocol.Command) *protocol.Response {
	conn, err := net.Dial("unix", s.path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, protocol.WriteCommand(conn, cmd))
	rsp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	return rsp
}

func TestServe(t *testing.T) {
	f := setup(t)
	srv := serve(t, f.d)

	rsp := srv.call(t, &protocol.Command{Kind: protocol.InitiateSession, Text: "Y"})
	require.Equal(t, protocol.Success, rsp.Error)
	id := rsp.Session

	rsp = srv.call(t, &protocol.Command{Kind: protocol.RegisterWriteRequest, Session: id, Addr: 0x20, Data: 7})
	require.Equal(t, protocol.Success, rsp.Error)
	rsp = srv.call(t, &protocol.Command{Kind: protocol.RegisterReadRequest, Session: id, Addr: 0x20})
	require.Equal(t, protocol.Success, rsp.Error)
	rsp = srv.call(t, &protocol.Command{Kind: protocol.RegisterReadResponse, Session: id})
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, uint64(7), rsp.Data)

	rsp = srv.call(t, &protocol.Command{Kind: protocol.EndSession, Session: id})
	require.Equal(t, protocol.Success, rsp.Error)

	srv.stop(t)
	require.False(t, f.d.Running())
	require.Equal(t, "mix", f.port.Image(0))
}

func TestTransactionTimeout(t *testing.T) {
	f := setup(t, WithTimeout(50*time.Millisecond))
	srv := serve(t, f.d)
	defer srv.stop(t)

	conn, err := net.Dial("unix", srv.path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = protocol.ReadResponse(conn)
	require.Error(t, err, "stalled client must be disconnected")

	rsp := srv.call(t, &protocol.Command{Kind: protocol.InitiateSession, Text: "X"})
	require.Equal(t, protocol.Success, rsp.Error)
}

func TestDo(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	srv := serve(t, f.d)

	var (
		sessions int
		err      error
	)
	require.NoError(t, f.d.Do(ctx, func() {
		sessions = f.d.Sessions().Len()
		_, err = f.cat.Add(image("zs", "Z"))
	}))
	require.NoError(t, err)
	require.Zero(t, sessions)

	rsp := srv.call(t, &protocol.Command{Kind: protocol.InitiateSession, Text: "Z"})
	require.Equal(t, protocol.Success, rsp.Error)

	srv.stop(t)
	require.ErrorIs(t, f.d.Do(ctx, func() {}), ErrNotRunning)
}

func TestServeOnlyOnce(t *testing.T) {
	f := setup(t)
	srv := serve(t, f.d)
	defer srv.stop(t)

	ln, err := net.Listen("unix", filepath.Join(t.TempDir(), "other.sock"))
	require.NoError(t, err)
	defer ln.Close()

	require.Error(t, f.d.Serve(context.Background(), ln))
}

func TestServeAfterStop(t *testing.T) {
	f := setup(t)
	srv := serve(t, f.d)
	srv.stop(t)

	ln, err := net.Listen("unix", filepath.Join(t.TempDir(), "again.sock"))
	require.NoError(t, err)
	defer ln.Close()

	require.Error(t, f.d.Serve(context.Background(), ln))
	require.False(t, f.d.Running())
}
