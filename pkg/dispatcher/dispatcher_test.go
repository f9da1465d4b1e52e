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
	"io"
	"net"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/intel/accel-resmgr/pkg/catalog"
	"github.com/intel/accel-resmgr/pkg/hwport"
	"github.com/intel/accel-resmgr/pkg/hwport/simulated"
	"github.com/intel/accel-resmgr/pkg/protocol"
	"github.com/intel/accel-resmgr/pkg/regqueue"
	"github.com/intel/accel-resmgr/pkg/scheduler"
	"github.com/intel/accel-resmgr/pkg/session"
)

type fixture struct {
	cat  *catalog.Catalog
	port *simulated.Port
	d    *Dispatcher
}

func image(id string, types ...string) *catalog.Image {
	img := &catalog.Image{ID: id, NumSlots: len(types)}
	for i, t := range types {
		img.Slots = append(img.Slots, catalog.Slot{ID: i, AppType: t})
	}
	return img
}

func setup(t *testing.T, options ...Option) *fixture {
	f := &fixture{cat: catalog.New(), port: simulated.New(1)}
	_, err := f.cat.Add(image("mix", "X", "X", "Y"), image("ys", "Y", "Y"))
	require.NoError(t, err)
	f.d = New(f.cat, f.port, options...)
	return f
}

// exchange runs a single transaction over an in-memory connection. Bulk
// write payloads are sent once the request is acknowledged, bulk read data
// is returned along with the response.
func (f *fixture) exchange(t *testing.T, cmd *protocol.Command, payload []byte, drain bool) (*protocol.Response, []byte) {
	cli, srv := net.Pipe()
	defer cli.Close()

	done := make(chan error, 1)
	go func() {
		err := f.d.Handle(context.Background(), srv)
		srv.Close()
		if drain {
			f.d.drainPending()
		}
		done <- err
	}()

	require.NoError(t, protocol.WriteCommand(cli, cmd))
	rsp, err := protocol.ReadResponse(cli)
	require.NoError(t, err)

	var data []byte
	if rsp.Error == protocol.Success {
		switch cmd.Kind {
		case protocol.BulkWriteRequest:
			_, err = cli.Write(payload)
			require.NoError(t, err)
		case protocol.BulkReadResponse:
			data = make([]byte, rsp.NumBytes)
			_, err = io.ReadFull(cli, data)
			require.NoError(t, err)
		}
	}

	require.NoError(t, <-done)
	return rsp, data
}

func (f *fixture) do(t *testing.T, cmd *protocol.Command) *protocol.Response {
	rsp, _ := f.exchange(t, cmd, nil, true)
	return rsp
}

func (f *fixture) open(t *testing.T, appType string) uint64 {
	rsp := f.do(t, &protocol.Command{Kind: protocol.InitiateSession, Text: appType})
	require.Equal(t, protocol.Success, rsp.Error)
	require.NotZero(t, rsp.Session)
	return rsp.Session
}

func (f *fixture) write(t *testing.T, id, addr, value uint64) protocol.ErrorKind {
	return f.do(t, &protocol.Command{
		Kind:    protocol.RegisterWriteRequest,
		Session: id,
		Addr:    addr,
		Data:    value,
	}).Error
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestEveryCommandHasHandler(t *testing.T) {
	handlers := handlerTable()
	for k := protocol.CommandKind(0); k < protocol.NumCommandKinds; k++ {
		require.NotNil(t, handlers[k], "handler for %s", k)
	}
}

func TestInitiateSession(t *testing.T) {
	f := setup(t)

	rsp := f.do(t, &protocol.Command{Kind: protocol.InitiateSession, Text: "Z"})
	require.Equal(t, protocol.AppTypeUnknown, rsp.Error)
	require.Equal(t, 0, f.d.Sessions().Len())

	require.Equal(t, uint64(1), f.open(t, "X"))
	require.Equal(t, uint64(2), f.open(t, "Y"))
	require.Equal(t, 2, f.d.Sessions().Len())
	require.Empty(t, f.port.History(), "sessions are bound lazily")
}

func TestRegisterRoundTrip(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")

	require.Equal(t, protocol.Success, f.write(t, id, 0x10, 0xdeadbeef))
	require.Equal(t, 1, f.port.Count(simulated.OpLoad))
	require.Equal(t, 1, f.port.Count(simulated.OpWrite))

	rsp := f.do(t, &protocol.Command{Kind: protocol.RegisterReadRequest, Session: id, Addr: 0x10})
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, 1, f.port.Count(simulated.OpRead), "eager reads happen at request time")

	rsp = f.do(t, &protocol.Command{Kind: protocol.RegisterReadResponse, Session: id})
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, uint64(0xdeadbeef), rsp.Data)

	rsp = f.do(t, &protocol.Command{Kind: protocol.RegisterReadResponse, Session: id})
	require.Equal(t, protocol.InvalidRequest, rsp.Error)
}

func TestLazyRegisterRead(t *testing.T) {
	f := setup(t, WithLazyReads(true))
	require.Equal(t, regqueue.Lazy, f.d.regs.Mode())

	id := f.open(t, "X")
	require.Equal(t, protocol.Success, f.write(t, id, 0x10, 42))

	rsp := f.do(t, &protocol.Command{Kind: protocol.RegisterReadRequest, Session: id, Addr: 0x10})
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, 0, f.port.Count(simulated.OpRead))

	rsp = f.do(t, &protocol.Command{Kind: protocol.RegisterReadResponse, Session: id})
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, uint64(42), rsp.Data)
	require.Equal(t, 1, f.port.Count(simulated.OpRead))
}

func TestLazyReadOfUnboundSession(t *testing.T) {
	f := setup(t, WithLazyReads(true))
	id := f.open(t, "Y")

	rsp := f.do(t, &protocol.Command{Kind: protocol.RegisterReadRequest, Session: id, Addr: 0x8})
	require.Equal(t, protocol.Success, rsp.Error)
	require.Empty(t, f.port.History())

	rsp = f.do(t, &protocol.Command{Kind: protocol.RegisterReadResponse, Session: id})
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, uint64(0), rsp.Data)

	sess, err := f.d.Sessions().Lookup(session.ID(id))
	require.NoError(t, err)
	require.True(t, sess.Bound())
}

func TestMisalignedRegisterAccess(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")

	require.Equal(t, protocol.AlignmentFailure, f.write(t, id, 0x14, 1))
	rsp := f.do(t, &protocol.Command{Kind: protocol.RegisterReadRequest, Session: id, Addr: 0x3})
	require.Equal(t, protocol.AlignmentFailure, rsp.Error)

	require.Empty(t, f.port.History())
	addrs, results := f.d.regs.Pending(session.ID(id))
	require.Zero(t, addrs)
	require.Zero(t, results)
}

func TestInvalidSession(t *testing.T) {
	f := setup(t)
	f.open(t, "X")

	for _, kind := range []protocol.CommandKind{
		protocol.EndSession,
		protocol.RegisterReadRequest,
		protocol.RegisterReadResponse,
		protocol.RegisterWriteRequest,
		protocol.BulkReadRequest,
		protocol.BulkReadResponse,
		protocol.BulkWriteRequest,
		protocol.QuiescenceRequest,
		protocol.QuiescenceCheck,
	} {
		t.Run(kind.String(), func(t *testing.T) {
			rsp := f.do(t, &protocol.Command{Kind: kind, Session: 99, NumBytes: 8})
			require.Equal(t, protocol.InvalidSession, rsp.Error)
			require.Equal(t, uint64(99), rsp.Session)
		})
	}

	require.Equal(t, 1, f.d.Sessions().Len())
	require.Empty(t, f.port.History())
}

func TestInvalidCommand(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")

	rsp := f.do(t, &protocol.Command{Kind: protocol.CommandKind(99), Session: id})
	require.Equal(t, protocol.InvalidRequest, rsp.Error)

	rsp = f.do(t, &protocol.Command{Kind: protocol.RegisterWriteResponse, Session: id})
	require.Equal(t, protocol.InvalidRequest, rsp.Error)
}

func TestBulkRoundTrip(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")
	data := pattern(3000)

	rsp, _ := f.exchange(t, &protocol.Command{
		Kind:     protocol.BulkWriteRequest,
		Session:  id,
		Addr:     0x2000,
		NumBytes: uint64(len(data)),
	}, data, true)
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, 1, f.port.Count(simulated.OpBulkWr))

	rsp = f.do(t, &protocol.Command{
		Kind:     protocol.BulkReadRequest,
		Session:  id,
		Addr:     0x2000,
		NumBytes: uint64(len(data)),
	})
	require.Equal(t, protocol.Success, rsp.Error)

	rsp, got := f.exchange(t, &protocol.Command{Kind: protocol.BulkReadResponse, Session: id}, nil, true)
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, uint64(len(data)), rsp.NumBytes)
	require.Equal(t, data, got)

	rsp = f.do(t, &protocol.Command{Kind: protocol.BulkReadResponse, Session: id})
	require.Equal(t, protocol.InvalidRequest, rsp.Error)
}

func TestBulkTransferSize(t *testing.T) {
	f := setup(t, WithMaxTransfer(1024))
	id := f.open(t, "X")

	for _, tc := range []struct {
		name   string
		kind   protocol.CommandKind
		size   uint64
		result protocol.ErrorKind
	}{
		{"zero size write", protocol.BulkWriteRequest, 0, protocol.ZeroSizeTransfer},
		{"zero size read", protocol.BulkReadRequest, 0, protocol.ZeroSizeTransfer},
		{"oversized write", protocol.BulkWriteRequest, 2048, protocol.InvalidRequest},
		{"oversized read", protocol.BulkReadRequest, 2048, protocol.InvalidRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rsp := f.do(t, &protocol.Command{Kind: tc.kind, Session: id, NumBytes: tc.size})
			require.Equal(t, tc.result, rsp.Error)
		})
	}

	require.Empty(t, f.port.History())
}

func TestBusyReadBuffer(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")

	data := pattern(64)
	rsp, _ := f.exchange(t, &protocol.Command{
		Kind: protocol.BulkWriteRequest, Session: id, Addr: 0x100, NumBytes: 64,
	}, data, true)
	require.Equal(t, protocol.Success, rsp.Error)

	read := &protocol.Command{Kind: protocol.BulkReadRequest, Session: id, Addr: 0x100, NumBytes: 64}
	require.Equal(t, protocol.Success, f.do(t, read).Error)

	other := &protocol.Command{Kind: protocol.BulkReadRequest, Session: id, Addr: 0x0, NumBytes: 8}
	require.Equal(t, protocol.Retry, f.do(t, other).Error)

	rsp, got := f.exchange(t, &protocol.Command{Kind: protocol.BulkReadResponse, Session: id}, nil, true)
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, data, got, "rejected request must not disturb the pending one")

	require.Equal(t, protocol.Success, f.do(t, other).Error)
}

func TestBusyWriteBuffer(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")
	write := &protocol.Command{Kind: protocol.BulkWriteRequest, Session: id, Addr: 0x0, NumBytes: 16}

	rsp, _ := f.exchange(t, write, pattern(16), false)
	require.Equal(t, protocol.Success, rsp.Error)
	require.Len(t, f.d.pending, 1)

	rsp, _ = f.exchange(t, write, pattern(16), false)
	require.Equal(t, protocol.Retry, rsp.Error)
	require.Len(t, f.d.pending, 1)

	f.d.drainPending()
	require.Equal(t, 1, f.port.Count(simulated.OpBulkWr))

	rsp, _ = f.exchange(t, write, pattern(16), true)
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, 2, f.port.Count(simulated.OpBulkWr))
}

func TestReadResponseCompletesPendingTransfers(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")
	data := pattern(128)

	rsp, _ := f.exchange(t, &protocol.Command{
		Kind: protocol.BulkWriteRequest, Session: id, Addr: 0x400, NumBytes: 128,
	}, data, false)
	require.Equal(t, protocol.Success, rsp.Error)

	rsp, _ = f.exchange(t, &protocol.Command{
		Kind: protocol.BulkReadRequest, Session: id, Addr: 0x400, NumBytes: 128,
	}, nil, false)
	require.Equal(t, protocol.Success, rsp.Error)
	require.Empty(t, f.port.History())

	rsp, got := f.exchange(t, &protocol.Command{Kind: protocol.BulkReadResponse, Session: id}, nil, false)
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, data, got)
	require.Empty(t, f.d.pending)
}

func TestFailedBulkRead(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")
	require.Equal(t, protocol.Success, f.write(t, id, 0x0, 1))

	f.port.Fail(simulated.OpBulkRd, errors.New("bus error"))
	rsp := f.do(t, &protocol.Command{Kind: protocol.BulkReadRequest, Session: id, NumBytes: 8})
	require.Equal(t, protocol.Success, rsp.Error)

	rsp = f.do(t, &protocol.Command{Kind: protocol.BulkReadResponse, Session: id})
	require.Equal(t, protocol.TransportFailure, rsp.Error)

	sess, err := f.d.Sessions().Lookup(session.ID(id))
	require.NoError(t, err)
	require.False(t, sess.Read.Busy())
}

func TestFailedBulkWrite(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")
	require.Equal(t, protocol.Success, f.write(t, id, 0x0, 1))
	request := &protocol.Command{Kind: protocol.BulkWriteRequest, Session: id, NumBytes: 16}

	f.port.Fail(simulated.OpBulkWr, errors.New("bus error"))
	rsp, _ := f.exchange(t, request, pattern(16), true)
	require.Equal(t, protocol.Success, rsp.Error)

	sess, err := f.d.Sessions().Lookup(session.ID(id))
	require.NoError(t, err)
	require.False(t, sess.Write.Busy())
	require.Error(t, sess.Write.Err())

	rsp, _ = f.exchange(t, request, pattern(16), true)
	require.Equal(t, protocol.TransportFailure, rsp.Error)
	require.NoError(t, sess.Write.Err())

	rsp, _ = f.exchange(t, request, pattern(16), true)
	require.Equal(t, protocol.Success, rsp.Error)
	require.NoError(t, sess.Write.Err())
}

func TestTransportFailure(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")
	require.Equal(t, protocol.Success, f.write(t, id, 0x0, 1))

	f.port.Fail(simulated.OpWrite, errors.New("bus error"))
	require.Equal(t, protocol.TransportFailure, f.write(t, id, 0x0, 2))
	require.Equal(t, protocol.Success, f.write(t, id, 0x0, 3))
}

func TestQuiescence(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")
	request := &protocol.Command{Kind: protocol.QuiescenceRequest, Session: id}
	check := &protocol.Command{Kind: protocol.QuiescenceCheck, Session: id}

	require.Equal(t, protocol.QuiescenceUnavailable, f.do(t, request).Error)
	require.Equal(t, protocol.QuiescenceUnavailable, f.do(t, check).Error)
	require.Empty(t, f.port.History())

	require.Equal(t, protocol.Success, f.write(t, id, 0x0, 0))

	rsp := f.do(t, check)
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, uint64(0), rsp.Data)

	require.Equal(t, protocol.Success, f.do(t, request).Error)

	rsp = f.do(t, check)
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, uint64(1), rsp.Data)

	rsp = f.do(t, &protocol.Command{Kind: protocol.QuiescenceCheckResponse, Session: id})
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, uint64(1), rsp.Data)
}

func TestEndSession(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")
	require.Equal(t, protocol.Success, f.write(t, id, 0x0, 1))

	card, ok := f.d.Scheduler().Card(0)
	require.True(t, ok)
	require.Equal(t, 1, card.Load())

	rsp := f.do(t, &protocol.Command{Kind: protocol.EndSession, Session: id})
	require.Equal(t, protocol.Success, rsp.Error)
	require.Equal(t, 0, card.Load())
	require.Equal(t, 0, f.d.Sessions().Len())

	history := f.port.History()
	require.Equal(t, simulated.Op{Kind: simulated.OpReset, Card: 0, Slot: 0}, history[len(history)-1])

	require.Equal(t, protocol.InvalidSession, f.write(t, id, 0x0, 1))
}

func TestClientHangsUpBeforeReply(t *testing.T) {
	tcases := []struct {
		name    string
		kind    protocol.CommandKind
		failure bool
	}{
		{
			name: "end session",
			kind: protocol.EndSession,
		},
		{
			name:    "register write",
			kind:    protocol.RegisterWriteRequest,
			failure: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			id := f.open(t, "X")

			cli, srv := net.Pipe()
			done := make(chan error, 1)
			go func() {
				done <- f.d.Handle(context.Background(), srv)
				srv.Close()
			}()

			require.NoError(t, protocol.WriteCommand(cli, &protocol.Command{Kind: tc.kind, Session: id}))
			require.NoError(t, cli.Close())

			err := <-done
			if tc.failure {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Equal(t, 0, f.d.Sessions().Len())
			}
		})
	}
}

func TestEndSessionDropsPendingTransfers(t *testing.T) {
	f := setup(t)
	id := f.open(t, "X")

	rsp, _ := f.exchange(t, &protocol.Command{
		Kind: protocol.BulkWriteRequest, Session: id, NumBytes: 32,
	}, pattern(32), false)
	require.Equal(t, protocol.Success, rsp.Error)

	rsp, _ = f.exchange(t, &protocol.Command{Kind: protocol.EndSession, Session: id}, nil, false)
	require.Equal(t, protocol.Success, rsp.Error)
	require.Empty(t, f.d.pending)

	f.d.drainPending()
	require.Empty(t, f.port.History())
}

func TestEvictedSessionIsRescheduled(t *testing.T) {
	f := setup(t)
	a := f.open(t, "X")
	b := f.open(t, "X")
	c := f.open(t, "X")

	require.Equal(t, protocol.Success, f.write(t, a, 0x0, 1))
	require.Equal(t, protocol.Success, f.write(t, b, 0x0, 2))
	require.Equal(t, protocol.Success, f.write(t, c, 0x0, 3))
	require.Equal(t, 1, f.d.Scheduler().Stats().Evictions)

	require.Equal(t, protocol.Success, f.write(t, a, 0x0, 4))
	require.Equal(t, 2, f.d.Scheduler().Stats().Evictions)
	require.NoError(t, f.d.Scheduler().Check())
}

func TestErrorKinds(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		kind protocol.ErrorKind
	}{
		{"nil", nil, protocol.Success},
		{"protocol kind", errors.Wrap(protocol.Timeout, "x"), protocol.Timeout},
		{"invalid session", errors.Wrap(session.ErrInvalidSession, "x"), protocol.InvalidSession},
		{"busy buffer", session.ErrBufferBusy, protocol.Retry},
		{"unknown app type", session.ErrAppTypeUnknown, protocol.AppTypeUnknown},
		{"misaligned", ErrMisaligned, protocol.AlignmentFailure},
		{"zero size", ErrZeroSize, protocol.ZeroSizeTransfer},
		{"too large", ErrTooLarge, protocol.InvalidRequest},
		{"no response", regqueue.ErrNoResponseReady, protocol.InvalidRequest},
		{"no pending read", regqueue.ErrNoPendingRead, protocol.InvalidRequest},
		{"not bound", ErrNotBound, protocol.QuiescenceUnavailable},
		{"out of range", hwport.Wrap(hwport.ErrOutOfRange, "read", 0, 9), protocol.ProtectionFailure},
		{"deadline", errors.Wrap(os.ErrDeadlineExceeded, "read"), protocol.Timeout},
		{"context deadline", context.DeadlineExceeded, protocol.Timeout},
		{"hardware", hwport.Wrap(errors.New("bus error"), "write", 0, 0), protocol.TransportFailure},
		{"no fit", scheduler.ErrNoFit, protocol.Unknown},
		{"other", errors.New("other"), protocol.Unknown},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.kind, errorKind(tc.err))
		})
	}
}
