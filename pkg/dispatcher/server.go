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
	"time"

	"github.com/pkg/errors"
)

// Serve accepts connections on ln and runs one transaction per connection
// until ctx is canceled. Serve closes ln before returning and can be called
// only once.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	if !d.served.CompareAndSwap(false, true) {
		return errors.New("dispatcher: already served")
	}
	d.running.Store(true)
	defer func() {
		d.running.Store(false)
		close(d.done)
	}()

	var (
		conns     = make(chan net.Conn)
		acceptErr = make(chan error, 1)
	)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			select {
			case conns <- conn:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	log.Info("accepting transactions on %s", ln.Addr())

	for {
		select {
		case <-ctx.Done():
			ln.Close()
			log.Info("stopped accepting transactions")
			return nil

		case req := <-d.requests:
			req.fn()
			close(req.done)

		case conn := <-conns:
			d.serveConn(ctx, conn)

		case err := <-acceptErr:
			ln.Close()
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "dispatcher: accept failed")
		}
	}
}

// Running returns true while the control loop is serving transactions.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Do runs fn in the control loop and waits for it to finish. fn has
// exclusive access to the dispatcher state.
func (d *Dispatcher) Do(ctx context.Context, fn func()) error {
	req := &request{fn: fn, done: make(chan struct{})}

	select {
	case d.requests <- req:
	case <-d.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	<-req.done
	return nil
}

func (d *Dispatcher) serveConn(ctx context.Context, conn net.Conn) {
	if d.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(d.timeout)); err != nil {
			log.Warn("failed to set transaction deadline: %v", err)
		}
	}

	if err := d.Handle(ctx, conn); err != nil {
		log.Error("transaction aborted: %v", err)
	}
	conn.Close()

	d.drainPending()
}
