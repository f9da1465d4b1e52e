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

// Package dispatcher executes client transactions against the session
// registry, the scheduler, the register queue and the hardware port.
//
// All state is owned by a single control loop. Transactions run one at a
// time to completion, and anything else that needs to touch the state is
// funneled into the loop with Do.
package dispatcher

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/intel/accel-resmgr/pkg/catalog"
	"github.com/intel/accel-resmgr/pkg/hwport"
	"github.com/intel/accel-resmgr/pkg/instrumentation/tracing"
	logger "github.com/intel/accel-resmgr/pkg/log"
	"github.com/intel/accel-resmgr/pkg/protocol"
	"github.com/intel/accel-resmgr/pkg/regqueue"
	"github.com/intel/accel-resmgr/pkg/scheduler"
	"github.com/intel/accel-resmgr/pkg/session"
)

var (
	// ErrMisaligned is returned for register addresses that are not 8-byte aligned.
	ErrMisaligned = errors.New("dispatcher: misaligned register address")
	// ErrZeroSize is returned for bulk transfers of zero bytes.
	ErrZeroSize = errors.New("dispatcher: zero size transfer")
	// ErrTooLarge is returned for bulk transfers above the configured maximum.
	ErrTooLarge = errors.New("dispatcher: transfer too large")
	// ErrNotBound is returned for quiescence operations of unbound sessions.
	ErrNotBound = errors.New("dispatcher: session not bound")
	// ErrInvalidCommand is returned for commands the daemon does not accept.
	ErrInvalidCommand = errors.New("dispatcher: invalid command")
	// ErrNoBulkRead is returned for bulk read responses without a request.
	ErrNoBulkRead = errors.New("dispatcher: no bulk read requested")
	// ErrNotRunning is returned by Do when the control loop is not running.
	ErrNotRunning = errors.New("dispatcher: control loop not running")
)

// DefaultMaxTransfer is the default limit of a single bulk transfer.
const DefaultMaxTransfer = 1 << 30

// Dispatcher is the daemon state together with the transaction handlers.
type Dispatcher struct {
	catalog  *catalog.Catalog
	sessions *session.Registry
	sched    *scheduler.Scheduler
	regs     *regqueue.Queue
	port     hwport.Port
	handlers [protocol.NumCommandKinds]handlerFunc
	pending  []pendingOp
	clock    clock.PassiveClock
	metrics  *collector

	mode        regqueue.Mode
	timeout     time.Duration
	bufSize     uint64
	maxTransfer uint64
	hooks       scheduler.Hooks

	served   atomic.Bool
	running  atomic.Bool
	requests chan *request
	done     chan struct{}
}

// Option is an option for the Dispatcher.
type Option func(*Dispatcher)

// WithLazyReads defers physical register reads until their value is requested.
func WithLazyReads(lazy bool) Option {
	return func(d *Dispatcher) {
		if lazy {
			d.mode = regqueue.Lazy
		} else {
			d.mode = regqueue.Eager
		}
	}
}

// WithTimeout bounds the socket I/O of a single transaction.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithBufferSize sets the initial size of session bulk buffers.
func WithBufferSize(size uint64) Option {
	return func(d *Dispatcher) {
		d.bufSize = size
	}
}

// WithMaxTransfer sets the largest accepted bulk transfer.
func WithMaxTransfer(size uint64) Option {
	return func(d *Dispatcher) {
		d.maxTransfer = size
	}
}

// WithClock sets the clock used for session and buffer timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithHooks sets the session state capture hooks used on eviction.
func WithHooks(h scheduler.Hooks) Option {
	return func(d *Dispatcher) {
		d.hooks = h
	}
}

type handlerFunc func(*Dispatcher, *transaction) error

type pendingKind int

const (
	pendingWrite pendingKind = iota
	pendingRead
)

type pendingOp struct {
	session session.ID
	kind    pendingKind
}

type request struct {
	fn   func()
	done chan struct{}
}

// transaction is a single command being processed.
type transaction struct {
	conn    io.ReadWriter
	cmd     *protocol.Command
	rsp     protocol.Response
	sess    *session.Session
	replied bool
	err     error
}

var log = logger.Get("dispatcher")

// New creates a dispatcher serving images from cat on the cards of port.
func New(cat *catalog.Catalog, port hwport.Port, options ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog:     cat,
		port:        port,
		clock:       clock.RealClock{},
		bufSize:     session.DefaultBufferSize,
		maxTransfer: DefaultMaxTransfer,
		requests:    make(chan *request),
		done:        make(chan struct{}),
		metrics:     newCollector(),
	}
	for _, o := range options {
		o(d)
	}

	d.sessions = session.NewRegistry(cat,
		session.WithClock(d.clock),
		session.WithBufferSize(d.bufSize),
	)

	schedOpts := []scheduler.Option{scheduler.WithClock(d.clock)}
	if d.hooks != nil {
		schedOpts = append(schedOpts, scheduler.WithHooks(d.hooks))
	}
	d.sched = scheduler.New(cat, d.sessions, port, schedOpts...)
	d.regs = regqueue.New(d.mode, d.readRegister)
	d.handlers = handlerTable()

	log.Info("serving %d cards, %s register reads", port.NumCards(), d.mode)

	return d
}

// Scheduler returns the scheduler of the dispatcher.
func (d *Dispatcher) Scheduler() *scheduler.Scheduler {
	return d.sched
}

// Sessions returns the session registry of the dispatcher.
func (d *Dispatcher) Sessions() *session.Registry {
	return d.sessions
}

// Catalog returns the image catalog of the dispatcher.
func (d *Dispatcher) Catalog() *catalog.Catalog {
	return d.catalog
}

// Handle reads one command from conn, executes it and writes the response,
// including any bulk payload. Errors of the command itself are reported to
// the client. The returned error is a failure to talk to the client.
func (d *Dispatcher) Handle(ctx context.Context, conn io.ReadWriter) error {
	cmd, err := protocol.ReadCommand(conn)
	if err != nil {
		return err
	}

	start := time.Now()
	_, span := tracing.StartSpan(ctx, "transaction",
		tracing.WithAttributes(
			tracing.Attribute("command", cmd.Kind.String()),
			tracing.Attribute("session", int64(cmd.Session)),
		),
	)

	tx := &transaction{
		conn: conn,
		cmd:  cmd,
		rsp:  protocol.Response{Session: cmd.Session},
	}

	err = d.dispatch(tx)
	if err != nil {
		tx.rsp.Error = errorKind(err)
		if tx.rsp.Error == protocol.TransportFailure || tx.rsp.Error == protocol.Unknown {
			log.Error("%s of session %d failed: %v", cmd.Kind, cmd.Session, err)
		} else {
			log.Debug("%s of session %d: %v", cmd.Kind, cmd.Session, err)
		}
	}

	var ioErr error
	if !tx.replied {
		ioErr = tx.reply()
	} else if tx.err != nil {
		ioErr = tx.err
	}

	// clients may hang up right after ending a session
	if ioErr != nil && cmd.Kind == protocol.EndSession {
		log.Debug("reply to %s of session %d not delivered: %v", cmd.Kind, cmd.Session, ioErr)
		ioErr = nil
	}

	span.SetAttributes(tracing.Attribute("result", tx.rsp.Error.String()))
	span.End(tracing.WithStatus(firstError(ioErr, err)))
	d.metrics.transaction(cmd.Kind, tx.rsp.Error, time.Since(start))
	d.metrics.sessions(d.sessions)

	return ioErr
}

func (d *Dispatcher) dispatch(tx *transaction) error {
	kind := tx.cmd.Kind
	if !kind.Valid() {
		return errors.Wrapf(ErrInvalidCommand, "%s", kind)
	}

	if kind.SessionScoped() {
		sess, err := d.sessions.Lookup(session.ID(tx.cmd.Session))
		if err != nil {
			return err
		}
		sess.Touch(d.clock.Now())
		tx.sess = sess
	}

	log.Debug("%s session=%d addr=0x%x data=0x%x bytes=%d", kind, tx.cmd.Session,
		tx.cmd.Addr, tx.cmd.Data, tx.cmd.NumBytes)

	return d.handlers[kind](d, tx)
}

// reply sends the response record, once.
func (tx *transaction) reply() error {
	if tx.replied {
		return nil
	}
	tx.replied = true
	tx.err = protocol.WriteResponse(tx.conn, &tx.rsp)
	return tx.err
}

// ensureBound schedules the session if needed and returns its slot.
func (d *Dispatcher) ensureBound(sess *session.Session) (int, int, error) {
	if !sess.Bound() {
		if err := d.sched.Schedule(sess.ID()); err != nil {
			return -1, -1, err
		}
	}
	card, slot, _ := sess.Binding()
	return card, slot, nil
}

// readRegister performs a physical register read for the register queue.
func (d *Dispatcher) readRegister(id session.ID, addr uint64) (uint64, error) {
	sess, err := d.sessions.Lookup(id)
	if err != nil {
		return 0, err
	}
	card, slot, err := d.ensureBound(sess)
	if err != nil {
		return 0, err
	}
	value, err := d.port.ReadRegister(card, slot, addr)
	if err != nil {
		return 0, hwport.Wrap(err, "register read", card, slot)
	}
	return value, nil
}

// errorKind maps an error to the status reported to the client.
func errorKind(err error) protocol.ErrorKind {
	var (
		kind  protocol.ErrorKind
		hwErr *hwport.Error
	)

	switch {
	case err == nil:
		return protocol.Success
	case errors.As(err, &kind):
		return kind
	case errors.Is(err, session.ErrInvalidSession):
		return protocol.InvalidSession
	case errors.Is(err, session.ErrBufferBusy):
		return protocol.Retry
	case errors.Is(err, session.ErrAppTypeUnknown):
		return protocol.AppTypeUnknown
	case errors.Is(err, ErrMisaligned):
		return protocol.AlignmentFailure
	case errors.Is(err, ErrZeroSize):
		return protocol.ZeroSizeTransfer
	case errors.Is(err, ErrTooLarge), errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrNoBulkRead),
		errors.Is(err, regqueue.ErrNoResponseReady), errors.Is(err, regqueue.ErrNoPendingRead):
		return protocol.InvalidRequest
	case errors.Is(err, ErrNotBound):
		return protocol.QuiescenceUnavailable
	case errors.Is(err, hwport.ErrOutOfRange):
		return protocol.ProtectionFailure
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return protocol.Timeout
	case errors.As(err, &hwErr):
		return protocol.TransportFailure
	}

	return protocol.Unknown
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
