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
	"io"

	"github.com/pkg/errors"

	"github.com/intel/accel-resmgr/pkg/hwport"
	"github.com/intel/accel-resmgr/pkg/protocol"
	"github.com/intel/accel-resmgr/pkg/session"
)

// handlerTable returns the handler of every command kind. Kinds the daemon
// only ever sends are rejected.
func handlerTable() [protocol.NumCommandKinds]handlerFunc {
	return [protocol.NumCommandKinds]handlerFunc{
		protocol.InitiateSession:           (*Dispatcher).initiateSession,
		protocol.EndSession:                (*Dispatcher).endSession,
		protocol.RegisterReadRequest:       (*Dispatcher).registerReadRequest,
		protocol.RegisterReadResponse:      (*Dispatcher).registerReadResponse,
		protocol.RegisterWriteRequest:      (*Dispatcher).registerWrite,
		protocol.RegisterWriteResponse:     (*Dispatcher).rejectCommand,
		protocol.BulkReadRequest:           (*Dispatcher).bulkReadRequest,
		protocol.BulkReadResponse:          (*Dispatcher).bulkReadResponse,
		protocol.BulkWriteRequest:          (*Dispatcher).bulkWriteRequest,
		protocol.BulkWriteResponse:         (*Dispatcher).rejectCommand,
		protocol.QuiescenceRequest:         (*Dispatcher).quiescenceRequest,
		protocol.QuiescenceRequestResponse: (*Dispatcher).rejectCommand,
		protocol.QuiescenceCheck:           (*Dispatcher).quiescenceCheck,
		protocol.QuiescenceCheckResponse:   (*Dispatcher).quiescenceCheck,
	}
}

func (d *Dispatcher) rejectCommand(tx *transaction) error {
	return errors.Wrapf(ErrInvalidCommand, "%s is not a request", tx.cmd.Kind)
}

func (d *Dispatcher) initiateSession(tx *transaction) error {
	sess, err := d.sessions.Create(tx.cmd.Text)
	if err != nil {
		return err
	}
	tx.rsp.Session = uint64(sess.ID())
	log.Info("created %s", sess)
	return nil
}

func (d *Dispatcher) endSession(tx *transaction) error {
	id := tx.sess.ID()
	if err := d.sched.Release(id); err != nil {
		log.Error("failed to release %s: %v", tx.sess, err)
	}
	d.regs.Drop(id)
	d.dropPending(id)
	log.Info("ended %s", tx.sess)
	return d.sessions.Remove(id)
}

func (d *Dispatcher) registerReadRequest(tx *transaction) error {
	if !hwport.Aligned(tx.cmd.Addr) {
		return errors.Wrapf(ErrMisaligned, "0x%x", tx.cmd.Addr)
	}
	return d.regs.Request(tx.sess.ID(), tx.cmd.Addr)
}

func (d *Dispatcher) registerReadResponse(tx *transaction) error {
	value, err := d.regs.Response(tx.sess.ID())
	if err != nil {
		return err
	}
	tx.rsp.Data = value
	return nil
}

func (d *Dispatcher) registerWrite(tx *transaction) error {
	if !hwport.Aligned(tx.cmd.Addr) {
		return errors.Wrapf(ErrMisaligned, "0x%x", tx.cmd.Addr)
	}
	card, slot, err := d.ensureBound(tx.sess)
	if err != nil {
		return err
	}
	err = d.port.WriteRegister(card, slot, tx.cmd.Addr, tx.cmd.Data)
	return hwport.Wrap(err, "register write", card, slot)
}

// checkTransfer validates the size of a bulk transfer.
func (d *Dispatcher) checkTransfer(n uint64) error {
	switch {
	case n == 0:
		return ErrZeroSize
	case n > d.maxTransfer:
		return errors.Wrapf(ErrTooLarge, "%d > %d bytes", n, d.maxTransfer)
	}
	return nil
}

// bulkWriteRequest acknowledges the request, then receives the payload into
// the write buffer and queues it for transfer to the device.
func (d *Dispatcher) bulkWriteRequest(tx *transaction) error {
	buf := tx.sess.Write
	if err := buf.Err(); err != nil && !buf.Busy() {
		buf.Clear()
		return errors.Wrap(err, "previous bulk write failed")
	}

	n := tx.cmd.NumBytes
	if err := d.checkTransfer(n); err != nil {
		return err
	}
	if err := buf.Reserve(n); err != nil {
		return err
	}
	if err := tx.reply(); err != nil {
		return err
	}

	buf.Enqueue(tx.cmd.Addr, n, d.clock.Now())
	if _, err := io.ReadFull(tx.conn, buf.Bytes()); err != nil {
		buf.Clear()
		buf.Release()
		tx.err = errors.Wrapf(err, "failed to receive %d bytes of %s", n, tx.sess)
		return tx.err
	}

	d.enqueue(tx.sess.ID(), pendingWrite)
	return nil
}

func (d *Dispatcher) bulkReadRequest(tx *transaction) error {
	n := tx.cmd.NumBytes
	if err := d.checkTransfer(n); err != nil {
		return err
	}
	buf := tx.sess.Read
	if err := buf.Reserve(n); err != nil {
		return err
	}
	buf.Enqueue(tx.cmd.Addr, n, d.clock.Now())
	d.enqueue(tx.sess.ID(), pendingRead)
	return nil
}

// bulkReadResponse delivers the data of an earlier bulk read request,
// completing the transfer first if it is still pending.
func (d *Dispatcher) bulkReadResponse(tx *transaction) error {
	buf := tx.sess.Read
	if !buf.Busy() {
		return errors.Wrapf(ErrNoBulkRead, "%s", tx.sess)
	}
	if !buf.Completed() {
		d.drainPending()
	}

	defer func() {
		buf.Clear()
		buf.Release()
	}()

	if err := buf.Err(); err != nil {
		return err
	}

	tx.rsp.NumBytes = buf.Len()
	if err := tx.reply(); err != nil {
		return err
	}
	if _, err := tx.conn.Write(buf.Bytes()); err != nil {
		tx.err = errors.Wrapf(err, "failed to send %d bytes to %s", buf.Len(), tx.sess)
		return tx.err
	}

	return nil
}

func (d *Dispatcher) quiescenceRequest(tx *transaction) error {
	card, slot, ok := tx.sess.Binding()
	if !ok {
		return errors.Wrapf(ErrNotBound, "%s", tx.sess)
	}
	err := d.port.WriteRegister(card, slot, hwport.QuiescenceRequestReg, 1)
	return hwport.Wrap(err, "quiescence request", card, slot)
}

func (d *Dispatcher) quiescenceCheck(tx *transaction) error {
	card, slot, ok := tx.sess.Binding()
	if !ok {
		return errors.Wrapf(ErrNotBound, "%s", tx.sess)
	}
	status, err := d.port.ReadRegister(card, slot, hwport.QuiescenceStatusReg)
	if err != nil {
		return hwport.Wrap(err, "quiescence check", card, slot)
	}
	if status != 0 {
		tx.rsp.Data = 1
	}
	return nil
}

func (d *Dispatcher) enqueue(id session.ID, kind pendingKind) {
	d.pending = append(d.pending, pendingOp{session: id, kind: kind})
	d.metrics.pendingOps(len(d.pending))
}

func (d *Dispatcher) dropPending(id session.ID) {
	kept := d.pending[:0]
	for _, op := range d.pending {
		if op.session != id {
			kept = append(kept, op)
		}
	}
	d.pending = kept
	d.metrics.pendingOps(len(d.pending))
}

// drainPending performs every queued bulk transfer in FIFO order, scheduling
// sessions that are not bound to a slot.
func (d *Dispatcher) drainPending() {
	for len(d.pending) > 0 {
		op := d.pending[0]
		d.pending = d.pending[1:]

		sess, err := d.sessions.Lookup(op.session)
		if err != nil {
			log.Debug("dropping bulk transfer of ended %s", op.session)
			continue
		}

		switch op.kind {
		case pendingWrite:
			d.flushWrite(sess)
		case pendingRead:
			d.fillRead(sess)
		}
	}
	d.pending = nil
	d.metrics.pendingOps(0)
}

// flushWrite performs a queued bulk write. A failure stays on the buffer
// and is reported to the next bulk write request of the session.
func (d *Dispatcher) flushWrite(sess *session.Session) {
	buf := sess.Write
	card, slot, err := d.ensureBound(sess)
	if err == nil {
		err = hwport.Wrap(d.port.BulkWrite(card, slot, buf.Addr(), buf.Bytes()),
			"bulk write", card, slot)
	}
	if err != nil {
		log.Error("bulk write of %d bytes at 0x%x for %s failed: %v",
			buf.Len(), buf.Addr(), sess, err)
	}

	buf.Clear()
	buf.Release()
	if err != nil {
		buf.Fail(err)
	}
}

func (d *Dispatcher) fillRead(sess *session.Session) {
	buf := sess.Read
	card, slot, err := d.ensureBound(sess)
	if err == nil {
		err = hwport.Wrap(d.port.BulkRead(card, slot, buf.Addr(), buf.Bytes()),
			"bulk read", card, slot)
	}
	if err != nil {
		log.Error("bulk read of %d bytes at 0x%x for %s failed: %v",
			buf.Len(), buf.Addr(), sess, err)
	}
	buf.Complete(err)
}
