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

package session

import (
	"math/bits"
	"time"

	"github.com/pkg/errors"
)

// ErrBufferBusy is returned when a buffer with an outstanding transfer is requested.
var ErrBufferBusy = errors.New("session: buffer busy")

// Buffer is a bulk transfer staging buffer of a session.
type Buffer struct {
	data     []byte
	busy     bool
	valid    uint64
	addr     uint64
	enqueued time.Time
	complete bool
	err      error
}

func newBuffer(capacity uint64) *Buffer {
	return &Buffer{data: make([]byte, roundUpPow2(capacity))}
}

// Capacity returns the current buffer capacity.
func (b *Buffer) Capacity() uint64 {
	return uint64(len(b.data))
}

// EnsureCapacity makes sure the buffer can hold n bytes. If n is below the
// current capacity it does nothing, otherwise the buffer is reallocated to
// the smallest power of two not below n and its contents are dropped.
func (b *Buffer) EnsureCapacity(n uint64) {
	if n < b.Capacity() {
		return
	}
	b.data = make([]byte, roundUpPow2(n))
	b.valid = 0
}

// Reserve checks that the buffer is free and large enough for n bytes.
func (b *Buffer) Reserve(n uint64) error {
	if b.busy {
		return ErrBufferBusy
	}
	b.EnsureCapacity(n)
	return nil
}

// Enqueue records a pending transfer of n bytes at addr and marks the buffer busy.
func (b *Buffer) Enqueue(addr, n uint64, now time.Time) {
	b.addr = addr
	b.valid = n
	b.enqueued = now
	b.complete = false
	b.err = nil
	b.busy = true
}

// Clear resets the transfer state. The busy flag is left to Release.
func (b *Buffer) Clear() {
	b.valid = 0
	b.addr = 0
	b.enqueued = time.Time{}
	b.complete = false
	b.err = nil
}

// Release marks the buffer available for a new transfer.
func (b *Buffer) Release() {
	b.busy = false
}

// Complete marks the pending transfer finished, successfully if err is nil.
func (b *Buffer) Complete(err error) {
	b.complete = true
	b.err = err
}

// Fail records the failure of a transfer performed after the buffer was
// cleared. It is kept until the next Clear or Enqueue.
func (b *Buffer) Fail(err error) {
	b.err = err
}

// Busy returns true if the buffer has an outstanding transfer.
func (b *Buffer) Busy() bool { return b.busy }

// Completed returns true if the pending transfer has finished.
func (b *Buffer) Completed() bool { return b.complete }

// Err returns the failure of the last completed transfer, if any.
func (b *Buffer) Err() error { return b.err }

// Addr returns the device address of the pending transfer.
func (b *Buffer) Addr() uint64 { return b.addr }

// Len returns the number of valid bytes.
func (b *Buffer) Len() uint64 { return b.valid }

// EnqueueTime returns when the pending transfer was enqueued.
func (b *Buffer) EnqueueTime() time.Time { return b.enqueued }

// Bytes returns the valid part of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.valid]
}

func roundUpPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}
