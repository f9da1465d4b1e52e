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

// Package regqueue queues register reads of sessions so that a read request
// and the response carrying its value can arrive in separate transactions.
package regqueue

import (
	"github.com/pkg/errors"

	logger "github.com/intel/accel-resmgr/pkg/log"
	"github.com/intel/accel-resmgr/pkg/session"
)

var (
	// ErrNoResponseReady is returned when no read result is pending.
	ErrNoResponseReady = errors.New("regqueue: no response ready")
	// ErrNoPendingRead is returned when no read address is pending.
	ErrNoPendingRead = errors.New("regqueue: no pending read")
)

// Mode selects when physical reads happen.
type Mode int

const (
	// Eager reads are performed when requested.
	Eager Mode = iota
	// Lazy reads are performed when their value is asked for.
	Lazy
)

func (m Mode) String() string {
	if m == Lazy {
		return "lazy"
	}
	return "eager"
}

// ReadFunc performs a physical register read on behalf of a session,
// scheduling the session first if necessary.
type ReadFunc func(id session.ID, addr uint64) (uint64, error)

// Queue holds the pending read addresses and read results of sessions.
type Queue struct {
	mode    Mode
	read    ReadFunc
	addrs   map[session.ID][]uint64
	results map[session.ID][]uint64
}

var log = logger.Get("regqueue")

// New creates a queue operating in the given mode.
func New(mode Mode, read ReadFunc) *Queue {
	return &Queue{
		mode:    mode,
		read:    read,
		addrs:   make(map[session.ID][]uint64),
		results: make(map[session.ID][]uint64),
	}
}

// Mode returns the mode of the queue.
func (q *Queue) Mode() Mode {
	return q.mode
}

// Request handles a read request. In eager mode the read is performed right
// away and its value queued, in lazy mode only the address is recorded.
func (q *Queue) Request(id session.ID, addr uint64) error {
	q.EnqueueAddress(id, addr)
	if q.mode == Lazy {
		log.Debug("%s: deferred read of 0x%x", id, addr)
		return nil
	}
	return q.execute(id)
}

// Response returns the value of the oldest outstanding read. In lazy mode
// this is where the physical read happens.
func (q *Queue) Response(id session.ID) (uint64, error) {
	if q.mode == Lazy {
		if err := q.execute(id); err != nil {
			return 0, err
		}
	}
	return q.PopResult(id)
}

// execute performs the oldest pending read and queues its result. The
// address is consumed even if the read fails.
func (q *Queue) execute(id session.ID) error {
	addr, err := q.DequeueAddress(id)
	if err != nil {
		return err
	}
	value, err := q.read(id, addr)
	if err != nil {
		return err
	}
	q.PushResult(id, value)
	return nil
}

// EnqueueAddress records a pending read.
func (q *Queue) EnqueueAddress(id session.ID, addr uint64) {
	q.addrs[id] = append(q.addrs[id], addr)
}

// DequeueAddress removes and returns the oldest pending read.
func (q *Queue) DequeueAddress(id session.ID) (uint64, error) {
	addrs := q.addrs[id]
	if len(addrs) == 0 {
		return 0, errors.Wrapf(ErrNoPendingRead, "%s", id)
	}
	addr := addrs[0]
	q.addrs[id] = trim(addrs)
	return addr, nil
}

// PushResult queues a read result.
func (q *Queue) PushResult(id session.ID, value uint64) {
	q.results[id] = append(q.results[id], value)
}

// PopResult removes and returns the oldest read result.
func (q *Queue) PopResult(id session.ID) (uint64, error) {
	results := q.results[id]
	if len(results) == 0 {
		return 0, errors.Wrapf(ErrNoResponseReady, "%s", id)
	}
	value := results[0]
	q.results[id] = trim(results)
	return value, nil
}

// Pending returns the number of pending addresses and results of a session.
func (q *Queue) Pending(id session.ID) (addrs, results int) {
	return len(q.addrs[id]), len(q.results[id])
}

// Drop forgets everything queued for a session.
func (q *Queue) Drop(id session.ID) {
	delete(q.addrs, id)
	delete(q.results, id)
}

func trim(q []uint64) []uint64 {
	if len(q) == 1 {
		return nil
	}
	return q[1:]
}
