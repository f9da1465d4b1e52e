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

// Package simulated implements an in-memory hardware port. Registers and
// slot memory behave like plain storage, which makes it suitable for
// running the daemon without cards and for testing.
package simulated

import (
	"fmt"
	"sync"

	"github.com/intel/accel-resmgr/pkg/catalog"
	"github.com/intel/accel-resmgr/pkg/hwport"
	logger "github.com/intel/accel-resmgr/pkg/log"
)

// Operation kinds recorded in the history.
const (
	OpAttach = "attach"
	OpDetach = "detach"
	OpClear  = "clear"
	OpLoad   = "load"
	OpReset  = "reset"
	OpRead   = "read"
	OpWrite  = "write"
	OpBulkWr = "bulk-write"
	OpBulkRd = "bulk-read"
)

const pageSize = 4096

// Op is a recorded hardware operation.
type Op struct {
	Kind  string
	Card  int
	Slot  int
	Addr  uint64
	Size  int
	Image string
}

// Port is an in-memory hardware port.
type Port struct {
	sync.Mutex
	cards   []*card
	history []Op
	faults  map[string]error
}

type card struct {
	image    *catalog.Image
	attached bool
	regs     map[int]map[uint64]uint64
	mem      map[int]map[uint64][]byte
}

var _ hwport.Port = &Port{}

var log = logger.Get("simulated")

// New creates a simulated port with the given number of empty cards.
func New(numCards int) *Port {
	p := &Port{
		faults: make(map[string]error),
	}
	for i := 0; i < numCards; i++ {
		p.cards = append(p.cards, &card{})
	}
	return p
}

// NumCards returns the number of simulated cards.
func (p *Port) NumCards() int {
	return len(p.cards)
}

// Attach enables data path access to a card.
func (p *Port) Attach(idx int) error {
	p.Lock()
	defer p.Unlock()

	c, err := p.op(Op{Kind: OpAttach, Card: idx, Slot: -1})
	if err != nil {
		return err
	}
	if c.image == nil {
		return fmt.Errorf("no image loaded")
	}
	c.attached = true
	return nil
}

// Detach disables data path access to a card.
func (p *Port) Detach(idx int) error {
	p.Lock()
	defer p.Unlock()

	c, err := p.op(Op{Kind: OpDetach, Card: idx, Slot: -1})
	if err != nil {
		return err
	}
	c.attached = false
	return nil
}

// ClearImage unloads the image of a card, wiping all slot state.
func (p *Port) ClearImage(idx int) error {
	p.Lock()
	defer p.Unlock()

	c, err := p.op(Op{Kind: OpClear, Card: idx, Slot: -1})
	if err != nil {
		return err
	}
	c.image = nil
	c.attached = false
	c.regs = nil
	c.mem = nil
	return nil
}

// LoadImage loads an image onto a card.
func (p *Port) LoadImage(idx int, image *catalog.Image) error {
	p.Lock()
	defer p.Unlock()

	c, err := p.op(Op{Kind: OpLoad, Card: idx, Slot: -1, Image: image.ID})
	if err != nil {
		return err
	}
	if c.image != nil {
		return fmt.Errorf("card busy with image %s", c.image.ID)
	}
	c.image = image
	c.regs = make(map[int]map[uint64]uint64)
	c.mem = make(map[int]map[uint64][]byte)
	log.Debug("card %d: loaded image %s", idx, image)
	return nil
}

// ResetSlot wipes the registers and memory of a slot.
func (p *Port) ResetSlot(idx, slot int) error {
	p.Lock()
	defer p.Unlock()

	c, err := p.op(Op{Kind: OpReset, Card: idx, Slot: slot})
	if err != nil {
		return err
	}
	if c.image != nil {
		delete(c.regs, slot)
		delete(c.mem, slot)
	}
	return nil
}

// ReadRegister reads a slot register. Unwritten registers read as zero.
func (p *Port) ReadRegister(idx, slot int, addr uint64) (uint64, error) {
	p.Lock()
	defer p.Unlock()

	c, err := p.slotOp(Op{Kind: OpRead, Card: idx, Slot: slot, Addr: addr, Size: 8})
	if err != nil {
		return 0, err
	}
	return c.regs[slot][addr], nil
}

// WriteRegister writes a slot register. Requesting quiescence drains the
// slot immediately.
func (p *Port) WriteRegister(idx, slot int, addr, value uint64) error {
	p.Lock()
	defer p.Unlock()

	c, err := p.slotOp(Op{Kind: OpWrite, Card: idx, Slot: slot, Addr: addr, Size: 8})
	if err != nil {
		return err
	}
	regs, ok := c.regs[slot]
	if !ok {
		regs = make(map[uint64]uint64)
		c.regs[slot] = regs
	}
	regs[addr] = value
	if addr == hwport.QuiescenceRequestReg && value == 1 {
		regs[hwport.QuiescenceStatusReg] = 1
	}
	return nil
}

// BulkWrite copies data into slot memory.
func (p *Port) BulkWrite(idx, slot int, addr uint64, data []byte) error {
	p.Lock()
	defer p.Unlock()

	c, err := p.slotOp(Op{Kind: OpBulkWr, Card: idx, Slot: slot, Addr: addr, Size: len(data)})
	if err != nil {
		return err
	}
	mem, ok := c.mem[slot]
	if !ok {
		mem = make(map[uint64][]byte)
		c.mem[slot] = mem
	}
	for len(data) > 0 {
		base, off := addr/pageSize, addr%pageSize
		page, ok := mem[base]
		if !ok {
			page = make([]byte, pageSize)
			mem[base] = page
		}
		n := copy(page[off:], data)
		data = data[n:]
		addr += uint64(n)
	}
	return nil
}

// BulkRead copies slot memory into data. Unwritten memory reads as zero.
func (p *Port) BulkRead(idx, slot int, addr uint64, data []byte) error {
	p.Lock()
	defer p.Unlock()

	c, err := p.slotOp(Op{Kind: OpBulkRd, Card: idx, Slot: slot, Addr: addr, Size: len(data)})
	if err != nil {
		return err
	}
	mem := c.mem[slot]
	for len(data) > 0 {
		base, off := addr/pageSize, addr%pageSize
		chunk := data[:min(uint64(len(data)), pageSize-off)]
		if page, ok := mem[base]; ok {
			copy(chunk, page[off:])
		} else {
			clear(chunk)
		}
		data = data[len(chunk):]
		addr += uint64(len(chunk))
	}
	return nil
}

// Close is a no-op.
func (p *Port) Close() error {
	return nil
}

// Fail makes the next operation of the given kind fail with err.
func (p *Port) Fail(kind string, err error) {
	p.Lock()
	defer p.Unlock()
	p.faults[kind] = err
}

// History returns the operations performed so far.
func (p *Port) History() []Op {
	p.Lock()
	defer p.Unlock()
	return append([]Op(nil), p.history...)
}

// Count returns the number of operations of the given kind performed.
func (p *Port) Count(kind string) int {
	p.Lock()
	defer p.Unlock()

	n := 0
	for _, op := range p.history {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Image returns the identifier of the image loaded on a card.
func (p *Port) Image(idx int) string {
	p.Lock()
	defer p.Unlock()

	if idx < 0 || idx >= len(p.cards) || p.cards[idx].image == nil {
		return ""
	}
	return p.cards[idx].image.ID
}

func (p *Port) op(op Op) (*card, error) {
	if op.Card < 0 || op.Card >= len(p.cards) {
		return nil, hwport.ErrNoCard
	}
	if err, ok := p.faults[op.Kind]; ok {
		delete(p.faults, op.Kind)
		return nil, err
	}
	p.history = append(p.history, op)
	return p.cards[op.Card], nil
}

func (p *Port) slotOp(op Op) (*card, error) {
	c, err := p.op(op)
	if err != nil {
		return nil, err
	}
	if !c.attached {
		return nil, hwport.ErrNotAttached
	}
	if op.Slot < 0 || op.Slot >= len(c.image.Slots) {
		return nil, hwport.ErrOutOfRange
	}
	return c, nil
}
