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

// Package hwport defines how the daemon reaches accelerator hardware.
package hwport

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/intel/accel-resmgr/pkg/catalog"
)

// Well-known slot registers.
const (
	// QuiescenceStatusReg reads non-zero once a slot has drained.
	QuiescenceStatusReg = 0x1FF0
	// QuiescenceRequestReg asks a slot to drain when written with 1.
	QuiescenceRequestReg = 0x1FF8
)

// RegisterAlignment is the required alignment of register addresses.
const RegisterAlignment = 8

var (
	// ErrOutOfRange is returned for accesses outside a device window.
	ErrOutOfRange = errors.New("hwport: access out of range")
	// ErrNotAttached is returned for data path access to a detached card.
	ErrNotAttached = errors.New("hwport: card not attached")
	// ErrNoCard is returned for an invalid card index.
	ErrNoCard = errors.New("hwport: no such card")
)

// Port gives access to a set of accelerator cards.
type Port interface {
	// NumCards returns the number of cards reachable through the port.
	NumCards() int
	// Attach enables the data path interfaces of a card.
	Attach(card int) error
	// Detach disables the data path interfaces of a card.
	Detach(card int) error
	// ClearImage unloads the current image of a card.
	ClearImage(card int) error
	// LoadImage loads an image onto a card.
	LoadImage(card int, image *catalog.Image) error
	// ResetSlot resets the state of a slot before it is reassigned.
	ResetSlot(card, slot int) error
	// ReadRegister reads a 64-bit slot register.
	ReadRegister(card, slot int, addr uint64) (uint64, error)
	// WriteRegister writes a 64-bit slot register.
	WriteRegister(card, slot int, addr, value uint64) error
	// BulkWrite copies data to slot memory at addr.
	BulkWrite(card, slot int, addr uint64, data []byte) error
	// BulkRead fills data from slot memory at addr.
	BulkRead(card, slot int, addr uint64, data []byte) error
	// Close releases all resources of the port.
	Close() error
}

// Error is a failed hardware access.
type Error struct {
	Op   string
	Card int
	Slot int
	Err  error
}

// Wrap wraps a hardware access error, returning nil for a nil err.
func Wrap(err error, op string, card, slot int) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Card: card, Slot: slot, Err: err}
}

func (e *Error) Error() string {
	if e.Slot < 0 {
		return fmt.Sprintf("hwport: %s on card %d failed: %v", e.Op, e.Card, e.Err)
	}
	return fmt.Sprintf("hwport: %s on card %d slot %d failed: %v", e.Op, e.Card, e.Slot, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Aligned checks if addr is a valid register address.
func Aligned(addr uint64) bool {
	return addr%RegisterAlignment == 0
}
