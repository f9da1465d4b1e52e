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

//go:build linux

// Package pci implements hardware access to accelerator cards through
// their memory-mapped PCI BARs. Images are loaded and cleared with
// external vendor tools.
package pci

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/intel/accel-resmgr/pkg/catalog"
	"github.com/intel/accel-resmgr/pkg/hwport"
	logger "github.com/intel/accel-resmgr/pkg/log"
)

const (
	// registerBAR holds the slot control registers.
	registerBAR = "resource1"
	// bulkBAR is the window for bulk slot memory access.
	bulkBAR = "resource4"

	// slotShift positions the slot index within a register offset.
	slotShift = 13
	// registerMask is the size of the register window of a card.
	registerMask = 0xFFFF
	// bulkSlotShift positions the slot index within a bulk offset.
	bulkSlotShift = 32

	cardToken  = "{card}"
	imageToken = "{image}"

	defaultCommandTimeout = 2 * time.Minute
)

// Runner runs an external command, returning its combined output.
type Runner func(ctx context.Context, argv []string) ([]byte, error)

// Option is an option for the PCI port.
type Option func(*Port)

// Port accesses cards through sysfs PCI resource files.
type Port struct {
	sysRoot      string
	loadCommand  []string
	clearCommand []string
	interval     time.Duration
	timeout      time.Duration
	run          Runner
	cards        []*card
}

type card struct {
	idx     int
	device  string
	regs    []byte
	bulk    []byte
	limiter *rate.Limiter
}

var _ hwport.Port = &Port{}

var log = logger.Get("pci")

// WithSysRoot sets the root of the sysfs tree.
func WithSysRoot(path string) Option {
	return func(p *Port) {
		p.sysRoot = path
	}
}

// WithCommands sets the image load and clear commands.
func WithCommands(load, clear []string) Option {
	return func(p *Port) {
		p.loadCommand = load
		p.clearCommand = clear
	}
}

// WithLoadInterval sets the minimum time between image operations on a card.
func WithLoadInterval(interval time.Duration) Option {
	return func(p *Port) {
		p.interval = interval
	}
}

// WithCommandTimeout bounds the runtime of image commands.
func WithCommandTimeout(timeout time.Duration) Option {
	return func(p *Port) {
		p.timeout = timeout
	}
}

// WithRunner overrides how external commands are run.
func WithRunner(run Runner) Option {
	return func(p *Port) {
		p.run = run
	}
}

// New creates a port for the cards at the given PCI addresses.
func New(devices []string, options ...Option) (*Port, error) {
	p := &Port{
		sysRoot: "/sys",
		timeout: defaultCommandTimeout,
		run:     execRunner,
	}
	for _, o := range options {
		o(p)
	}

	if len(p.loadCommand) == 0 || len(p.clearCommand) == 0 {
		return nil, pciError("image load and clear commands must be set")
	}

	limit := rate.Inf
	if p.interval > 0 {
		limit = rate.Every(p.interval)
	}

	for idx, dev := range devices {
		dir := p.devicePath(dev)
		if _, err := os.Stat(filepath.Join(dir, registerBAR)); err != nil {
			return nil, errors.Wrapf(err, "pci: card %d (%s) has no register BAR", idx, dev)
		}
		p.cards = append(p.cards, &card{
			idx:     idx,
			device:  dev,
			limiter: rate.NewLimiter(limit, 1),
		})
		log.Info("card %d: PCI device %s", idx, dev)
	}

	return p, nil
}

// NumCards returns the number of cards.
func (p *Port) NumCards() int {
	return len(p.cards)
}

// Attach maps the BARs of a card.
func (p *Port) Attach(idx int) error {
	c, err := p.card(idx)
	if err != nil {
		return err
	}
	if c.regs != nil {
		return nil
	}

	dir := p.devicePath(c.device)
	regs, err := mapResource(filepath.Join(dir, registerBAR), true)
	if err != nil {
		return err
	}
	bulk, err := mapResource(filepath.Join(dir, bulkBAR), false)
	if err != nil {
		unix.Munmap(regs)
		return err
	}

	c.regs, c.bulk = regs, bulk
	log.Debug("card %d: attached, %d bytes of registers, %d bytes of bulk window",
		idx, len(regs), len(bulk))

	return nil
}

// Detach unmaps the BARs of a card.
func (p *Port) Detach(idx int) error {
	c, err := p.card(idx)
	if err != nil {
		return err
	}

	var errs []error
	if c.regs != nil {
		errs = append(errs, unix.Munmap(c.regs))
	}
	if c.bulk != nil {
		errs = append(errs, unix.Munmap(c.bulk))
	}
	c.regs, c.bulk = nil, nil

	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "pci: munmap failed")
		}
	}
	return nil
}

// ClearImage runs the image clear command for a card.
func (p *Port) ClearImage(idx int) error {
	c, err := p.card(idx)
	if err != nil {
		return err
	}
	return p.command(c, p.clearCommand, "")
}

// LoadImage runs the image load command for a card.
func (p *Port) LoadImage(idx int, image *catalog.Image) error {
	c, err := p.card(idx)
	if err != nil {
		return err
	}
	return p.command(c, p.loadCommand, image.ID)
}

// ResetSlot does nothing, slots have no reset control.
func (p *Port) ResetSlot(idx, slot int) error {
	_, err := p.card(idx)
	return err
}

// ReadRegister reads a 64-bit register as two 32-bit accesses, low word first.
func (p *Port) ReadRegister(idx, slot int, addr uint64) (uint64, error) {
	c, off, err := p.register(idx, slot, addr)
	if err != nil {
		return 0, err
	}
	lo := atomic.LoadUint32(word(c.regs, off))
	hi := atomic.LoadUint32(word(c.regs, off+4))
	return uint64(hi)<<32 | uint64(lo), nil
}

// WriteRegister writes a 64-bit register as two 32-bit accesses, low word first.
func (p *Port) WriteRegister(idx, slot int, addr, value uint64) error {
	c, off, err := p.register(idx, slot, addr)
	if err != nil {
		return err
	}
	atomic.StoreUint32(word(c.regs, off), uint32(value))
	atomic.StoreUint32(word(c.regs, off+4), uint32(value>>32))
	return nil
}

// BulkWrite copies data into the bulk window of a slot.
func (p *Port) BulkWrite(idx, slot int, addr uint64, data []byte) error {
	window, err := p.bulkWindow(idx, slot, addr, len(data))
	if err != nil {
		return err
	}
	copy(window, data)
	return nil
}

// BulkRead copies data from the bulk window of a slot.
func (p *Port) BulkRead(idx, slot int, addr uint64, data []byte) error {
	window, err := p.bulkWindow(idx, slot, addr, len(data))
	if err != nil {
		return err
	}
	copy(data, window)
	return nil
}

// Close detaches all cards.
func (p *Port) Close() error {
	var first error
	for idx := range p.cards {
		if err := p.Detach(idx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *Port) devicePath(dev string) string {
	return filepath.Join(p.sysRoot, "bus", "pci", "devices", dev)
}

func (p *Port) card(idx int) (*card, error) {
	if idx < 0 || idx >= len(p.cards) {
		return nil, hwport.ErrNoCard
	}
	return p.cards[idx], nil
}

func (p *Port) register(idx, slot int, addr uint64) (*card, uint64, error) {
	c, err := p.card(idx)
	if err != nil {
		return nil, 0, err
	}
	if c.regs == nil {
		return nil, 0, hwport.ErrNotAttached
	}
	if !hwport.Aligned(addr) {
		return nil, 0, pciError("misaligned register address 0x%x", addr)
	}
	if slot < 0 || addr >= 1<<slotShift {
		return nil, 0, errors.Wrapf(hwport.ErrOutOfRange, "slot %d register 0x%x", slot, addr)
	}

	off := (uint64(slot)<<slotShift | addr) & registerMask
	if off+8 > uint64(len(c.regs)) {
		return nil, 0, errors.Wrapf(hwport.ErrOutOfRange, "register offset 0x%x", off)
	}
	return c, off, nil
}

func (p *Port) bulkWindow(idx, slot int, addr uint64, size int) ([]byte, error) {
	c, err := p.card(idx)
	if err != nil {
		return nil, err
	}
	if c.bulk == nil {
		return nil, hwport.ErrNotAttached
	}
	if slot < 0 || addr >= 1<<bulkSlotShift {
		return nil, errors.Wrapf(hwport.ErrOutOfRange, "slot %d bulk address 0x%x", slot, addr)
	}

	off := uint64(slot)<<bulkSlotShift | addr
	end := off + uint64(size)
	if end < off || end > uint64(len(c.bulk)) {
		return nil, errors.Wrapf(hwport.ErrOutOfRange, "bulk window 0x%x-0x%x", off, end)
	}
	return c.bulk[off:end], nil
}

func (p *Port) command(c *card, template []string, image string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "pci: card %d image operation throttled", c.idx)
	}

	argv := make([]string, 0, len(template))
	for _, arg := range template {
		arg = strings.ReplaceAll(arg, cardToken, strconv.Itoa(c.idx))
		arg = strings.ReplaceAll(arg, imageToken, image)
		argv = append(argv, arg)
	}

	log.Info("card %d: running %s", c.idx, strings.Join(argv, " "))

	out, err := p.run(ctx, argv)
	if err != nil {
		return errors.Wrapf(err, "pci: %s failed: %s", argv[0], strings.TrimSpace(string(out)))
	}
	return nil
}

func execRunner(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}

func mapResource(path string, required bool) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		if !required && os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "pci: failed to open %s", path)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "pci: failed to stat %s", path)
	}
	if st.Size() == 0 {
		return nil, pciError("empty resource %s", path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "pci: failed to mmap %s", path)
	}
	return mem, nil
}

func word(mem []byte, off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

func pciError(format string, args ...interface{}) error {
	return errors.Errorf("pci: "+format, args...)
}
