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

// Package scheduler places sessions into the slots of accelerator cards,
// swapping card images when no loaded image can serve a session.
package scheduler

import (
	"strings"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/intel/accel-resmgr/pkg/catalog"
	"github.com/intel/accel-resmgr/pkg/hwport"
	logger "github.com/intel/accel-resmgr/pkg/log"
	"github.com/intel/accel-resmgr/pkg/session"
)

var (
	// ErrNoFit is returned when no image can serve a session.
	ErrNoFit = errors.New("scheduler: no slot can serve application type")
	// ErrAlreadyBound is returned when scheduling a bound session.
	ErrAlreadyBound = errors.New("scheduler: session already bound")
	// ErrInconsistent is returned by Check for violated card invariants.
	ErrInconsistent = errors.New("scheduler: inconsistent state")
)

// Hooks capture and restore the device state of sessions moved between slots.
type Hooks interface {
	// Evacuate is called before a session is evicted from its slot. It
	// returns true if state was captured for a later Restore.
	Evacuate(s *session.Session, card, slot int) (bool, error)
	// Restore is called after a session with saved state is bound.
	Restore(s *session.Session, card, slot int) error
}

// Sessions looks up sessions by identifier.
type Sessions interface {
	Lookup(id session.ID) (*session.Session, error)
}

// Stats counts image and eviction activity.
type Stats struct {
	// Loads counts images loaded onto empty cards.
	Loads int
	// Swaps counts images replacing a loaded one.
	Swaps int
	// Evictions counts sessions removed from their slot to make room.
	Evictions int
}

// Scheduler tracks card state and binds sessions to slots.
type Scheduler struct {
	catalog  *catalog.Catalog
	sessions Sessions
	port     hwport.Port
	hooks    Hooks
	clock    clock.PassiveClock
	cards    []*Card
	stats    Stats
	metrics  *collector
}

// Option is an option for the Scheduler.
type Option func(*Scheduler)

// WithHooks sets the state capture hooks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) {
		s.hooks = h
	}
}

// WithClock sets the clock used for binding timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

var log = logger.Get("scheduler")

// New creates a scheduler for the cards reachable through port.
func New(cat *catalog.Catalog, sessions Sessions, port hwport.Port, options ...Option) *Scheduler {
	s := &Scheduler{
		catalog:  cat,
		sessions: sessions,
		port:     port,
		hooks:    nopHooks{},
		clock:    clock.RealClock{},
		metrics:  newCollector(),
	}
	for _, o := range options {
		o(s)
	}
	for i := 0; i < port.NumCards(); i++ {
		s.cards = append(s.cards, newCard(i))
	}
	return s
}

// Schedule binds an unbound session to a slot serving its application type.
func (s *Scheduler) Schedule(id session.ID) error {
	sess, err := s.sessions.Lookup(id)
	if err != nil {
		return err
	}
	if sess.Bound() {
		return errors.Wrapf(ErrAlreadyBound, "%s", sess)
	}

	appType := sess.AppType()
	log.Debug("scheduling %s", sess)

	if c := s.idleCard(); c != nil {
		idx, ok := s.catalog.BestReplacement(appType)
		if !ok {
			return errors.Wrapf(ErrNoFit, "%q", appType)
		}
		if err := s.swap(c, idx); err != nil {
			return err
		}
	}

	empty, occupied := s.findSlot(appType)
	switch {
	case empty != nil:
		return s.bind(sess, empty.card, empty.slot)
	case occupied != nil:
		if err := s.evict(occupied.card, occupied.slot); err != nil {
			return err
		}
		return s.bind(sess, occupied.card, occupied.slot)
	}

	victim := s.leastLoaded()
	idx, ok := s.catalog.BestReplacement(appType)
	if !ok || victim == nil {
		return errors.Wrapf(ErrNoFit, "%q", appType)
	}

	log.Info("no loaded image serves %q, replacing image of card %d", appType, victim.id)

	if err := s.evictAll(victim); err != nil {
		return err
	}
	if err := s.swap(victim, idx); err != nil {
		return err
	}
	for _, slot := range victim.slots() {
		if victim.appTypes[slot] == appType && victim.sessions[slot] == session.NoID {
			return s.bind(sess, victim, slot)
		}
	}

	return errors.Wrapf(ErrNoFit, "%q after replacing image of card %d", appType, victim.id)
}

// Release unbinds a session and resets its slot. Releasing an unbound
// session is a no-op.
func (s *Scheduler) Release(id session.ID) error {
	sess, err := s.sessions.Lookup(id)
	if err != nil {
		return err
	}
	card, slot, ok := sess.Binding()
	if !ok {
		return nil
	}
	c := s.cards[card]
	s.unbind(c, slot)
	return hwport.Wrap(s.port.ResetSlot(card, slot), "reset slot", card, slot)
}

// LoadDefaultImages loads the first catalog image on every card.
func (s *Scheduler) LoadDefaultImages() error {
	for _, c := range s.cards {
		if err := s.evictAll(c); err != nil {
			return err
		}
		if err := s.swap(c, 0); err != nil {
			return err
		}
	}
	return nil
}

// SwapImage replaces the image of a card with the catalog image at idx,
// unbinding every session on the card.
func (s *Scheduler) SwapImage(card, idx int) error {
	if card < 0 || card >= len(s.cards) {
		return errors.Wrapf(hwport.ErrNoCard, "card %d", card)
	}
	c := s.cards[card]
	if err := s.evictAll(c); err != nil {
		return err
	}
	return s.swap(c, idx)
}

// Card returns the card with the given index.
func (s *Scheduler) Card(idx int) (*Card, bool) {
	if idx < 0 || idx >= len(s.cards) {
		return nil, false
	}
	return s.cards[idx], true
}

// NumCards returns the number of cards.
func (s *Scheduler) NumCards() int {
	return len(s.cards)
}

// Stats returns image and eviction counters.
func (s *Scheduler) Stats() Stats {
	return s.stats
}

// Snapshot returns the current state of all cards.
func (s *Scheduler) Snapshot() []CardInfo {
	infos := make([]CardInfo, 0, len(s.cards))
	for _, c := range s.cards {
		infos = append(infos, c.info())
	}
	return infos
}

// Dump logs the state of all cards.
func (s *Scheduler) Dump(prefix string) {
	var b strings.Builder
	for _, c := range s.cards {
		b.WriteString(c.String())
		b.WriteString("\n")
	}
	log.InfoBlock(prefix, "%s", strings.TrimSuffix(b.String(), "\n"))
}

// Check verifies the card and binding invariants.
func (s *Scheduler) Check() error {
	seen := make(map[session.ID]bool)
	for _, c := range s.cards {
		if len(c.sessions) != len(c.appTypes) {
			return errors.Wrapf(ErrInconsistent, "card %d has %d session and %d app type slots",
				c.id, len(c.sessions), len(c.appTypes))
		}
		if c.image == nil && len(c.appTypes) != 0 {
			return errors.Wrapf(ErrInconsistent, "card %d has slots without an image", c.id)
		}
		for slot, id := range c.sessions {
			if id == session.NoID {
				continue
			}
			if seen[id] {
				return errors.Wrapf(ErrInconsistent, "%s bound to several slots", id)
			}
			seen[id] = true

			sess, err := s.sessions.Lookup(id)
			if err != nil {
				return errors.Wrapf(ErrInconsistent, "card %d slot %d: %v", c.id, slot, err)
			}
			card, bslot, ok := sess.Binding()
			if !ok || card != c.id || bslot != slot {
				return errors.Wrapf(ErrInconsistent, "%s does not know it is on card %d slot %d",
					sess, c.id, slot)
			}
			if sess.AppType() != c.appTypes[slot] {
				return errors.Wrapf(ErrInconsistent, "%s bound to %q slot", sess, c.appTypes[slot])
			}
		}
	}
	return nil
}

// idleCard returns the first card without an image, or else the first
// card with an image but no sessions.
func (s *Scheduler) idleCard() *Card {
	for _, c := range s.cards {
		if c.image == nil {
			return c
		}
	}
	for _, c := range s.cards {
		if c.Load() == 0 {
			return c
		}
	}
	return nil
}

type slotRef struct {
	card *Card
	slot int
	load int
}

// findSlot returns the best free slot serving appType and the best
// occupied one. Lower card load wins, earlier cards and slots win ties.
func (s *Scheduler) findSlot(appType string) (empty, occupied *slotRef) {
	for _, c := range s.cards {
		load := c.Load()
		for _, slot := range c.slots() {
			if c.appTypes[slot] != appType {
				continue
			}
			if c.sessions[slot] == session.NoID {
				if empty == nil || load < empty.load {
					empty = &slotRef{card: c, slot: slot, load: load}
				}
			} else if occupied == nil || load < occupied.load {
				occupied = &slotRef{card: c, slot: slot, load: load}
			}
		}
	}
	return empty, occupied
}

// leastLoaded returns the first card with the lowest load.
func (s *Scheduler) leastLoaded() *Card {
	var victim *Card
	for _, c := range s.cards {
		if victim == nil || c.Load() < victim.Load() {
			victim = c
		}
	}
	return victim
}

func (s *Scheduler) bind(sess *session.Session, c *Card, slot int) error {
	c.sessions[slot] = sess.ID()
	sess.Bind(c.id, slot, s.clock.Now())
	s.metrics.bound(c.id, c.Load())

	log.Info("bound %s", sess)

	if sess.HasSavedState() {
		if err := s.hooks.Restore(sess, c.id, slot); err != nil {
			return errors.Wrapf(err, "scheduler: failed to restore state of %s", sess.ID())
		}
		sess.SetSavedState(false)
	}

	return nil
}

func (s *Scheduler) unbind(c *Card, slot int) {
	id := c.sessions[slot]
	if id == session.NoID {
		return
	}
	c.sessions[slot] = session.NoID
	s.metrics.bound(c.id, c.Load())

	if sess, err := s.sessions.Lookup(id); err == nil {
		sess.Unbind()
		log.Info("unbound %s from card %d slot %d", id, c.id, slot)
	}
}

// evict unbinds the occupant of a slot, capturing its state, and resets the slot.
func (s *Scheduler) evict(c *Card, slot int) error {
	id := c.sessions[slot]
	if id == session.NoID {
		return nil
	}

	if sess, err := s.sessions.Lookup(id); err == nil {
		saved, err := s.hooks.Evacuate(sess, c.id, slot)
		if err != nil {
			return errors.Wrapf(err, "scheduler: failed to evacuate %s", id)
		}
		sess.SetSavedState(saved)
	}

	s.unbind(c, slot)
	s.stats.Evictions++
	s.metrics.evicted()

	return hwport.Wrap(s.port.ResetSlot(c.id, slot), "reset slot", c.id, slot)
}

func (s *Scheduler) evictAll(c *Card) error {
	for _, slot := range c.slots() {
		if err := s.evict(c, slot); err != nil {
			return err
		}
	}
	return nil
}

// swap replaces the image of an unoccupied card. An idle card already
// holding the requested image is left untouched.
func (s *Scheduler) swap(c *Card, idx int) error {
	img, ok := s.catalog.ByIndex(idx)
	if !ok {
		return errors.Errorf("scheduler: no image #%d in catalog", idx)
	}
	if c.Load() != 0 {
		return errors.Wrapf(ErrInconsistent, "swapping image of busy card %d", c.id)
	}
	if c.image == img {
		log.Debug("card %d already has image %s", c.id, img.ID)
		return nil
	}

	replacing := c.image != nil
	if replacing {
		log.Info("card %d: replacing image %s with %s", c.id, c.image.ID, img.ID)
	} else {
		log.Info("card %d: loading image %s", c.id, img.ID)
	}

	c.reset()
	s.metrics.bound(c.id, 0)

	if err := s.port.Detach(c.id); err != nil {
		return hwport.Wrap(err, "detach", c.id, -1)
	}
	if err := s.port.ClearImage(c.id); err != nil {
		return hwport.Wrap(err, "clear image", c.id, -1)
	}
	if err := s.port.LoadImage(c.id, img); err != nil {
		return hwport.Wrap(err, "load image "+img.ID, c.id, -1)
	}

	c.setImage(img)

	if err := s.port.Attach(c.id); err != nil {
		c.reset()
		return hwport.Wrap(err, "attach", c.id, -1)
	}

	if replacing {
		s.stats.Swaps++
	} else {
		s.stats.Loads++
	}
	s.metrics.loaded(c.id, img.ID, replacing)

	return nil
}

type nopHooks struct{}

func (nopHooks) Evacuate(*session.Session, int, int) (bool, error) { return false, nil }
func (nopHooks) Restore(*session.Session, int, int) error          { return nil }
