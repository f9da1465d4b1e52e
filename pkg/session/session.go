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
	"fmt"
	"time"
)

// ID identifies a session. IDs are never reused.
type ID uint64

// NoID is never assigned to a session.
const NoID ID = 0

// Session is the daemon-side state of a client session.
type Session struct {
	id         ID
	appType    string
	bound      bool
	card       int
	slot       int
	created    time.Time
	lastAccess time.Time
	savedState bool

	Write *Buffer
	Read  *Buffer
}

// ID returns the session identifier.
func (s *Session) ID() ID { return s.id }

// AppType returns the application type the session was created for.
func (s *Session) AppType() string { return s.appType }

// Bound returns true if the session is bound to a slot.
func (s *Session) Bound() bool { return s.bound }

// Binding returns the card and slot of a bound session.
func (s *Session) Binding() (card, slot int, ok bool) {
	if !s.bound {
		return -1, -1, false
	}
	return s.card, s.slot, true
}

// Bind marks the session bound to the given slot.
func (s *Session) Bind(card, slot int, now time.Time) {
	s.bound = true
	s.card = card
	s.slot = slot
	s.lastAccess = now
}

// Unbind marks the session unbound.
func (s *Session) Unbind() {
	s.bound = false
	s.card = -1
	s.slot = -1
}

// Touch updates the last access time.
func (s *Session) Touch(now time.Time) {
	s.lastAccess = now
}

// Created returns the creation time of the session.
func (s *Session) Created() time.Time { return s.created }

// LastAccess returns the time the session was last used.
func (s *Session) LastAccess() time.Time { return s.lastAccess }

// HasSavedState returns true if device state was captured for the session
// when it was last evicted.
func (s *Session) HasSavedState() bool { return s.savedState }

// SetSavedState records whether device state was captured for the session.
func (s *Session) SetSavedState(saved bool) { s.savedState = saved }

func (id ID) String() string {
	return fmt.Sprintf("session#%d", uint64(id))
}

func (s *Session) String() string {
	if s.bound {
		return fmt.Sprintf("%s{%s@card%d/slot%d}", s.id, s.appType, s.card, s.slot)
	}
	return fmt.Sprintf("%s{%s,unbound}", s.id, s.appType)
}
