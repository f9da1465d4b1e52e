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

package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/intel/accel-resmgr/pkg/catalog"
	"github.com/intel/accel-resmgr/pkg/session"
)

// Card is the scheduler's view of an accelerator card.
type Card struct {
	id       int
	image    *catalog.Image
	sessions map[int]session.ID
	appTypes map[int]string
}

func newCard(id int) *Card {
	return &Card{
		id:       id,
		sessions: make(map[int]session.ID),
		appTypes: make(map[int]string),
	}
}

// ID returns the index of the card.
func (c *Card) ID() int { return c.id }

// Image returns the image loaded on the card, or nil.
func (c *Card) Image() *catalog.Image { return c.image }

// Load returns the number of sessions bound to the card.
func (c *Card) Load() int {
	n := 0
	for _, id := range c.sessions {
		if id != session.NoID {
			n++
		}
	}
	return n
}

// Session returns the session bound to a slot, or session.NoID.
func (c *Card) Session(slot int) session.ID {
	return c.sessions[slot]
}

// AppType returns the application type of a slot.
func (c *Card) AppType(slot int) string {
	return c.appTypes[slot]
}

// NumSlots returns the number of slots of the loaded image.
func (c *Card) NumSlots() int {
	return len(c.appTypes)
}

// slots returns slot indices in ascending order.
func (c *Card) slots() []int {
	slots := make([]int, 0, len(c.appTypes))
	for slot := range c.appTypes {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

func (c *Card) reset() {
	c.image = nil
	c.sessions = make(map[int]session.ID)
	c.appTypes = make(map[int]string)
}

func (c *Card) setImage(img *catalog.Image) {
	c.image = img
	c.sessions = make(map[int]session.ID, len(img.Slots))
	c.appTypes = img.SlotLayout()
	for slot := range c.appTypes {
		c.sessions[slot] = session.NoID
	}
}

func (c *Card) String() string {
	if c.image == nil {
		return fmt.Sprintf("card%d{empty}", c.id)
	}
	slots := make([]string, 0, len(c.appTypes))
	for _, slot := range c.slots() {
		occupant := "-"
		if id := c.sessions[slot]; id != session.NoID {
			occupant = fmt.Sprintf("%d", uint64(id))
		}
		slots = append(slots, fmt.Sprintf("%d:%s=%s", slot, c.appTypes[slot], occupant))
	}
	return fmt.Sprintf("card%d{%s: %s}", c.id, c.image.ID, strings.Join(slots, " "))
}

// SlotInfo describes a slot in a Snapshot.
type SlotInfo struct {
	AppType string
	Session session.ID
}

// CardInfo describes a card in a Snapshot.
type CardInfo struct {
	ID    int
	Image string
	Slots []SlotInfo
}

func (c *Card) info() CardInfo {
	ci := CardInfo{ID: c.id}
	if c.image == nil {
		return ci
	}
	ci.Image = c.image.ID
	for _, slot := range c.slots() {
		ci.Slots = append(ci.Slots, SlotInfo{AppType: c.appTypes[slot], Session: c.sessions[slot]})
	}
	return ci
}
