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

package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	logger "github.com/intel/accel-resmgr/pkg/log"
)

// Slot is one fixed-function unit of an image.
type Slot struct {
	// ID is the index of the slot within its image.
	ID int `json:"slot_id" toml:"slot_id"`
	// AppType is the application type the slot serves.
	AppType string `json:"app_id" toml:"app_id"`
}

// Image is a loadable card configuration.
type Image struct {
	// ID identifies the image to the image loader.
	ID          string `json:"agfi" toml:"agfi"`
	Description string `json:"description,omitempty" toml:"description"`
	NumSlots    int    `json:"num_slots" toml:"num_slots"`
	Slots       []Slot `json:"slots" toml:"slots"`
}

// TypeCounts counts slots per application type.
type TypeCounts map[string]int

// Catalog is the ordered, deduplicated set of known images. Images are
// never modified or removed once added.
type Catalog struct {
	images []*Image
	byID   map[string]int
	size   atomic.Int64
}

var log = logger.Get("catalog")

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		byID: make(map[string]int),
	}
}

// Add validates the given images and appends the ones not yet known.
// Either all images are valid and considered for addition, or none are.
func (c *Catalog) Add(images ...*Image) (int, error) {
	if err := Validate(images...); err != nil {
		return 0, err
	}

	added := 0
	for _, img := range images {
		if _, ok := c.byID[img.ID]; ok {
			log.Debug("skipping duplicate image %s", img.ID)
			continue
		}
		c.byID[img.ID] = len(c.images)
		c.images = append(c.images, img)
		added++
	}
	c.size.Store(int64(len(c.images)))

	return added, nil
}

// Len returns the number of images in the catalog. It is safe to call
// concurrently with modifications.
func (c *Catalog) Len() int {
	return int(c.size.Load())
}

// ByIndex returns the image at the given catalog index.
func (c *Catalog) ByIndex(idx int) (*Image, bool) {
	if idx < 0 || idx >= len(c.images) {
		return nil, false
	}
	return c.images[idx], true
}

// ByID returns the image with the given identifier.
func (c *Catalog) ByID(id string) (*Image, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return c.images[idx], true
}

// Exists checks if an image with the given identifier is known.
func (c *Catalog) Exists(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// AppTypeExists checks if any image has a slot serving the application type.
func (c *Catalog) AppTypeExists(appType string) bool {
	for _, img := range c.images {
		if img.Serves(appType) {
			return true
		}
	}
	return false
}

// AllSatisfying returns the indices of images offering at least the given
// number of slots for every requested application type.
func (c *Catalog) AllSatisfying(need TypeCounts) []int {
	var indices []int
	for idx, img := range c.images {
		if img.TypeCounts().Covers(need) {
			indices = append(indices, idx)
		}
	}
	return indices
}

// BestReplacement returns the index of the image preferred for serving the
// given application type: the one with the most slots among images serving
// the type at all. Ties go to the image listed first.
func (c *Catalog) BestReplacement(appType string) (int, bool) {
	best, bestSlots := -1, 0
	for _, idx := range c.AllSatisfying(TypeCounts{appType: 1}) {
		if n := len(c.images[idx].Slots); best < 0 || n > bestSlots {
			best, bestSlots = idx, n
		}
	}
	return best, best >= 0
}

// Images returns the images in catalog order.
func (c *Catalog) Images() []*Image {
	return append([]*Image(nil), c.images...)
}

// SlotLayout returns the application type of each slot, keyed by slot index.
func (img *Image) SlotLayout() map[int]string {
	layout := make(map[int]string, len(img.Slots))
	for _, s := range img.Slots {
		layout[s.ID] = s.AppType
	}
	return layout
}

// TypeCounts returns the number of slots per application type.
func (img *Image) TypeCounts() TypeCounts {
	counts := make(TypeCounts)
	for _, s := range img.Slots {
		counts[s.AppType]++
	}
	return counts
}

// Serves checks if the image has at least one slot of the application type.
func (img *Image) Serves(appType string) bool {
	for _, s := range img.Slots {
		if s.AppType == appType {
			return true
		}
	}
	return false
}

func (img *Image) String() string {
	types := img.TypeCounts()
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, t)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, t := range names {
		parts = append(parts, fmt.Sprintf("%dx%s", types[t], t))
	}
	return fmt.Sprintf("%s{%s}", img.ID, strings.Join(parts, ","))
}

// Covers checks if tc has at least as many slots of each type as need.
func (tc TypeCounts) Covers(need TypeCounts) bool {
	for t, n := range need {
		if tc[t] < n {
			return false
		}
	}
	return true
}
