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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func image(id string, types ...string) *Image {
	img := &Image{ID: id, Description: id, NumSlots: len(types)}
	for i, t := range types {
		img.Slots = append(img.Slots, Slot{ID: i, AppType: t})
	}
	return img
}

func TestLoadFormats(t *testing.T) {
	c := New()

	added, err := c.Load("testdata/catalog.json")
	require.NoError(t, err)
	require.Equal(t, 2, added)

	added, err = c.Load("testdata/catalog.yaml")
	require.NoError(t, err)
	require.Equal(t, 1, added, "duplicate identifier must be skipped")

	added, err = c.Load("testdata/catalog.toml")
	require.NoError(t, err)
	require.Equal(t, 1, added)

	added, err = c.Load("testdata/catalog.json")
	require.NoError(t, err)
	require.Zero(t, added, "reloading must be idempotent")

	ids := []string{}
	for _, img := range c.Images() {
		ids = append(ids, img.ID)
	}
	require.Equal(t, []string{"agfi-memdrive-8", "agfi-mixed-4", "agfi-sha-2", "agfi-aes-2"}, ids)
	require.Equal(t, 4, c.Len())

	img, ok := c.ByID("agfi-mixed-4")
	require.True(t, ok)
	require.Equal(t, "two memory drives, two sha engines", img.Description, "first entry wins")
}

func TestLookups(t *testing.T) {
	c := New()
	_, err := c.Add(
		image("a", "X", "X", "Y"),
		image("b", "Y", "Y", "Y", "Y"),
		image("c", "Z"),
	)
	require.NoError(t, err)

	img, ok := c.ByIndex(1)
	require.True(t, ok)
	require.Equal(t, "b", img.ID)
	_, ok = c.ByIndex(3)
	require.False(t, ok)
	_, ok = c.ByIndex(-1)
	require.False(t, ok)

	require.True(t, c.Exists("c"))
	require.False(t, c.Exists("d"))
	require.True(t, c.AppTypeExists("Z"))
	require.False(t, c.AppTypeExists("W"))

	a, _ := c.ByID("a")
	require.Equal(t, map[int]string{0: "X", 1: "X", 2: "Y"}, a.SlotLayout())
	require.Equal(t, TypeCounts{"X": 2, "Y": 1}, a.TypeCounts())
	require.Equal(t, "a{2xX,1xY}", a.String())
}

func TestAllSatisfying(t *testing.T) {
	c := New()
	_, err := c.Add(
		image("a", "X", "X", "Y"),
		image("b", "Y", "Y", "Y", "Y"),
		image("c", "X", "Y", "Y"),
	)
	require.NoError(t, err)

	for _, tc := range []struct {
		name   string
		need   TypeCounts
		result []int
	}{
		{name: "nothing needed", need: TypeCounts{}, result: []int{0, 1, 2}},
		{name: "one X", need: TypeCounts{"X": 1}, result: []int{0, 2}},
		{name: "two X one Y", need: TypeCounts{"X": 2, "Y": 1}, result: []int{0}},
		{name: "two Y", need: TypeCounts{"Y": 2}, result: []int{1, 2}},
		{name: "unknown type", need: TypeCounts{"Q": 1}, result: nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.result, c.AllSatisfying(tc.need))
		})
	}
}

func TestBestReplacement(t *testing.T) {
	c := New()
	_, err := c.Add(
		image("small", "X", "Y"),
		image("large-1", "X", "X", "X", "Y"),
		image("large-2", "X", "X", "X", "X"),
		image("other", "Z", "Z", "Z", "Z", "Z"),
	)
	require.NoError(t, err)

	idx, ok := c.BestReplacement("X")
	require.True(t, ok)
	require.Equal(t, 1, idx, "largest image wins, first one on ties")

	idx, ok = c.BestReplacement("Y")
	require.True(t, ok)
	require.Equal(t, 1, idx)

	_, ok = c.BestReplacement("W")
	require.False(t, ok)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		images []*Image
		errors int
	}{
		{
			name:   "valid",
			images: []*Image{image("a", "X")},
		},
		{
			name:   "missing identifier",
			images: []*Image{image("", "X")},
			errors: 1,
		},
		{
			name: "slot count mismatch",
			images: []*Image{
				{ID: "a", NumSlots: 3, Slots: []Slot{{ID: 0, AppType: "X"}}},
			},
			errors: 1,
		},
		{
			name: "bad slot ids and app type",
			images: []*Image{
				{ID: "a", NumSlots: 3, Slots: []Slot{{ID: 0, AppType: "X"}, {ID: 0, AppType: "X"}, {ID: 5}}},
			},
			errors: 3,
		},
		{
			name:   "problems in several images",
			images: []*Image{image(""), nil},
			errors: 3,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.images...)
			if tc.errors == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrMalformed))
			type wrapped interface{ WrappedErrors() []error }
			require.Len(t, err.(wrapped).WrappedErrors(), tc.errors)
		})
	}
}

func TestMalformedFileIsRejected(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"images":[{"agfi":"x","num_slots":2,"slots":[]}]}`), 0o644))
	c := New()
	_, err := c.Load(bad)
	require.Error(t, err)
	require.Zero(t, c.Len())

	unknownField := filepath.Join(dir, "field.yaml")
	require.NoError(t, os.WriteFile(unknownField, []byte("images:\n- agfi: x\n  slotz: []\n"), 0o644))
	_, err = c.Load(unknownField)
	require.Error(t, err)

	_, err = c.Load(filepath.Join(dir, "catalog.ini"))
	require.True(t, errors.Is(err, ErrFormat))
}

func TestFormatsAgree(t *testing.T) {
	fromJSON, err := ReadFile("testdata/catalog.json")
	require.NoError(t, err)
	fromYAML, err := ReadFile("testdata/catalog.yaml")
	require.NoError(t, err)

	mixedJSON, mixedYAML := *fromJSON[1], *fromYAML[0]
	mixedYAML.Description = mixedJSON.Description
	if diff := cmp.Diff(mixedJSON, mixedYAML); diff != "" {
		t.Fatalf("json and yaml disagree (-json +yaml):\n%s", diff)
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"images":[]}`), 0o644))

	w, err := Watch(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(`{"images":[]}`), 0o644))

	select {
	case <-w.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification for catalog file")
	}
}
