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
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

var (
	// ErrMalformed is returned for catalog entries failing validation.
	ErrMalformed = errors.New("catalog: malformed image")
	// ErrFormat is returned for catalog files of unknown format.
	ErrFormat = errors.New("catalog: unsupported file format")
)

// Format is a catalog file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// File is the on-disk representation of a catalog.
type File struct {
	Images []*Image `json:"images" toml:"images"`
}

// FormatOf returns the catalog format implied by a file name.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", "":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", errors.Wrapf(ErrFormat, "%q", path)
}

// Parse decodes catalog data in the given format and validates every image.
func Parse(data []byte, format Format) ([]*Image, error) {
	f := &File{}

	switch format {
	case FormatJSON, FormatYAML:
		// JSON is a subset of YAML.
		if err := yaml.UnmarshalStrict(data, f); err != nil {
			return nil, errors.Wrapf(err, "catalog: failed to parse %s", format)
		}
	case FormatTOML:
		dec := toml.NewDecoder(strings.NewReader(string(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(f); err != nil {
			return nil, errors.Wrap(err, "catalog: failed to parse toml")
		}
	default:
		return nil, errors.Wrapf(ErrFormat, "%q", format)
	}

	if err := Validate(f.Images...); err != nil {
		return nil, err
	}

	return f.Images, nil
}

// ReadFile reads and parses the given catalog file.
func ReadFile(path string) ([]*Image, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: failed to read file")
	}

	images, err := Parse(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %s", path)
	}

	return images, nil
}

// Load reads the given file and adds its images to the catalog. Images
// already present are skipped, so loading the same file again is a no-op.
func (c *Catalog) Load(path string) (int, error) {
	images, err := ReadFile(path)
	if err != nil {
		return 0, err
	}

	added, err := c.Add(images...)
	if err != nil {
		return 0, err
	}

	log.Info("loaded %d new images from %s (%d total)", added, path, c.Len())
	if log.DebugEnabled() {
		for idx, img := range c.images {
			log.Debug("  #%d: %s", idx, img)
		}
	}

	return added, nil
}

// Validate checks images for consistency, collecting all problems found.
func Validate(images ...*Image) error {
	var errs *multierror.Error

	for idx, img := range images {
		if img == nil {
			errs = multierror.Append(errs, malformed(idx, "", "empty entry"))
			continue
		}
		if img.ID == "" {
			errs = multierror.Append(errs, malformed(idx, "", "missing identifier"))
		}
		if img.NumSlots != len(img.Slots) {
			errs = multierror.Append(errs, malformed(idx, img.ID,
				"declares %d slots, lists %d", img.NumSlots, len(img.Slots)))
		}
		if len(img.Slots) == 0 {
			errs = multierror.Append(errs, malformed(idx, img.ID, "no slots"))
		}

		seen := make(map[int]bool, len(img.Slots))
		for _, s := range img.Slots {
			switch {
			case s.ID < 0 || s.ID >= len(img.Slots):
				errs = multierror.Append(errs, malformed(idx, img.ID, "slot id %d out of range", s.ID))
			case seen[s.ID]:
				errs = multierror.Append(errs, malformed(idx, img.ID, "duplicate slot id %d", s.ID))
			}
			seen[s.ID] = true
			if s.AppType == "" {
				errs = multierror.Append(errs, malformed(idx, img.ID, "slot %d has no app type", s.ID))
			}
		}
	}

	return errs.ErrorOrNil()
}

func malformed(idx int, id, format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformed, "image #%d %q: %s", idx, id, fmt.Sprintf(format, args...))
}
