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

package log

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	cfgapi "github.com/intel/accel-resmgr/pkg/apis/config/v1alpha1/log"
	"github.com/intel/accel-resmgr/pkg/log/klogcontrol"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// DebugEnv seeds the debug source map at startup.
	DebugEnv = "ACCEL_RESMGR_DEBUG"
	// SourceEnv turns on source prefixes at startup.
	SourceEnv = "ACCEL_RESMGR_LOG_SOURCE"
)

// srcmap maps logger sources, or "*" for all of them, to debug state.
type srcmap map[string]bool

// parse merges a comma-separated list of [state:]source entries into m.
// A state applies to the entries following it until the next state.
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = srcmap{}
	}

	enabled := true
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if state, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid debug entry %q", entry)
			}
			on, err := parseEnabled(state)
			if err != nil {
				return err
			}
			enabled, src = on, strings.TrimSpace(rest)
		}

		if src == "all" {
			src = "*"
		}
		(*m)[src] = enabled
	}

	return nil
}

// String returns m in the form accepted by parse.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	sort.Strings(on)
	sort.Strings(off)

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}
	return strings.Join(parts, ",")
}

func parseEnabled(state string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "on", "true", "enable", "enabled", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "0":
		return false, nil
	}
	return false, loggerError("invalid debug state %q", state)
}

// Configure applies the given logging configuration. A nil cfg resets
// debugging and source prefixes.
func Configure(cfg *cfgapi.Config) error {
	if cfg == nil {
		cfg = &cfgapi.Config{}
	}

	debug := srcmap{}
	for _, value := range cfg.Debug {
		if err := debug.parse(value); err != nil {
			return errors.Wrapf(err, "log: bad debug setting %q", value)
		}
	}

	// without klog headers the source is the only context a line has
	prefix := cfg.LogSource ||
		(isSet(cfg.Klog.Logtostderr) && isSet(cfg.Klog.Skip_headers))

	log.Lock()
	log.setDbgMap(debug)
	log.setPrefix(prefix)
	log.Unlock()

	deflog.Debug("logging configured: debug %q, source prefix %v", debug.String(), prefix)

	return klogcontrol.Get().Configure(&cfg.Klog)
}

func isSet(b *bool) bool {
	return b != nil && *b
}

func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(SourceEnv) != "",
	}
	if value, ok := os.LookupEnv(DebugEnv); ok {
		cfg.Debug = []string{value}
	}

	if err := Configure(cfg); err != nil {
		Default().Error("ignoring $%s: %v", DebugEnv, err)
		_ = Configure(&cfgapi.Config{LogSource: cfg.LogSource})
	}
}
