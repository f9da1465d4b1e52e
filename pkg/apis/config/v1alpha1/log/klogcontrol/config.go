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

package klogcontrol

import (
	"strconv"
)

// Config contains the klog backend settings we allow to be changed at runtime.
// Field names mirror the corresponding klog command line flags.
type Config struct {
	// +optional
	Verbosity *int `json:"v,omitempty"`
	// +optional
	Vmodule string `json:"vmodule,omitempty"`
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// +optional
	Skip_headers *bool `json:"skip_headers,omitempty"`
	// +optional
	Skip_log_headers *bool `json:"skip_log_headers,omitempty"`
	// +optional
	Log_file string `json:"log_file,omitempty"`
	// +optional
	Stderrthreshold string `json:"stderrthreshold,omitempty"`
}

// GetByFlag returns the value of the klog flag with the given name, if set.
func (c *Config) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	switch name {
	case "v":
		if c.Verbosity != nil {
			return strconv.Itoa(*c.Verbosity), true
		}
	case "vmodule":
		return c.Vmodule, c.Vmodule != ""
	case "logtostderr":
		return boolFlag(c.Logtostderr)
	case "alsologtostderr":
		return boolFlag(c.Alsologtostderr)
	case "skip_headers":
		return boolFlag(c.Skip_headers)
	case "skip_log_headers":
		return boolFlag(c.Skip_log_headers)
	case "log_file":
		return c.Log_file, c.Log_file != ""
	case "stderrthreshold":
		return c.Stderrthreshold, c.Stderrthreshold != ""
	}

	return "", false
}

func boolFlag(b *bool) (string, bool) {
	if b == nil {
		return "", false
	}
	return strconv.FormatBool(*b), true
}
