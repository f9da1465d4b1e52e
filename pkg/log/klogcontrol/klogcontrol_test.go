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
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/intel/accel-resmgr/pkg/apis/config/v1alpha1/log/klogcontrol"
)

func TestConfigure(t *testing.T) {
	verbosity := 3
	skip := true

	ctl := Get()
	require.NoError(t, ctl.Configure(&cfgapi.Config{
		Verbosity:    &verbosity,
		Skip_headers: &skip,
	}))

	v, ok := ctl.Value("v")
	require.True(t, ok)
	require.Equal(t, "3", v)

	v, ok = ctl.Value("skip_headers")
	require.True(t, ok)
	require.Equal(t, "true", v)

	_, ok = ctl.Value("no-such-flag")
	require.False(t, ok)

	require.Error(t, ctl.Configure(&cfgapi.Config{Stderrthreshold: "not-a-severity"}))
	require.NoError(t, ctl.Configure(nil))
}

func TestEnvironmentDefaults(t *testing.T) {
	tcases := []struct {
		name   string
		env    map[string]string
		flag   string
		expect string
	}{
		{
			name:   "verbosity from environment",
			env:    map[string]string{"ACCEL_RESMGR_KLOG_V": "4"},
			flag:   "v",
			expect: "4",
		},
		{
			name:   "journald turns headers off",
			env:    map[string]string{"JOURNAL_STREAM": "8:1234"},
			flag:   "skip_headers",
			expect: "true",
		},
		{
			name: "explicit setting wins over journald",
			env: map[string]string{
				"JOURNAL_STREAM":                 "8:1234",
				"ACCEL_RESMGR_KLOG_SKIP_HEADERS": "false",
			},
			flag:   "skip_headers",
			expect: "false",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c := newControl(func(name string) (string, bool) {
				v, ok := tc.env[name]
				return v, ok
			})
			v, ok := c.Value(tc.flag)
			require.True(t, ok)
			require.Equal(t, tc.expect, v)
		})
	}
}

func TestEnvName(t *testing.T) {
	require.Equal(t, "ACCEL_RESMGR_KLOG_SKIP_LOG_HEADERS", EnvName("skip_log_headers"))
	require.Contains(t, Get().Flags(), "vmodule")
}
