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
	"flag"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	cfgapi "github.com/intel/accel-resmgr/pkg/apis/config/v1alpha1/log/klogcontrol"
)

// EnvPrefix prefixes environment variables carrying klog flag defaults.
const EnvPrefix = "ACCEL_RESMGR_KLOG_"

// Control adjusts klog flags at runtime.
type Control struct {
	flags *flag.FlagSet
}

var ctl = newControl(os.LookupEnv)

// Get returns the klog Control of the process.
func Get() *Control {
	return ctl
}

func newControl(lookupEnv func(string) (string, bool)) *Control {
	c := &Control{flags: flag.NewFlagSet("klog", flag.ContinueOnError)}
	c.flags.SetOutput(io.Discard)
	klog.InitFlags(c.flags)

	_, journald := lookupEnv("JOURNAL_STREAM")
	c.flags.VisitAll(func(f *flag.Flag) {
		env := EnvName(f.Name)
		value, ok := lookupEnv(env)
		switch {
		case ok:
			if err := f.Value.Set(value); err != nil {
				klog.Errorf("ignoring invalid klog default %s=%q: %v", env, value, err)
			}
		case journald && f.Name == "skip_headers":
			// journald timestamps entries itself
			_ = f.Value.Set("true")
		}
	})

	return c
}

// EnvName returns the environment variable holding the default of a klog flag.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// Configure sets every klog flag present in cfg, collecting all failures.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	if cfg == nil {
		return nil
	}

	var errs *multierror.Error
	for _, name := range c.Flags() {
		value, ok := cfg.GetByFlag(name)
		if !ok {
			continue
		}
		if current, _ := c.Value(name); current == value {
			continue
		}
		if err := c.flags.Set(name, value); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "klogcontrol: can't set %s=%q", name, value))
		}
	}

	return errs.ErrorOrNil()
}

// Value returns the current value of the named klog flag.
func (c *Control) Value(name string) (string, bool) {
	f := c.flags.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

// Flags returns the sorted names of the klog flags.
func (c *Control) Flags() []string {
	var names []string
	c.flags.VisitAll(func(f *flag.Flag) {
		names = append(names, f.Name)
	})
	sort.Strings(names)
	return names
}
