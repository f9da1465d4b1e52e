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

//go:build !linux

package pci

import (
	"context"
	"fmt"
	"time"

	"github.com/intel/accel-resmgr/pkg/hwport"
)

// Runner runs an external command, returning its combined output.
type Runner func(ctx context.Context, argv []string) ([]byte, error)

// Option is an option for the PCI port.
type Option func()

func WithSysRoot(string) Option               { return func() {} }
func WithCommands(_, _ []string) Option       { return func() {} }
func WithLoadInterval(time.Duration) Option   { return func() {} }
func WithCommandTimeout(time.Duration) Option { return func() {} }
func WithRunner(Runner) Option                { return func() {} }

// New fails, PCI access is only supported on Linux.
func New(_ []string, _ ...Option) (hwport.Port, error) {
	return nil, fmt.Errorf("pci: hardware access is not supported on this platform")
}
