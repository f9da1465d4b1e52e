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

package v1alpha1

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/intel/accel-resmgr/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/intel/accel-resmgr/pkg/apis/config/v1alpha1/log"
)

const (
	// Kind is the kind of our configuration documents.
	Kind = "AcceleratorManager"
	// APIVersion is the API version of our configuration documents.
	APIVersion = "config.accel-resmgr.intel.com/v1alpha1"

	// DefaultSocketPath is where clients find the daemon by default.
	DefaultSocketPath = "/run/accel-resmgr.sock"
	// DefaultTransactionTimeout bounds the I/O of a single client transaction.
	DefaultTransactionTimeout = 30 * time.Second
	// DefaultLoadInterval is the minimum spacing of image loads on a card.
	DefaultLoadInterval = 2 * time.Second
)

// Hardware access backends.
const (
	BackendSimulated = "simulated"
	BackendPCI       = "pci"
)

// Register read modes.
const (
	ReadsEager = "eager"
	ReadsLazy  = "lazy"
)

// Config is the configuration of the accelerator manager daemon.
type Config struct {
	metav1.TypeMeta `json:",inline"`
	// SocketPath is the path of the local socket clients connect to.
	// +optional
	SocketPath string `json:"socketPath,omitempty"`
	// Catalog configures the image catalog.
	Catalog CatalogConfig `json:"catalog"`
	// Cards lists the accelerator cards under management.
	// +optional
	Cards CardsConfig `json:"cards,omitempty"`
	// Hardware configures access to the cards.
	// +optional
	Hardware HardwareConfig `json:"hardware,omitempty"`
	// RegisterReads selects when physical register reads happen. In eager
	// mode a read is performed when requested, in lazy mode it is deferred
	// until the client asks for the value.
	// +optional
	// +kubebuilder:validation:Enum=eager;lazy
	RegisterReads string `json:"registerReads,omitempty"`
	// TransactionTimeout bounds the time a single client transaction may
	// spend on socket I/O. Zero disables the timeout.
	// +optional
	TransactionTimeout metav1.Duration `json:"transactionTimeout,omitempty"`
	// Buffers configures per-session bulk transfer buffers.
	// +optional
	Buffers BuffersConfig `json:"buffers,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// CatalogConfig configures the image catalog.
type CatalogConfig struct {
	// Path is the catalog file. JSON, YAML and TOML files are accepted.
	Path string `json:"path"`
	// Watch enables reloading the catalog when the file changes.
	// +optional
	Watch bool `json:"watch,omitempty"`
}

// CardsConfig describes the managed cards.
type CardsConfig struct {
	// Count is the number of cards. It is implied by Devices if those are
	// given and defaults to a single card otherwise.
	// +optional
	Count int `json:"count,omitempty"`
	// Devices lists the PCI addresses of the cards, in card index order.
	// +optional
	Devices []string `json:"devices,omitempty"`
}

// HardwareConfig configures the hardware access backend.
type HardwareConfig struct {
	// Backend is either simulated or pci.
	// +optional
	// +kubebuilder:validation:Enum=simulated;pci
	Backend string `json:"backend,omitempty"`
	// SysRoot is the root of the sysfs tree used to find PCI resources.
	// +optional
	SysRoot string `json:"sysRoot,omitempty"`
	// LoadCommand loads an image onto a card. The tokens {card} and {image}
	// are substituted.
	// +optional
	LoadCommand []string `json:"loadCommand,omitempty"`
	// ClearCommand clears the image of a card. The token {card} is substituted.
	// +optional
	ClearCommand []string `json:"clearCommand,omitempty"`
	// LoadInterval is the minimum time between two image operations on a card.
	// +optional
	LoadInterval metav1.Duration `json:"loadInterval,omitempty"`
	// LoadDefaultImage loads the first catalog image on every card at startup.
	// +optional
	LoadDefaultImage *bool `json:"loadDefaultImage,omitempty"`
}

// BuffersConfig configures bulk transfer buffers.
type BuffersConfig struct {
	// DefaultSize is the initial capacity of a session buffer.
	// +optional
	DefaultSize resource.Quantity `json:"defaultSize,omitempty"`
	// MaxTransfer is the largest single bulk transfer accepted.
	// +optional
	MaxTransfer resource.Quantity `json:"maxTransfer,omitempty"`
}

// Default returns a configuration with all defaults filled in.
func Default() *Config {
	loadDefault := true
	return &Config{
		TypeMeta: metav1.TypeMeta{
			Kind:       Kind,
			APIVersion: APIVersion,
		},
		SocketPath: DefaultSocketPath,
		Hardware: HardwareConfig{
			Backend:          BackendSimulated,
			SysRoot:          "/sys",
			LoadCommand:      []string{"fpga-load-local-image", "-S", "{card}", "-I", "{image}"},
			ClearCommand:     []string{"fpga-clear-local-image", "-S", "{card}"},
			LoadInterval:     metav1.Duration{Duration: DefaultLoadInterval},
			LoadDefaultImage: &loadDefault,
		},
		RegisterReads:      ReadsEager,
		TransactionTimeout: metav1.Duration{Duration: DefaultTransactionTimeout},
		Buffers: BuffersConfig{
			DefaultSize: resource.MustParse("1Mi"),
			MaxTransfer: resource.MustParse("1Gi"),
		},
		Instrumentation: instrumentation.Config{
			ShutdownTimeout: metav1.Duration{Duration: 5 * time.Second},
		},
	}
}

// NumCards returns the number of configured cards.
func (c *Config) NumCards() int {
	if n := len(c.Cards.Devices); n > 0 {
		return n
	}
	if c.Cards.Count == 0 {
		return 1
	}
	return c.Cards.Count
}

// LazyReads returns true if register reads are deferred.
func (c *Config) LazyReads() bool {
	return c.RegisterReads == ReadsLazy
}

// ShouldLoadDefaultImage returns true if cards get an image at startup.
func (c *Config) ShouldLoadDefaultImage() bool {
	return c.Hardware.LoadDefaultImage == nil || *c.Hardware.LoadDefaultImage
}

// Validate checks the configuration, reporting every problem found.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.SocketPath == "" {
		errs = multierror.Append(errs, configError("socketPath must be set"))
	}
	if c.Catalog.Path == "" {
		errs = multierror.Append(errs, configError("catalog.path must be set"))
	}
	if c.NumCards() < 1 {
		errs = multierror.Append(errs, configError("at least one card is needed, got %d", c.NumCards()))
	}
	if n := len(c.Cards.Devices); n > 0 && c.Cards.Count != 0 && c.Cards.Count != n {
		errs = multierror.Append(errs,
			configError("cards.count %d conflicts with %d cards.devices", c.Cards.Count, n))
	}

	switch c.Hardware.Backend {
	case BackendSimulated:
	case BackendPCI:
		if len(c.Cards.Devices) == 0 {
			errs = multierror.Append(errs, configError("pci backend needs cards.devices"))
		}
		if len(c.Hardware.LoadCommand) == 0 || len(c.Hardware.ClearCommand) == 0 {
			errs = multierror.Append(errs, configError("pci backend needs load and clear commands"))
		}
	default:
		errs = multierror.Append(errs, configError("invalid hardware.backend %q", c.Hardware.Backend))
	}

	switch c.RegisterReads {
	case ReadsEager, ReadsLazy:
	default:
		errs = multierror.Append(errs, configError("invalid registerReads %q", c.RegisterReads))
	}

	if c.TransactionTimeout.Duration < 0 {
		errs = multierror.Append(errs, configError("negative transactionTimeout %s",
			c.TransactionTimeout.Duration))
	}
	if c.Buffers.DefaultSize.Value() <= 0 {
		errs = multierror.Append(errs, configError("buffers.defaultSize must be positive"))
	}
	if c.Buffers.MaxTransfer.Cmp(c.Buffers.DefaultSize) < 0 {
		errs = multierror.Append(errs, configError("buffers.maxTransfer %s is below buffers.defaultSize %s",
			c.Buffers.MaxTransfer.String(), c.Buffers.DefaultSize.String()))
	}

	if r := c.Instrumentation.SamplingRatePerMillion; r < 0 || r > 1000000 {
		errs = multierror.Append(errs, configError("invalid samplingRatePerMillion %d", r))
	}

	return errs.ErrorOrNil()
}

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("config: "+format, args...)
}
