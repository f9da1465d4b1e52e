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

// Package config assembles the daemon configuration from defaults, a
// configuration file, the environment and command line flags, in order
// of increasing precedence.
package config

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/intel/accel-resmgr/pkg/apis/config/v1alpha1"
	logger "github.com/intel/accel-resmgr/pkg/log"
)

const (
	// EnvPrefix is the prefix of environment variables overriding configuration.
	EnvPrefix = "ACCEL_RESMGR_"
	// ConfigFlag is the flag naming the configuration file.
	ConfigFlag = "config"
)

var (
	// ErrConfigFile is returned for configuration files that cannot be used.
	ErrConfigFile = errors.New("config: invalid configuration file")

	log = logger.Get("config")
)

type setting struct {
	key   string
	flag  string
	usage string
	kind  string
	apply func(*cfgapi.Config, *viper.Viper, string)
}

// settings can be overridden individually from the environment and the
// command line. The environment variable is the flag name upper-cased,
// with dashes replaced by underscores and EnvPrefix prepended.
var settings = []*setting{
	{
		key: "socketPath", flag: "socket", kind: "string",
		usage: "path of the socket clients connect to",
		apply: func(c *cfgapi.Config, v *viper.Viper, k string) { c.SocketPath = v.GetString(k) },
	},
	{
		key: "catalog.path", flag: "catalog", kind: "string",
		usage: "image catalog file (JSON, YAML or TOML)",
		apply: func(c *cfgapi.Config, v *viper.Viper, k string) { c.Catalog.Path = v.GetString(k) },
	},
	{
		key: "catalog.watch", flag: "watch-catalog", kind: "bool",
		usage: "reload the catalog when the file changes",
		apply: func(c *cfgapi.Config, v *viper.Viper, k string) { c.Catalog.Watch = v.GetBool(k) },
	},
	{
		key: "cards.count", flag: "cards", kind: "int",
		usage: "number of cards under management",
		apply: func(c *cfgapi.Config, v *viper.Viper, k string) { c.Cards.Count = v.GetInt(k) },
	},
	{
		key: "hardware.backend", flag: "backend", kind: "string",
		usage: "hardware access backend, simulated or pci",
		apply: func(c *cfgapi.Config, v *viper.Viper, k string) { c.Hardware.Backend = v.GetString(k) },
	},
	{
		key: "registerReads", flag: "register-reads", kind: "string",
		usage: "register read mode, eager or lazy",
		apply: func(c *cfgapi.Config, v *viper.Viper, k string) { c.RegisterReads = v.GetString(k) },
	},
	{
		key: "transactionTimeout", flag: "transaction-timeout", kind: "string",
		usage: "socket I/O timeout of a single transaction, 0 to disable",
		apply: func(c *cfgapi.Config, v *viper.Viper, k string) {
			c.TransactionTimeout = metav1.Duration{Duration: v.GetDuration(k)}
		},
	},
	{
		key: "instrumentation.httpEndpoint", flag: "http-endpoint", kind: "string",
		usage: "address serving metrics and health checks, empty to disable",
		apply: func(c *cfgapi.Config, v *viper.Viper, k string) {
			c.Instrumentation.HTTPEndpoint = v.GetString(k)
		},
	},
}

func newViper() *viper.Viper {
	return viper.NewWithOptions(viper.WithLogger(slog.New(log.SlogHandler())))
}

func envName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// AddFlags registers the configuration flags in fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(ConfigFlag, "", "configuration file (JSON, YAML or TOML) [$"+envName(ConfigFlag)+"]")
	for _, s := range settings {
		usage := s.usage + " [$" + envName(s.flag) + "]"
		switch s.kind {
		case "bool":
			fs.Bool(s.flag, false, usage)
		case "int":
			fs.Int(s.flag, 0, usage)
		default:
			fs.String(s.flag, "", usage)
		}
	}
}

// Path returns the configuration file named by flags or the environment.
func Path(fs *pflag.FlagSet) string {
	v := newViper()
	_ = v.BindEnv(ConfigFlag, envName(ConfigFlag))
	if fs != nil {
		if f := fs.Lookup(ConfigFlag); f != nil && f.Changed {
			_ = v.BindPFlag(ConfigFlag, f)
		}
	}
	return v.GetString(ConfigFlag)
}

// Load builds the configuration. Flags in fs that were not set on the
// command line do not override anything. A nil fs is allowed.
func Load(fs *pflag.FlagSet) (*cfgapi.Config, error) {
	cfg := cfgapi.Default()

	if path := Path(fs); path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyOverrides(cfg, fs); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decodeFile reads a configuration file over cfg.
func decodeFile(path string, cfg *cfgapi.Config) error {
	v := newViper()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(ErrConfigFile, "%s: %v", path, err)
	}

	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return errors.Wrapf(ErrConfigFile, "%s: %v", path, err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return errors.Wrapf(ErrConfigFile, "%s: %v", path, err)
	}

	log.Info("read configuration file %s", path)

	return nil
}

func applyOverrides(cfg *cfgapi.Config, fs *pflag.FlagSet) error {
	v := newViper()

	for _, s := range settings {
		if err := v.BindEnv(s.key, envName(s.flag)); err != nil {
			return errors.Wrapf(err, "config: failed to bind %s", envName(s.flag))
		}
		if fs == nil {
			continue
		}
		if f := fs.Lookup(s.flag); f != nil && f.Changed {
			if err := v.BindPFlag(s.key, f); err != nil {
				return errors.Wrapf(err, "config: failed to bind --%s", s.flag)
			}
		}
	}

	for _, s := range settings {
		if v.IsSet(s.key) {
			s.apply(cfg, v, s.key)
			log.Debug("%s overridden to %q", s.key, v.GetString(s.key))
		}
	}

	return nil
}

// Dump returns the configuration as YAML.
func Dump(cfg *cfgapi.Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", errors.Wrap(err, "config: failed to marshal configuration")
	}
	return string(data), nil
}
