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

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/intel/accel-resmgr/pkg/config"
	logger "github.com/intel/accel-resmgr/pkg/log"
	"github.com/intel/accel-resmgr/pkg/resmgr"
)

var log = logger.Default()

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "accel-resmgr",
		Short: "Share FPGA accelerator cards among client sessions",
		Long: "accel-resmgr serves client sessions over a local socket, loading images onto " +
			"accelerator cards and binding sessions to slots as their application types require.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         runDaemon,
	}

	config.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newRunCmd(),
		newCatalogCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon (default)",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	logger.SetupDebugToggleSignal(syscall.SIGUSR1)
	logger.SetSlogLogger("slog")

	mgr, err := resmgr.NewResourceManager(cfg)
	if err != nil {
		return err
	}
	if err := mgr.Start(); err != nil {
		return err
	}
	defer mgr.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Wait(ctx); err != nil {
		log.Error("resource manager failed: %v", err)
		return err
	}

	return nil
}
