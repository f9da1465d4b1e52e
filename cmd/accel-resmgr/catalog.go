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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/intel/accel-resmgr/pkg/catalog"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect image catalog files",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate <file>",
			Short: "Check a catalog file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cat, err := readCatalog(args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d images OK\n", args[0], cat.Len())
				return err
			},
		},
		&cobra.Command{
			Use:   "show <file>",
			Short: "Print the images of a catalog file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cat, err := readCatalog(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for idx, img := range cat.Images() {
					if _, err := fmt.Fprintf(out, "#%d %s\n", idx, img); err != nil {
						return err
					}
					if img.Description != "" {
						fmt.Fprintf(out, "    %s\n", img.Description)
					}
					for _, s := range img.Slots {
						fmt.Fprintf(out, "    slot %d: %s\n", s.ID, s.AppType)
					}
				}
				return nil
			},
		},
	)

	return cmd
}

func readCatalog(path string) (*catalog.Catalog, error) {
	images, err := catalog.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cat := catalog.New()
	if _, err := cat.Add(images...); err != nil {
		return nil, err
	}

	return cat, nil
}
