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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogJSON = `{"images": [
  {"agfi": "agfi-xy", "description": "one of each", "num_slots": 2,
   "slots": [{"slot_id": 0, "app_id": "X"}, {"slot_id": 1, "app_id": "Y"}]}
]}`

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	stdout, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "version: ")
	assert.Contains(t, stdout, "build: ")
}

func TestCatalogValidate(t *testing.T) {
	good := writeFile(t, "catalog.json", catalogJSON)
	stdout, err := executeCLI(t, "catalog", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, stdout, "1 images OK")

	bad := writeFile(t, "catalog.json", `{"images": [{"agfi": "", "num_slots": 0, "slots": []}]}`)
	_, err = executeCLI(t, "catalog", "validate", bad)
	require.Error(t, err)

	unknown := writeFile(t, "catalog.ini", catalogJSON)
	_, err = executeCLI(t, "catalog", "validate", unknown)
	require.Error(t, err)

	_, err = executeCLI(t, "catalog", "validate")
	require.Error(t, err)
}

func TestCatalogShow(t *testing.T) {
	path := writeFile(t, "catalog.json", catalogJSON)
	stdout, err := executeCLI(t, "catalog", "show", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "#0 agfi-xy{1xX,1xY}")
	assert.Contains(t, stdout, "one of each")
	assert.Contains(t, stdout, "slot 1: Y")
}

func TestConfig(t *testing.T) {
	path := writeFile(t, "catalog.json", catalogJSON)
	stdout, err := executeCLI(t, "config", "--catalog", path, "--cards", "3")
	require.NoError(t, err)
	assert.Contains(t, stdout, "path: "+path)
	assert.Contains(t, stdout, "count: 3")

	_, err = executeCLI(t, "config", "--cards", "3")
	require.Error(t, err)
}

func TestUnexpectedArguments(t *testing.T) {
	_, err := executeCLI(t, "bogus")
	require.Error(t, err)
}
