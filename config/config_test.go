// Copyright (c) 2022 The rcproxy Authors
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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aeredis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func Test_Load_ValidConfig(t *testing.T) {
	path := writeTemp(t, `
web_port: 9000
log_path: /tmp/aeredis
log_level: info
log_expire_day: 7
redis:
  loop_size: 128
  master:
    host: 127.0.0.1
    port: 6379
  slaves:
    - host: 127.0.0.1
      port: 6380
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.WebPort)
	assert.Equal(t, 128, cfg.Redis.LoopSize)
	assert.Equal(t, "127.0.0.1", cfg.Redis.Master.Host)
	assert.Len(t, cfg.Redis.Slaves, 1)
}

func Test_Load_DefaultsLoopSize(t *testing.T) {
	path := writeTemp(t, `
log_level: warn
redis:
  master:
    host: 127.0.0.1
    port: 6379
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Redis.LoopSize)
}

func Test_Load_RejectsUnknownLogLevel(t *testing.T) {
	path := writeTemp(t, `
log_level: verbose
redis:
  master:
    host: 127.0.0.1
    port: 6379
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func Test_Load_RejectsMissingMasterHost(t *testing.T) {
	path := writeTemp(t, `
log_level: info
redis:
  master:
    port: 6379
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func Test_Load_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
