/*
Copyright 2026 Portcullis Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestCheckAndSetDefaults(t *testing.T) {
	dataDir := t.TempDir()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: true,
		},
		{
			name:    "data dir does not exist",
			mutate:  func(c *Config) { c.DataDir = filepath.Join(dataDir, "nope") },
			wantErr: true,
		},
		{
			name:    "missing db url",
			mutate:  func(c *Config) { c.DBURL = "" },
			wantErr: true,
		},
		{
			name:    "ssh port out of range",
			mutate:  func(c *Config) { c.SSHListenPort = 70000 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				DataDir:       dataDir,
				DBURL:         "postgres://localhost/portcullis",
				SSHListenPort: 22,
				RDPListenPort: 3389,
			}
			tt.mutate(&cfg)
			err := cfg.CheckAndSetDefaults()
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, trace.IsBadParameter(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, filepath.Join(dataDir, "host_key"), cfg.HostKeyPath())
			require.NotEmpty(t, cfg.AuditFallbackLog)
		})
	}
}
