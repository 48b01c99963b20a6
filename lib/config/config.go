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

// Package config loads gateway configuration from the environment.
package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/sethvargo/go-envconfig"

	"github.com/pawelmojski/portcullis/lib/defaults"
)

// Config is the full runtime configuration of the gateway. All knobs
// come from the environment; there is no config file.
type Config struct {
	// DataDir holds the host key, TLS materials and recordings.
	DataDir string `env:"DATA_DIR"`

	// DBURL is the postgres connection string of the policy store.
	DBURL string `env:"DB_URL"`

	// SSHListenPort is the port bound on every proxy IP for SSH.
	SSHListenPort int `env:"SSH_LISTEN_PORT, default=22"`

	// RDPListenPort is the port bound on every proxy IP for RDP.
	RDPListenPort int `env:"RDP_LISTEN_PORT, default=3389"`

	// TranscodeWorkers bounds concurrently running transcode jobs.
	TranscodeWorkers int `env:"TRANSCODE_WORKERS, default=2"`

	// TranscodeQueueMax bounds pending transcode jobs.
	TranscodeQueueMax int `env:"TRANSCODE_QUEUE_MAX, default=10"`

	// TranscoderPath is the external replay-to-mp4 transcoder binary.
	TranscoderPath string `env:"TRANSCODER_PATH, default=pyrdp-convert"`

	// LogLevel is a logrus level name.
	LogLevel string `env:"LOG_LEVEL, default=info"`

	// AuditFallbackLog receives audit rows that could not be written to
	// the store without blocking the data path.
	AuditFallbackLog string `env:"AUDIT_FALLBACK_LOG"`
}

// FromEnv reads and validates configuration from the process
// environment. Validation failures here are fatal at startup.
func FromEnv(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// CheckAndSetDefaults makes sure all required parameters are set and
// derives dependent paths.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("DATA_DIR is required")
	}
	if c.DBURL == "" {
		return trace.BadParameter("DB_URL is required")
	}
	if c.SSHListenPort <= 0 || c.SSHListenPort > 65535 {
		return trace.BadParameter("SSH_LISTEN_PORT out of range: %v", c.SSHListenPort)
	}
	if c.RDPListenPort <= 0 || c.RDPListenPort > 65535 {
		return trace.BadParameter("RDP_LISTEN_PORT out of range: %v", c.RDPListenPort)
	}
	if c.TranscodeWorkers <= 0 {
		c.TranscodeWorkers = defaults.TranscodeWorkers
	}
	if c.TranscodeQueueMax <= 0 {
		c.TranscodeQueueMax = defaults.TranscodePendingMax
	}
	if c.AuditFallbackLog == "" {
		c.AuditFallbackLog = filepath.Join(c.DataDir, "audit_fallback.jsonl")
	}
	fi, err := os.Stat(c.DataDir)
	if err != nil {
		return trace.BadParameter("DATA_DIR %q is not usable: %v", c.DataDir, err)
	}
	if !fi.IsDir() {
		return trace.BadParameter("DATA_DIR %q is not a directory", c.DataDir)
	}
	return nil
}

// HostKeyPath is the location of the persisted SSH host key.
func (c *Config) HostKeyPath() string {
	return filepath.Join(c.DataDir, defaults.HostKeyFile)
}

// TLSDir is the location of RDP TLS materials.
func (c *Config) TLSDir() string {
	return filepath.Join(c.DataDir, defaults.TLSDir)
}

// SSHRecordingDir holds per-stay JSONL recordings.
func (c *Config) SSHRecordingDir() string {
	return filepath.Join(c.DataDir, defaults.RecordingsDir, "ssh")
}

// RDPRecordingDir holds per-stay replay files and transcoded MP4s.
func (c *Config) RDPRecordingDir() string {
	return filepath.Join(c.DataDir, defaults.RecordingsDir, "rdp")
}
