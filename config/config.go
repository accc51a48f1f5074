// Package config loads the database's tunables from a TOML file, following
// the teacher's choice of github.com/pelletier/go-toml for structured
// configuration. A YAML dump is available for diagnostics.
package config

import (
	"os"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named across the storage spec: page size
// (§6.1), the auto-checkpoint limit (§4.6), the max inline VID length
// (§3), the checkpoint flush-limit size (§4.6), and the deadlock detector
// interval (§5).
type Config struct {
	PageSize              uint32 `toml:"page_size" yaml:"page_size"`
	BufferPoolPages       uint32 `toml:"buffer_pool_pages" yaml:"buffer_pool_pages"`
	AutoCheckpointLimit   uint64 `toml:"auto_checkpoint_limit" yaml:"auto_checkpoint_limit"`
	MaxVidLen             uint16 `toml:"max_vid_len" yaml:"max_vid_len"`
	CheckpointFlushLimit  uint64 `toml:"checkpoint_flush_limit" yaml:"checkpoint_flush_limit"`
	DeadlockDetectMillis  uint32 `toml:"deadlock_detect_millis" yaml:"deadlock_detect_millis"`
	RecoveryYieldMillis   uint32 `toml:"recovery_yield_millis" yaml:"recovery_yield_millis"`
	IdleTransactionTimeMs uint32 `toml:"idle_transaction_time_ms" yaml:"idle_transaction_time_ms"`
}

// Default returns the configuration used when no TOML file is supplied.
func Default() *Config {
	return &Config{
		PageSize:              4096,
		BufferPoolPages:       4096,
		AutoCheckpointLimit:   16 << 20,
		MaxVidLen:             12,
		CheckpointFlushLimit:  8 << 20,
		DeadlockDetectMillis:  3000,
		RecoveryYieldMillis:   100,
		IdleTransactionTimeMs: 30000,
	}
}

// Load reads a TOML configuration file, filling unset fields from Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Dump marshals the effective configuration as YAML, for printing what a
// database actually opened with.
func Dump(cfg *Config) (string, error) {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
