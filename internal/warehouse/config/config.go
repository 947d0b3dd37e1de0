// Package config defines the warehouse configuration, loaded from YAML
// with defaults for every field.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vykr/strata/internal/warehouse/types"
)

// Config represents the complete warehouse configuration.
type Config struct {
	// DataDir is the root directory for all warehouse state: tier
	// blobs, the location index, the audit trail and report documents.
	DataDir string `yaml:"data_dir"`

	// MasterKey is the hex-encoded 32-byte encryption master key.
	// Empty disables encryption; tiers mandating it then fail
	// validation.
	MasterKey string `yaml:"master_key"`

	// Promotion configures access-driven tier promotion.
	Promotion PromotionConfig `yaml:"promotion"`

	// Lifecycle configures the background sweep and verification loops.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Mirror configures the remote mirror upload pool.
	Mirror MirrorConfig `yaml:"mirror"`

	// Audit configures the append-only audit trail.
	Audit AuditConfig `yaml:"audit"`

	// Tiers configures the per-tier policies.
	Tiers TiersConfig `yaml:"tiers"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// PromotionConfig configures access-driven tier promotion.
type PromotionConfig struct {
	// Threshold is the access count at which a record in a slower tier
	// is promoted one tier toward hot. Fires when the counter reaches
	// the threshold exactly.
	Threshold int64 `yaml:"threshold"`
}

// LifecycleConfig configures the background loops.
type LifecycleConfig struct {
	// SweepInterval is how often the lifecycle sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// VerifyInterval is how often a full integrity pass runs. Zero
	// disables periodic verification.
	VerifyInterval time.Duration `yaml:"verify_interval"`
}

// MirrorConfig configures the remote mirror upload pool.
type MirrorConfig struct {
	// RemoteDir is the remote object store mount. Empty disables the
	// remote mirror.
	RemoteDir string `yaml:"remote_dir"`

	// VaultDir is the deep archival vault mount. Empty disables the
	// vault.
	VaultDir string `yaml:"vault_dir"`

	// Workers is the upload pool size.
	Workers int `yaml:"workers"`

	// QueueSize is the upload queue capacity.
	QueueSize int `yaml:"queue_size"`

	// MaxAttempts bounds retries per upload (first try included).
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the delay after the first failure; it doubles
	// per attempt up to MaxBackoff.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// MaxSegmentSize is the segment size that triggers rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`

	// Fsync forces an fsync after every audit append.
	Fsync bool `yaml:"fsync"`
}

// TiersConfig configures the per-tier policies.
type TiersConfig struct {
	Hot     TierConfig `yaml:"hot"`
	Warm    TierConfig `yaml:"warm"`
	Cold    TierConfig `yaml:"cold"`
	Archive TierConfig `yaml:"archive"`
}

// TierConfig configures one tier's policy.
type TierConfig struct {
	// Retention is how long a record may stay resident before the
	// sweep moves it along the chain.
	Retention time.Duration `yaml:"retention"`

	Compress     bool `yaml:"compress"`
	Encrypt      bool `yaml:"encrypt"`
	RemoteMirror bool `yaml:"remote_mirror"`
	DeepArchive  bool `yaml:"deep_archive"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// JSON switches output from text to JSON.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults. The
// tier policies mirror types.DefaultRegistry.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/strata",
		Promotion: PromotionConfig{
			Threshold: 10,
		},
		Lifecycle: LifecycleConfig{
			SweepInterval:  time.Hour,
			VerifyInterval: 24 * time.Hour,
		},
		Mirror: MirrorConfig{
			Workers:        4,
			QueueSize:      256,
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Audit: AuditConfig{
			MaxSegmentSize: 16 * 1024 * 1024, // 16MB
		},
		Tiers: TiersConfig{
			Hot: TierConfig{
				Retention: 30 * 24 * time.Hour,
			},
			Warm: TierConfig{
				Retention: 90 * 24 * time.Hour,
				Compress:  true,
			},
			Cold: TierConfig{
				Retention:    365 * 24 * time.Hour,
				Compress:     true,
				Encrypt:      true,
				RemoteMirror: true,
			},
			Archive: TierConfig{
				Retention:   7 * 365 * 24 * time.Hour,
				Compress:    true,
				Encrypt:     true,
				DeepArchive: true,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Registry builds the tier policy registry from the configuration.
func (c *Config) Registry() (*types.Registry, error) {
	return types.NewRegistry([]types.TierPolicy{
		tierPolicy(types.TierHot, c.Tiers.Hot),
		tierPolicy(types.TierWarm, c.Tiers.Warm),
		tierPolicy(types.TierCold, c.Tiers.Cold),
		tierPolicy(types.TierArchive, c.Tiers.Archive),
	})
}

func tierPolicy(tier types.Tier, tc TierConfig) types.TierPolicy {
	return types.TierPolicy{
		Tier:         tier,
		Retention:    tc.Retention,
		Compress:     tc.Compress,
		Encrypt:      tc.Encrypt,
		RemoteMirror: tc.RemoteMirror,
		DeepArchive:  tc.DeepArchive,
	}
}

// MasterKeyBytes decodes the hex master key. Returns nil when no key
// is configured.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// IndexPath is the location index database path under DataDir.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, "index", "index.db")
}

// BlobDir is the local tier blob root under DataDir.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// AuditDir is the audit trail directory under DataDir.
func (c *Config) AuditDir() string {
	return filepath.Join(c.DataDir, "audit")
}

// ReportDir is the report document directory under DataDir.
func (c *Config) ReportDir() string {
	return filepath.Join(c.DataDir, "reports")
}
