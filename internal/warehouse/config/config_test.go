package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vykr/strata/internal/warehouse/types"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func validConfig() *Config {
	c := DefaultConfig()
	c.MasterKey = testKey
	return c
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strata.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig_MatchesDefaultRegistry(t *testing.T) {
	registry, err := validConfig().Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}

	want := types.DefaultRegistry()
	for _, tier := range types.AllTiers() {
		got, expected := registry.PolicyFor(tier), want.PolicyFor(tier)
		if got != expected {
			t.Errorf("tier %s: got %+v, want %+v", tier, got, expected)
		}
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("default config with key should validate: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/strata-test
master_key: "`+testKey+`"
promotion:
  threshold: 5
lifecycle:
  sweep_interval: 10m
tiers:
  hot:
    retention: 168h
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.DataDir != "/tmp/strata-test" {
		t.Errorf("data_dir = %s", c.DataDir)
	}
	if c.Promotion.Threshold != 5 {
		t.Errorf("threshold = %d", c.Promotion.Threshold)
	}
	if c.Lifecycle.SweepInterval != 10*time.Minute {
		t.Errorf("sweep_interval = %v", c.Lifecycle.SweepInterval)
	}
	if c.Tiers.Hot.Retention != 7*24*time.Hour {
		t.Errorf("hot retention = %v", c.Tiers.Hot.Retention)
	}

	// Untouched fields keep their defaults.
	if c.Mirror.Workers != 4 {
		t.Errorf("mirror workers = %d", c.Mirror.Workers)
	}
	if c.Lifecycle.VerifyInterval != 24*time.Hour {
		t.Errorf("verify_interval = %v", c.Lifecycle.VerifyInterval)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "zero threshold",
			yaml:    "master_key: \"" + testKey + "\"\npromotion:\n  threshold: 0\n",
			wantErr: "promotion.threshold",
		},
		{
			name:    "bad master key",
			yaml:    "master_key: \"not-hex\"\n",
			wantErr: "master key",
		},
		{
			name:    "short master key",
			yaml:    "master_key: \"abcd\"\n",
			wantErr: "32 bytes",
		},
		{
			name:    "encryption without key",
			yaml:    "data_dir: /tmp/x\n",
			wantErr: "mandates encryption",
		},
		{
			name:    "bad log level",
			yaml:    "master_key: \"" + testKey + "\"\nlogging:\n  level: loud\n",
			wantErr: "logging.level",
		},
		{
			name:    "zero tier retention",
			yaml:    "master_key: \"" + testKey + "\"\ntiers:\n  warm:\n    retention: 0\n",
			wantErr: "tiers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestWarnings_NonMonotonicRetention(t *testing.T) {
	c := validConfig()
	if w := c.Warnings(); len(w) != 0 {
		t.Errorf("default config should not warn: %v", w)
	}

	// Cold shorter than warm: legal, but flagged.
	c.Tiers.Cold.Retention = 24 * time.Hour
	w := c.Warnings()
	if len(w) != 1 || !strings.Contains(w[0], "retention") {
		t.Errorf("warnings = %v", w)
	}
}

func TestConfig_DerivedPaths(t *testing.T) {
	c := validConfig()
	c.DataDir = "/srv/strata"

	if c.IndexPath() != "/srv/strata/index/index.db" {
		t.Errorf("IndexPath = %s", c.IndexPath())
	}
	if c.BlobDir() != "/srv/strata/blobs" {
		t.Errorf("BlobDir = %s", c.BlobDir())
	}
	if c.AuditDir() != "/srv/strata/audit" {
		t.Errorf("AuditDir = %s", c.AuditDir())
	}
	if c.ReportDir() != "/srv/strata/reports" {
		t.Errorf("ReportDir = %s", c.ReportDir())
	}
}
