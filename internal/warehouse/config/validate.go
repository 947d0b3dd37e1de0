package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if c.Promotion.Threshold <= 0 {
		errs = append(errs, errors.New("promotion.threshold must be positive"))
	}

	if c.Lifecycle.SweepInterval <= 0 {
		errs = append(errs, errors.New("lifecycle.sweep_interval must be positive"))
	}
	if c.Lifecycle.VerifyInterval < 0 {
		errs = append(errs, errors.New("lifecycle.verify_interval must not be negative"))
	}

	if err := c.Mirror.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("mirror: %w", err))
	}

	if c.Audit.MaxSegmentSize <= 0 {
		errs = append(errs, errors.New("audit.max_segment_size must be positive"))
	}

	if _, err := c.MasterKeyBytes(); err != nil {
		errs = append(errs, err)
	}

	registry, err := c.Registry()
	if err != nil {
		errs = append(errs, fmt.Errorf("tiers: %w", err))
	}

	// Encryption without a key cannot work; catch it at load time
	// rather than on the first cold store.
	if c.MasterKey == "" && registry != nil {
		for _, policy := range registry.Policies() {
			if policy.Encrypt {
				errs = append(errs, fmt.Errorf("tier %s mandates encryption but no master_key is configured", policy.Tier))
			}
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the mirror configuration.
func (c *MirrorConfig) Validate() error {
	var errs []error

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max_attempts must be positive"))
	}
	if c.InitialBackoff <= 0 {
		errs = append(errs, errors.New("initial_backoff must be positive"))
	}
	if c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, errors.New("max_backoff must not be below initial_backoff"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Warnings returns non-fatal configuration findings. Retention windows
// that shrink along the chain are legal (migration still advances on
// the configured window) but usually a mistake, so startup logs them.
func (c *Config) Warnings() []string {
	var warnings []string

	registry, err := c.Registry()
	if err != nil {
		return nil
	}
	if !registry.MonotonicRetention() {
		warnings = append(warnings,
			"tier retention windows are not monotonically increasing along the chain")
	}

	return warnings
}
