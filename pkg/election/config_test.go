package election

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("workers", "pod-a")

	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
	if cfg.LeaseDuration != 15*time.Second || cfg.RenewDeadline != 10*time.Second || cfg.RetryPeriod != 2*time.Second {
		t.Errorf("unexpected timings %+v", cfg)
	}
	if cfg.JitterFactor != 1.2 || cfg.ResourceName != "leaders" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing group", func(c *Config) { c.Group = "" }},
		{"missing resource", func(c *Config) { c.ResourceName = "" }},
		{"zero lease", func(c *Config) { c.LeaseDuration = 0 }},
		{"zero renew", func(c *Config) { c.RenewDeadline = 0 }},
		{"renew above lease", func(c *Config) { c.RenewDeadline = 20 * time.Second }},
		{"zero retry", func(c *Config) { c.RetryPeriod = 0 }},
		{"jitter below one", func(c *Config) { c.JitterFactor = 0.5 }},
		{"renew plus retry reaches lease", func(c *Config) { c.RetryPeriod = 8 * time.Second }},
		{"renew plus jittered retry reaches lease", func(c *Config) {
			c.RetryPeriod = 4 * time.Second
			c.JitterFactor = 1.5
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("workers", "pod-a")
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}
}

func TestConfig_ValidateRetryBudget(t *testing.T) {
	cfg := DefaultConfig("workers", "pod-a")
	cfg.RetryPeriod = 4 * time.Second
	cfg.JitterFactor = 1.2

	// 10s + 4.8s stays below the 15s lease.
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
