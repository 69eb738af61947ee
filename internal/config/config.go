// Package config provides configuration loading for callhandlerd.
package config

import (
	"fmt"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/dispatch"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/handoff"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/logging"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/outcome"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/supervisor"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/telephony"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/webhook"
)

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	// Backend is "postgres" or "memory". Memory exists for local runs and
	// tests; production deploys share state through Postgres.
	Backend string `koanf:"backend"`

	// DSN is the Postgres connection string.
	DSN string `koanf:"dsn"`

	// Migrate runs embedded schema migrations at startup.
	Migrate bool `koanf:"migrate"`
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case "postgres":
		if c.DSN == "" {
			return fmt.Errorf("store dsn is required for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Backend)
	}
	return nil
}

// Config holds the full daemon configuration.
type Config struct {
	Server     webhook.Config         `koanf:"server"`
	Store      StoreConfig            `koanf:"store"`
	Telephony  telephony.ClientConfig `koanf:"telephony"`
	Dispatch   dispatch.Config        `koanf:"dispatch"`
	Supervisor supervisor.Config      `koanf:"supervisor"`
	Handoff    handoff.Config         `koanf:"handoff"`
	Outcome    outcome.Config         `koanf:"outcome"`
	Sweep      outcome.SweepConfig    `koanf:"sweep"`
	Logging    logging.Config         `koanf:"logging"`
}

// applyDefaults fills in zero values with the package defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "postgres"
	}

	dispatchDefaults := dispatch.DefaultConfig()
	if cfg.Dispatch.Interval == 0 {
		cfg.Dispatch.Interval = dispatchDefaults.Interval
	}
	if cfg.Dispatch.MaxPolls == 0 {
		cfg.Dispatch.MaxPolls = dispatchDefaults.MaxPolls
	}

	supDefaults := supervisor.DefaultConfig()
	if cfg.Supervisor.WatchInterval == 0 {
		cfg.Supervisor.WatchInterval = supDefaults.WatchInterval
	}
	if cfg.Supervisor.WatchMaxPolls == 0 {
		cfg.Supervisor.WatchMaxPolls = supDefaults.WatchMaxPolls
	}
	if cfg.Supervisor.Fallback == "" {
		cfg.Supervisor.Fallback = supDefaults.Fallback
	}
	if cfg.Supervisor.HandoffTimeout == 0 {
		cfg.Supervisor.HandoffTimeout = supDefaults.HandoffTimeout
	}
	if cfg.Supervisor.DefaultMaxRetries == 0 {
		cfg.Supervisor.DefaultMaxRetries = supDefaults.DefaultMaxRetries
	}

	if cfg.Handoff.Mode == "" {
		cfg.Handoff.Mode = handoff.ModeDirectTransfer
	}

	outcomeDefaults := outcome.DefaultConfig()
	if cfg.Outcome.MaxRetries == nil {
		cfg.Outcome.MaxRetries = outcomeDefaults.MaxRetries
	}
	if cfg.Outcome.ShortCallThreshold == 0 {
		cfg.Outcome.ShortCallThreshold = outcomeDefaults.ShortCallThreshold
	}
	if cfg.Outcome.InteractionWindow == 0 {
		cfg.Outcome.InteractionWindow = outcomeDefaults.InteractionWindow
	}
	if cfg.Outcome.RecentRetryWindow == 0 {
		cfg.Outcome.RecentRetryWindow = outcomeDefaults.RecentRetryWindow
	}
	if len(cfg.Outcome.BackoffTiers) == 0 {
		cfg.Outcome.BackoffTiers = outcomeDefaults.BackoffTiers
	}

	sweepDefaults := outcome.DefaultSweepConfig()
	if cfg.Sweep.Interval == 0 {
		cfg.Sweep.Interval = sweepDefaults.Interval
	}
	if cfg.Sweep.StuckAfter == 0 {
		cfg.Sweep.StuckAfter = sweepDefaults.StuckAfter
	}

	if cfg.Telephony.Timeout == 0 {
		cfg.Telephony.Timeout = telephony.DefaultTimeout
	}
	if cfg.Telephony.RequestsPerSecond == 0 {
		cfg.Telephony.RequestsPerSecond = telephony.DefaultRequestsPerSecond
	}
	if cfg.Telephony.Burst == 0 {
		cfg.Telephony.Burst = telephony.DefaultBurst
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Telephony.Validate(); err != nil {
		return err
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if err := c.Supervisor.Validate(); err != nil {
		return err
	}
	if err := c.Handoff.Validate(); err != nil {
		return err
	}
	if err := c.Outcome.Validate(); err != nil {
		return err
	}
	if err := c.Sweep.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}
