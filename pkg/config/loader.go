package config

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected configuration file inside --config-dir.
const ConfigFileName = "warden.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read warden.yaml from configDir (absence falls back to pure defaults)
//  2. Expand environment variables
//  3. Parse YAML into the Config struct
//  4. Apply built-in defaults for unset values
//  5. Validate and resolve derived values (parsed caps, lowercased addresses)
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := &Config{}

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Warn("No configuration file found, using built-in defaults", "path", path)
	case err != nil:
		return nil, NewLoadError(ConfigFileName, err)
	default:
		expanded := ExpandEnv(data)
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, NewLoadError(ConfigFileName, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"gateway_addr", cfg.Gateway.ListenAddr,
		"loop_enabled", cfg.Loop.Enabled,
		"whitelist_entries", len(cfg.Approval.Whitelist),
		"slack_enabled", cfg.Slack.Enabled)

	return cfg, nil
}

// thinking levels accepted in warden.yaml; pkg/thinking owns the authoritative
// ordered set, this copy only gates config values.
var validLevels = map[string]bool{
	"off": true, "minimal": true, "low": true,
	"medium": true, "high": true, "xhigh": true,
}

// validate checks all sections and resolves derived values in place.
func validate(c *Config) error {
	cap, ok := new(big.Int).SetString(c.Approval.AutoApproveCapWei, 10)
	if !ok || cap.Sign() < 0 {
		return NewValidationError("approval", "auto_approve_cap_wei", ErrInvalidValue)
	}
	c.Approval.AutoApproveCap = cap

	daily, ok := new(big.Int).SetString(c.Approval.DailyCapWei, 10)
	if !ok || daily.Sign() < 0 {
		return NewValidationError("approval", "daily_cap_wei", ErrInvalidValue)
	}
	c.Approval.DailyCap = daily

	for i, addr := range c.Approval.Whitelist {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
			return NewValidationError("approval", fmt.Sprintf("whitelist[%d]", i), ErrInvalidValue)
		}
		c.Approval.Whitelist[i] = addr
	}

	if _, ok := new(big.Int).SetString(c.Skills.MinStake, 10); !ok {
		return NewValidationError("skills", "min_stake", ErrInvalidValue)
	}

	if !validLevels[c.Thinking.DefaultLevel] {
		return NewValidationError("thinking", "default_level", ErrInvalidValue)
	}
	if strings.ContainsAny(c.Thinking.CommandPrefix, ": \t") || c.Thinking.CommandPrefix == "" {
		return NewValidationError("thinking", "command_prefix", ErrInvalidValue)
	}

	if c.Chat.OwnerOnly && c.Chat.OwnerID == "" {
		return NewValidationError("chat", "owner_id", ErrMissingRequiredField)
	}

	if c.Slack.Enabled && c.Slack.Channel == "" {
		return NewValidationError("slack", "channel", ErrMissingRequiredField)
	}

	return nil
}
