package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load builds the configuration from a YAML file overlaid with environment
// variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (RULES_AUTO_APPROVE_THRESHOLD, SERVER_PORT, ...)
//  2. YAML config file (path argument; skipped when empty or missing)
//  3. Defaults
//
// Environment variables map section-first: SERVER_PORT -> server.port,
// MEMORY_RECENCY_LAMBDA -> memory.recency_lambda.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("stat config file: %w", err)
			}
			if err := validateFileProperties(info); err != nil {
				return nil, fmt.Errorf("config file validation failed: %w", err)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		// SERVER_PORT -> server.port; RULES_AUTO_APPROVE_THRESHOLD ->
		// rules.auto_approve_threshold. Split on first underscore only:
		// the section never contains one, the field may contain many.
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration with no file or environment
// overlay. Tests and embedded callers use it directly.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// validateFileProperties checks file permissions and size before parsing.
func validateFileProperties(info os.FileInfo) error {
	// 0600/0400 only; skipped on Windows (different permission model).
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for fields left at their zero value.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Store.LockTimeout == 0 {
		cfg.Store.LockTimeout = 5 * time.Second
	}

	if cfg.Rules.AutoApproveThreshold == 0 {
		cfg.Rules.AutoApproveThreshold = 5000
	}
	if cfg.Rules.RequirePOOver == 0 {
		cfg.Rules.RequirePOOver = 10000
	}
	if len(cfg.Rules.TrustedVendors) == 0 {
		cfg.Rules.TrustedVendors = []string{
			"Acme Corporation",
			"Microsoft Corporation",
			"Amazon Web Services",
			"Google LLC",
			"Salesforce Inc",
		}
	}
	if cfg.Rules.VendorSimilarityThreshold == 0 {
		cfg.Rules.VendorSimilarityThreshold = 0.85
	}
	if cfg.Rules.ExtractionConfidenceFloor == 0 {
		cfg.Rules.ExtractionConfidenceFloor = 0.70
	}

	if cfg.Memory.RecencyLambda == 0 {
		cfg.Memory.RecencyLambda = 0.05
	}
	if cfg.Memory.DefaultLimit == 0 {
		cfg.Memory.DefaultLimit = 5
	}

	if cfg.Decision.EscalationCutoff == 0 {
		cfg.Decision.EscalationCutoff = 0.70
	}

	if cfg.Meta.FitnessWindow == 0 {
		cfg.Meta.FitnessWindow = 100
	}
	if cfg.Meta.EfficiencyWeight == 0 && cfg.Meta.RobustnessWeight == 0 {
		cfg.Meta.EfficiencyWeight = 0.5
		cfg.Meta.RobustnessWeight = 0.5
	}

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "resolverd.resolutions"
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = 5 * time.Second
	}
}
