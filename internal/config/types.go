// Package config provides configuration loading for resolverd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for resolverd. It is built once at
// startup and passed into component constructors; nothing mutates it after
// load.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Store    StoreConfig    `koanf:"store"`
	Rules    RulesConfig    `koanf:"rules"`
	Memory   MemoryConfig   `koanf:"memory"`
	Decision DecisionConfig `koanf:"decision"`
	Meta     MetaConfig     `koanf:"meta"`
	Events   EventsConfig   `koanf:"events"`

	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig holds persistent store settings.
type StoreConfig struct {
	// Path is the SQLite database file. Empty means in-memory (tests).
	Path string `koanf:"path"`

	// LockTimeout bounds how long a writer waits for the exclusive lock
	// before the attempt is retried once and then surfaced as transient.
	LockTimeout time.Duration `koanf:"lock_timeout"`
}

// RulesConfig is the business rule set the detector evaluates records
// against. Components receive it at construction and never write to it;
// there is no process-wide mutable rule state.
type RulesConfig struct {
	// AutoApproveThreshold is the amount at or above which an
	// amount_threshold_exceeded exception is raised.
	AutoApproveThreshold float64 `koanf:"auto_approve_threshold"`

	// RequirePOOver is the amount above which a missing PO number is
	// high severity rather than medium.
	RequirePOOver float64 `koanf:"require_po_over"`

	// TrustedVendors is the closed set of known-good vendor names.
	TrustedVendors []string `koanf:"trusted_vendors"`

	// VendorSimilarityThreshold is the minimum fuzzy-match ratio for a
	// vendor name to be treated as a typo of a trusted vendor.
	VendorSimilarityThreshold float64 `koanf:"vendor_similarity_threshold"`

	// ExtractionConfidenceFloor is the minimum acceptable field
	// extraction confidence before a low_confidence_extraction exception
	// is raised.
	ExtractionConfidenceFloor float64 `koanf:"extraction_confidence_floor"`
}

// MemoryConfig holds episodic memory settings.
type MemoryConfig struct {
	// RecencyLambda is the decay rate applied to similarity scores:
	// score × exp(-lambda × ageDays).
	RecencyLambda float64 `koanf:"recency_lambda"`

	// DefaultLimit is how many similar cases a retrieval returns when the
	// caller does not specify a limit.
	DefaultLimit int `koanf:"default_limit"`
}

// DecisionConfig holds decision selector settings.
type DecisionConfig struct {
	// EscalationCutoff is the minimum winning confidence below which the
	// decision is forced to escalate.
	EscalationCutoff float64 `koanf:"escalation_cutoff"`
}

// MetaConfig holds meta-controller settings.
type MetaConfig struct {
	// FitnessWindow is the sliding window of recent episodes used to
	// compute efficiency.
	FitnessWindow int `koanf:"fitness_window"`

	// EfficiencyWeight and RobustnessWeight combine the two fitness
	// components. They are configuration, not code, so the weighting can
	// be tuned without a release; the pair is recorded with every
	// fitness snapshot version.
	EfficiencyWeight float64 `koanf:"efficiency_weight"`
	RobustnessWeight float64 `koanf:"robustness_weight"`
}

// EventsConfig holds the optional NATS outcome-event publisher settings.
type EventsConfig struct {
	// URL is the NATS server address. Empty disables publishing.
	URL string `koanf:"url"`

	// Subject is the subject resolution outcomes are published on.
	Subject string `koanf:"subject"`
}

// TelemetryConfig holds OpenTelemetry settings. Metrics always export to
// the Prometheus registry served on /metrics; trace export is optional
// and requires an OTLP endpoint.
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OTLP trace receiver address, e.g. "localhost:4317".
	// Empty disables trace export while leaving metrics on.
	Endpoint string `koanf:"endpoint"`

	// Protocol selects the OTLP transport: "grpc" or "http/protobuf".
	Protocol string `koanf:"protocol"`

	// Insecure disables TLS for the OTLP connection. Only permitted for
	// local endpoints.
	Insecure bool `koanf:"insecure"`

	// SampleRate is the trace sampling ratio in [0,1].
	SampleRate float64 `koanf:"sample_rate"`

	// ShutdownTimeout bounds the final telemetry flush on exit.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Rules.AutoApproveThreshold <= 0 {
		return fmt.Errorf("rules.auto_approve_threshold must be > 0, got %v", c.Rules.AutoApproveThreshold)
	}
	if c.Rules.RequirePOOver < c.Rules.AutoApproveThreshold {
		return fmt.Errorf("rules.require_po_over (%v) must be >= rules.auto_approve_threshold (%v)",
			c.Rules.RequirePOOver, c.Rules.AutoApproveThreshold)
	}
	if c.Rules.VendorSimilarityThreshold <= 0 || c.Rules.VendorSimilarityThreshold > 1 {
		return fmt.Errorf("rules.vendor_similarity_threshold must be in (0,1], got %v", c.Rules.VendorSimilarityThreshold)
	}
	if c.Memory.RecencyLambda < 0 {
		return fmt.Errorf("memory.recency_lambda must be >= 0, got %v", c.Memory.RecencyLambda)
	}
	if c.Decision.EscalationCutoff < 0 || c.Decision.EscalationCutoff > 1 {
		return fmt.Errorf("decision.escalation_cutoff must be in [0,1], got %v", c.Decision.EscalationCutoff)
	}
	if c.Meta.FitnessWindow <= 0 {
		return fmt.Errorf("meta.fitness_window must be > 0, got %d", c.Meta.FitnessWindow)
	}
	if c.Meta.EfficiencyWeight+c.Meta.RobustnessWeight <= 0 {
		return fmt.Errorf("meta fitness weights must sum to > 0, got %v",
			c.Meta.EfficiencyWeight+c.Meta.RobustnessWeight)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be in [0,1], got %v", c.Telemetry.SampleRate)
	}
	if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
		return fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
	}
	return nil
}
