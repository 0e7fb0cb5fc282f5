// Package config loads the broker's configuration surface (§6 of the spec):
// admission capacity, listen addresses, keepalive, TLS credentials, and the
// heartbeat tick interval.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the broker's full configuration surface, populated from
// environment variables (optionally preloaded from a .env file), mirroring
// the teacher's config.go idiom.
type Config struct {
	// ListenAddresses is a comma-separated list of addresses to bind, e.g.
	// ":9092,:9093".
	ListenAddresses string `env:"BROKER_LISTEN_ADDRESSES" envDefault:":9092"`

	// TLSCertFile/TLSKeyFile, if both set, switch every listener to TLS.
	TLSCertFile string `env:"BROKER_TLS_CERT_FILE" envDefault:""`
	TLSKeyFile  string `env:"BROKER_TLS_KEY_FILE" envDefault:""`

	// KeepaliveInterval is applied to every accepted TCP connection.
	KeepaliveInterval time.Duration `env:"BROKER_KEEPALIVE_INTERVAL" envDefault:"30s"`

	// MaxRequestMemory is the shard admission semaphore's capacity, in
	// bytes of estimated in-flight request memory.
	MaxRequestMemory int64 `env:"BROKER_MAX_REQUEST_MEMORY" envDefault:"104857600"` // 100MiB

	// MemoryEstimateMultiplier/MemoryEstimateOverheadBytes parameterize the
	// memEstimate = size*multiplier + overhead heuristic from §4.2/§9.
	MemoryEstimateMultiplier    int64 `env:"BROKER_MEM_ESTIMATE_MULTIPLIER" envDefault:"2"`
	MemoryEstimateOverheadBytes int64 `env:"BROKER_MEM_ESTIMATE_OVERHEAD_BYTES" envDefault:"8000"`

	// HeartbeatInterval is the Raft-style heartbeat manager's tick period.
	HeartbeatInterval time.Duration `env:"BROKER_HEARTBEAT_INTERVAL" envDefault:"500ms"`

	// Quota defaults applied to every client-id bucket (§4.4).
	QuotaBytesPerSecond int     `env:"BROKER_QUOTA_BYTES_PER_SEC" envDefault:"10485760"` // 10MiB/s
	QuotaBurstBytes     int     `env:"BROKER_QUOTA_BURST_BYTES" envDefault:"20971520"`

	// CPURejectThreshold/MemoryRejectBytes gate new connections behind the
	// node's current resource sample (supplemented feature 1). Zero disables
	// the corresponding check; CPURejectThreshold is a 0-100 percentage.
	CPURejectThreshold float64 `env:"BROKER_CPU_REJECT_THRESHOLD" envDefault:"90.0"`
	MemoryRejectBytes  uint64  `env:"BROKER_MEM_REJECT_BYTES" envDefault:"0"`

	MetricsAddr string `env:"BROKER_METRICS_ADDR" envDefault:":9100"`

	LogLevel  string `env:"BROKER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"BROKER_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, then validates it. Priority: env vars > .env file > defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Fine to run without a .env file; production deployments pass
		// environment variables directly.
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration for obviously broken values.
func (c *Config) Validate() error {
	if len(c.Addresses()) == 0 {
		return fmt.Errorf("BROKER_LISTEN_ADDRESSES must name at least one address")
	}
	if c.MaxRequestMemory <= 0 {
		return fmt.Errorf("BROKER_MAX_REQUEST_MEMORY must be > 0, got %d", c.MaxRequestMemory)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("BROKER_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("BROKER_TLS_CERT_FILE and BROKER_TLS_KEY_FILE must both be set or both empty")
	}
	return nil
}

// Addresses splits ListenAddresses into individual bind addresses.
func (c *Config) Addresses() []string {
	var out []string
	for _, a := range strings.Split(c.ListenAddresses, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// TLSEnabled reports whether listeners should be wrapped in TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// TLSConfig builds a *tls.Config from the configured credentials. Callers
// must check TLSEnabled first.
func (c *Config) TLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS credentials: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Log emits the loaded configuration as a structured log line, mirroring
// the teacher's LogConfig.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Strs("listen_addresses", c.Addresses()).
		Bool("tls_enabled", c.TLSEnabled()).
		Dur("keepalive_interval", c.KeepaliveInterval).
		Int64("max_request_memory", c.MaxRequestMemory).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Int("quota_bytes_per_sec", c.QuotaBytesPerSecond).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
