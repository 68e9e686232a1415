// Package config handles configuration loading and validation for assetstore.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/bertiespell/asset-canister/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// SecretEnv overrides auth.secret when set.
const SecretEnv = "ASSETSTORE_AUTH_SECRET"

// Network names select the superuser list.
const (
	NetworkLocal      = "local"
	NetworkProduction = "production"
)

// SuperusersConfig holds the superuser allow-lists per network.
type SuperusersConfig struct {
	Dev  []string `yaml:"dev"`
	Prod []string `yaml:"prod"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	TokenTTL string `yaml:"token_ttl"` // Duration string, e.g. "24h"
}

// StorageConfig holds bulk and snapshot tier settings.
type StorageConfig struct {
	Backend          string `yaml:"backend"` // "file" or "sqlite"
	Compression      bool   `yaml:"compression"`
	EncryptionKey    string `yaml:"encryption_key"`    // Seals records at rest when set
	SnapshotPath     string `yaml:"snapshot_path"`     // Default: <data_dir>/snapshot.json
	SnapshotInterval string `yaml:"snapshot_interval"` // Periodic snapshots; empty disables
}

// LimitsConfig holds the admission size and capacity policy.
type LimitsConfig struct {
	MaxChunkSize bytesize.Size `yaml:"max_chunk_size"`
	MaxChunks    uint64        `yaml:"max_chunks"`
	MaxFileSize  bytesize.Size `yaml:"max_file_size"`
	Capacity     bytesize.Size `yaml:"capacity"`
	SafetyBuffer bytesize.Size `yaml:"safety_buffer"`
	MinFreeDisk  bytesize.Size `yaml:"min_free_disk"` // 0 disables the volume check
}

// RateLimitConfig holds rate limiter maintenance settings.
type RateLimitConfig struct {
	CompactInterval string `yaml:"compact_interval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"` // Process-wide throttle; 0 disables
	Burst             int     `yaml:"burst"`
	ShutdownTimeout   string  `yaml:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CollectInterval string `yaml:"collect_interval"`
}

// LokiConfig holds log shipping settings. Shipping is off without a URL.
type LokiConfig struct {
	URL           string            `yaml:"url"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
}

// Config is the assetstore configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DataDir    string           `yaml:"data_dir"`
	Network    string           `yaml:"network"`
	PublicURL  string           `yaml:"public_url"`
	LogLevel   string           `yaml:"log_level"`
	Superusers SuperusersConfig `yaml:"superusers"`
	Auth       AuthConfig       `yaml:"auth"`
	Storage    StorageConfig    `yaml:"storage"`
	Limits     LimitsConfig     `yaml:"limits"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Loki       LokiConfig       `yaml:"loki"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:    ":8080",
		DataDir:   "/var/lib/assetstore",
		Network:   NetworkLocal,
		PublicURL: "http://localhost:8080",
		LogLevel:  "info",
		Auth: AuthConfig{
			Issuer:   "assetstore",
			TokenTTL: "24h",
		},
		Storage: StorageConfig{
			Backend:     store.BackendFile,
			Compression: true,
		},
		Limits: LimitsConfig{
			MaxChunkSize: 1_900_000,
			MaxChunks:    6,
			MaxFileSize:  11_400_000,
			Capacity:     16_000_000_000,
			SafetyBuffer: 2_000_000,
		},
		RateLimit: RateLimitConfig{
			CompactInterval: "10m",
		},
		Server: ServerConfig{
			ShutdownTimeout: "30s",
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			CollectInterval: "15s",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if secret := os.Getenv(SecretEnv); secret != "" {
		cfg.Auth.Secret = secret
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills fields that depend on other fields.
func (c *Config) applyDefaults() {
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.Storage.SnapshotPath == "" {
		c.Storage.SnapshotPath = filepath.Join(c.DataDir, "snapshot.json")
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = store.BackendFile
	}
	if c.Network == "" {
		c.Network = NetworkLocal
	}
}

// SetDataDir overrides data_dir, moving the default snapshot path with it.
func (c *Config) SetDataDir(dir string) {
	if c.Storage.SnapshotPath == filepath.Join(c.DataDir, "snapshot.json") {
		c.Storage.SnapshotPath = ""
	}
	c.DataDir = dir
	c.applyDefaults()
}

// BulkDir returns the bulk tier directory.
func (c *Config) BulkDir() string {
	return filepath.Join(c.DataDir, "bulk")
}

// SuperuserIDs returns the allow-list for the configured network.
func (c *Config) SuperuserIDs() []string {
	if c.Network == NetworkProduction {
		return c.Superusers.Prod
	}
	return c.Superusers.Dev
}

// TokenTTL returns auth.token_ttl.
func (c *Config) TokenTTL() time.Duration {
	return mustDuration(c.Auth.TokenTTL)
}

// SnapshotInterval returns storage.snapshot_interval, 0 when disabled.
func (c *Config) SnapshotInterval() time.Duration {
	return mustDuration(c.Storage.SnapshotInterval)
}

// CompactInterval returns ratelimit.compact_interval, 0 when disabled.
func (c *Config) CompactInterval() time.Duration {
	return mustDuration(c.RateLimit.CompactInterval)
}

// ShutdownTimeout returns server.shutdown_timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return mustDuration(c.Server.ShutdownTimeout)
}

// CollectInterval returns metrics.collect_interval.
func (c *Config) CollectInterval() time.Duration {
	return mustDuration(c.Metrics.CollectInterval)
}

// LokiFlushInterval returns loki.flush_interval.
func (c *Config) LokiFlushInterval() time.Duration {
	return mustDuration(c.Loki.FlushInterval)
}

// mustDuration parses a duration already checked by Validate. Empty is 0.
func mustDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, _ := time.ParseDuration(s)
	return d
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Network != NetworkLocal && c.Network != NetworkProduction {
		return fmt.Errorf("network must be %q or %q", NetworkLocal, NetworkProduction)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (or set %s)", SecretEnv)
	}
	if c.Storage.Backend != store.BackendFile && c.Storage.Backend != store.BackendSQLite {
		return fmt.Errorf("storage.backend must be %q or %q", store.BackendFile, store.BackendSQLite)
	}

	l := c.Limits
	if l.MaxChunks == 0 {
		return fmt.Errorf("limits.max_chunks must be at least 1")
	}
	if l.MaxChunkSize <= 0 {
		return fmt.Errorf("limits.max_chunk_size must be positive")
	}
	if l.MaxChunkSize.Bytes() > store.ChunkValueBudget {
		return fmt.Errorf("limits.max_chunk_size %s exceeds the chunk record budget %s",
			l.MaxChunkSize, bytesize.Format(store.ChunkValueBudget))
	}
	if l.MaxFileSize < l.MaxChunkSize {
		return fmt.Errorf("limits.max_file_size must be at least limits.max_chunk_size")
	}
	if l.Capacity <= l.MaxFileSize {
		return fmt.Errorf("limits.capacity must exceed limits.max_file_size")
	}
	if l.SafetyBuffer < 0 || l.MinFreeDisk < 0 {
		return fmt.Errorf("limits.safety_buffer and limits.min_free_disk must not be negative")
	}

	for name, value := range map[string]string{
		"auth.token_ttl":             c.Auth.TokenTTL,
		"storage.snapshot_interval":  c.Storage.SnapshotInterval,
		"ratelimit.compact_interval": c.RateLimit.CompactInterval,
		"server.shutdown_timeout":    c.Server.ShutdownTimeout,
		"metrics.collect_interval":   c.Metrics.CollectInterval,
		"loki.flush_interval":        c.Loki.FlushInterval,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.Loki.URL != "" && !strings.HasPrefix(c.Loki.URL, "http://") && !strings.HasPrefix(c.Loki.URL, "https://") {
		return fmt.Errorf("loki.url must be an http(s) URL")
	}
	if c.Server.RequestsPerSecond < 0 {
		return fmt.Errorf("server.requests_per_second must not be negative")
	}
	return nil
}
