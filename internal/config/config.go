package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g. FORMSYNC_SERVER_PORT.
const EnvPrefix = "FORMSYNC"

// DefaultPath is read when no config path is given. It may be absent.
const DefaultPath = "formsync.yaml"

// Remote kinds.
const (
	RemoteHTTP  = "http"
	RemoteRedis = "redis"
	RemoteSQL   = "sql"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Local        LocalConfig        `yaml:"local" toml:"local"`
	Remote       RemoteConfig       `yaml:"remote" toml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity" toml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync" toml:"sync"`
	Audit        AuditConfig        `yaml:"audit" toml:"audit"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Snapshot     SnapshotConfig     `yaml:"snapshot" toml:"snapshot"`
	Log          LogConfig          `yaml:"log" toml:"log"`
}

// ServerConfig contains HTTP server settings for the document service.
type ServerConfig struct {
	Port            int      `yaml:"port" toml:"port" envconfig:"port"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout" envconfig:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout" envconfig:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" envconfig:"shutdown_timeout"`
	// AllowedOrigins enables CORS and WebSocket access for browser clients.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins" envconfig:"allowed_origins"`
}

// DatabaseConfig is the document service's own database.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver" envconfig:"driver"`
	// DSN is a file path for sqlite and a go-sql-driver DSN for mysql.
	DSN string `yaml:"dsn" toml:"dsn" envconfig:"dsn"`
}

// LocalConfig is the client's on-device database.
type LocalConfig struct {
	Path string `yaml:"path" toml:"path" envconfig:"path"`
}

// RemoteConfig selects and configures the client's remote store.
type RemoteConfig struct {
	Kind string `yaml:"kind" toml:"kind" envconfig:"kind"`

	// http
	URL    string `yaml:"url" toml:"url" envconfig:"url"`
	APIKey string `yaml:"-" toml:"-" envconfig:"api_key"` // env-only

	// redis
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr" envconfig:"redis_addr"`
	RedisPassword string `yaml:"-" toml:"-" envconfig:"redis_password"` // env-only
	RedisDB       int    `yaml:"redis_db" toml:"redis_db" envconfig:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" toml:"redis_prefix" envconfig:"redis_prefix"`

	// sql uses the database section directly.
}

// ConnectivityConfig selects the connectivity source.
type ConnectivityConfig struct {
	Mode       string `yaml:"mode" toml:"mode" envconfig:"mode"`
	StatusFile string `yaml:"status_file" toml:"status_file" envconfig:"status_file"`
}

// SyncConfig tunes the sync engines.
type SyncConfig struct {
	RemoteTimeout Duration `yaml:"remote_timeout" toml:"remote_timeout" envconfig:"remote_timeout"`
	// SweepInterval is how often `sync --watch` replays while online.
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval" envconfig:"sweep_interval"`
}

// AuditConfig contains audit log settings.
type AuditConfig struct {
	// Retention bounds the locally cached events.
	Retention int `yaml:"retention" toml:"retention" envconfig:"retention"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-" toml:"-" envconfig:"api_key"` // env-only, never in files
}

// SnapshotConfig controls periodic snapshots of the document service and
// their optional upload to S3-compatible storage. An empty Bucket keeps
// snapshots local.
type SnapshotConfig struct {
	Interval  Duration `yaml:"interval" toml:"interval" envconfig:"interval"`
	Dir       string   `yaml:"dir" toml:"dir" envconfig:"dir"`
	Bucket    string   `yaml:"bucket" toml:"bucket" envconfig:"bucket"`
	Prefix    string   `yaml:"prefix" toml:"prefix" envconfig:"prefix"`
	Endpoint  string   `yaml:"endpoint" toml:"endpoint" envconfig:"endpoint"`
	Region    string   `yaml:"region" toml:"region" envconfig:"region"`
	UseSSL    *bool    `yaml:"use_ssl" toml:"use_ssl" envconfig:"use_ssl"`
	AccessKey string   `yaml:"-" toml:"-" envconfig:"access_key"` // env-only
	SecretKey string   `yaml:"-" toml:"-" envconfig:"secret_key"` // env-only
	URLExpiry Duration `yaml:"url_expiry" toml:"url_expiry" envconfig:"url_expiry"`
}

// LogConfig contains logging settings. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level" envconfig:"level"`
	Format     string `yaml:"format" toml:"format" envconfig:"format"`
	File       string `yaml:"file" toml:"file" envconfig:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb" envconfig:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups" envconfig:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days" envconfig:"max_age_days"`
}

// Duration is a wrapper around time.Duration that parses "90s"-style
// strings from YAML, TOML and the environment.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText is used by TOML and envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration as time.Duration does.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Load loads configuration with precedence: defaults → config file →
// .env → environment. An empty path falls back to FORMSYNC_CONFIG_PATH and
// then DefaultPath, either of which may be missing.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = getEnv(EnvPrefix+"_CONFIG_PATH", DefaultPath)
	}

	cfg := newDefaults()
	if err := loadFile(cfg, path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(getEnv(EnvPrefix+"_ENV_FILE", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "data/formsync.db",
		},
		Local: LocalConfig{
			Path: "data/local.db",
		},
		Remote: RemoteConfig{
			Kind: RemoteHTTP,
			URL:  "http://localhost:8080",
		},
		Connectivity: ConnectivityConfig{
			Mode:       "online",
			StatusFile: "data/connectivity",
		},
		Sync: SyncConfig{
			RemoteTimeout: Duration(10 * time.Second),
			SweepInterval: Duration(1 * time.Minute),
		},
		Audit: AuditConfig{
			Retention: 500,
		},
		Snapshot: SnapshotConfig{
			Interval:  Duration(1 * time.Hour),
			Prefix:    "formsync",
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// loadFile decodes path as TOML when it ends in .toml and as YAML
// otherwise.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	}
	return nil
}

// validate checks enumerated values. Secrets are checked by the commands
// that need them; see RequireAPIKey.
func (c *Config) validate() error {
	var errs []error
	if !slices.Contains([]string{"sqlite", "mysql"}, c.Database.Driver) {
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or mysql", c.Database.Driver))
	}
	if !slices.Contains([]string{RemoteHTTP, RemoteRedis, RemoteSQL}, c.Remote.Kind) {
		errs = append(errs, fmt.Errorf("remote.kind %q: want http, redis or sql", c.Remote.Kind))
	}
	if !slices.Contains([]string{"file", "online", "offline"}, c.Connectivity.Mode) {
		errs = append(errs, fmt.Errorf("connectivity.mode %q: want file, online or offline", c.Connectivity.Mode))
	}
	if c.Sync.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("sync.remote_timeout must be positive"))
	}
	if c.Audit.Retention <= 0 {
		errs = append(errs, errors.New("audit.retention must be positive"))
	}
	if c.Snapshot.Interval <= 0 {
		errs = append(errs, errors.New("snapshot.interval must be positive"))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	if !slices.Contains([]string{"json", "text"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q: want json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RequireAPIKey returns an error when the service API key is missing.
// FORMSYNC_DEV_MODE=true skips the check.
func (c *Config) RequireAPIKey() error {
	if os.Getenv(EnvPrefix+"_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New(EnvPrefix + "_AUTH_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
