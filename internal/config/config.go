// Package config loads fieldsync settings.
//
// Sources, later ones winning: built-in defaults, an optional YAML file, an
// optional .env file, then FIELDSYNC_* environment variables. CLI flags are
// applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "FIELDSYNC_"

// Blob backends.
const (
	BlobREST = "rest"
	BlobS3   = "s3"
)

// Config is the full runtime configuration.
type Config struct {
	// DB is the SQLite database path, or ":memory:".
	DB string `yaml:"db" env:"DB"`

	// MaxBytes caps stored value bytes; 0 means unlimited.
	MaxBytes int64 `yaml:"max_bytes" env:"MAX_BYTES"`

	// SchemaDir overrides the built-in entity schemas with a CUE package.
	SchemaDir string `yaml:"schema_dir" env:"SCHEMA_DIR"`

	Sync         SyncConfig         `yaml:"sync" envPrefix:"SYNC_"`
	Remote       RemoteConfig       `yaml:"remote" envPrefix:"REMOTE_"`
	Blob         BlobConfig         `yaml:"blob" envPrefix:"BLOB_"`
	Connectivity ConnectivityConfig `yaml:"connectivity" envPrefix:"CONNECTIVITY_"`
	Status       StatusConfig       `yaml:"status" envPrefix:"STATUS_"`
	Log          LogConfig          `yaml:"log" envPrefix:"LOG_"`
}

// SyncConfig controls the drain.
type SyncConfig struct {
	Interval time.Duration   `yaml:"interval" env:"INTERVAL"`
	MaxRetry int             `yaml:"max_retry" env:"MAX_RETRY"`
	Backoff  []time.Duration `yaml:"backoff" env:"BACKOFF" envSeparator:","`
	LeaseTTL time.Duration   `yaml:"lease_ttl" env:"LEASE_TTL"`
}

// RemoteConfig locates the REST backend.
type RemoteConfig struct {
	URL     string        `yaml:"url" env:"URL"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	Token   string        `yaml:"token" env:"TOKEN"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// BlobConfig selects where attachments go.
type BlobConfig struct {
	Backend         string `yaml:"backend" env:"BACKEND"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Region          string `yaml:"region" env:"REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	PublicURL       string `yaml:"public_url" env:"PUBLIC_URL"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
}

// ConnectivityConfig controls the prober. An empty ProbeURL probes the
// remote URL.
type ConnectivityConfig struct {
	ProbeURL string        `yaml:"probe_url" env:"PROBE_URL"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// StatusConfig controls the status WebSocket server. An empty Addr
// disables it.
type StatusConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// LogConfig controls logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DB: "fieldsync.db",
		Sync: SyncConfig{
			Interval: 30 * time.Second,
			MaxRetry: 3,
			Backoff:  []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
			LeaseTTL: 30 * time.Second,
		},
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Blob: BlobConfig{
			Backend: BlobREST,
			Bucket:  "attachments",
			Region:  "auto",
		},
		Connectivity: ConnectivityConfig{
			Interval: 15 * time.Second,
			Timeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Sources names the optional inputs of Load.
type Sources struct {
	// File is a YAML config file. Empty means none; a named file must exist.
	File string

	// EnvFile is a dotenv file. Missing files are ignored. Variables already
	// set in the environment win over the file.
	EnvFile string

	// Environment replaces the process environment when non-nil.
	Environment map[string]string
}

// Load builds a validated Config from defaults and src.
func Load(src Sources) (Config, error) {
	cfg := Default()

	if src.File != "" {
		data, err := os.ReadFile(src.File)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", src.File, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", src.File, err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if src.Environment != nil {
		opts.Environment = src.Environment
	} else if src.EnvFile != "" {
		if err := godotenv.Load(src.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", src.EnvFile, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DB) == "" {
		errs = append(errs, errors.New("db: path is required"))
	}
	if c.MaxBytes < 0 {
		errs = append(errs, errors.New("max_bytes: must not be negative"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval: must be positive"))
	}
	if c.Sync.MaxRetry <= 0 {
		errs = append(errs, errors.New("sync.max_retry: must be positive"))
	}
	if c.Sync.LeaseTTL <= 0 {
		errs = append(errs, errors.New("sync.lease_ttl: must be positive"))
	}
	if len(c.Sync.Backoff) == 0 {
		errs = append(errs, errors.New("sync.backoff: at least one delay is required"))
	}
	for i, d := range c.Sync.Backoff {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("sync.backoff[%d]: must be positive", i))
		}
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout: must be positive"))
	}
	switch c.Blob.Backend {
	case BlobREST:
	case BlobS3:
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("blob.bucket: required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend: unknown backend %q (want %s or %s)", c.Blob.Backend, BlobREST, BlobS3))
	}
	if c.Connectivity.Interval <= 0 {
		errs = append(errs, errors.New("connectivity.interval: must be positive"))
	}
	if c.Connectivity.Timeout <= 0 {
		errs = append(errs, errors.New("connectivity.timeout: must be positive"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: unknown level %q", l.Level)
	}
	return level, nil
}
