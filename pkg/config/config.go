// Package config defines the explicit, exhaustively enumerated runtime
// configuration. Unknown fields in a config file are a startup error, not
// a silent ignore.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the full runtime configuration of the pipeline engine.
type Config struct {
	// DatabaseURL is the Postgres DSN. Advisory locks require a real
	// session, so pooled externally-multiplexed proxies are unsupported.
	DatabaseURL string `yaml:"database_url" validate:"required"`

	ListenAddr string `yaml:"listen_addr" default:":8085"`

	// MaxConcurrentDocuments bounds parallel scheduler invocations.
	MaxConcurrentDocuments int `yaml:"max_concurrent_documents" default:"4" validate:"gte=1,lte=256"`

	PolicyCacheTTLSeconds   int `yaml:"policy_cache_ttl_seconds" default:"300" validate:"gte=1"`
	ProgressWriteIntervalMS int `yaml:"progress_write_interval_ms" default:"250" validate:"gte=0"`

	LogFilePath    string `yaml:"log_file_path" default:"pipeline.log"`
	LogMaxBytes    int64  `yaml:"log_max_bytes" default:"104857600" validate:"gte=1048576"`
	LogBackupCount int    `yaml:"log_backup_count" default:"10" validate:"gte=0,lte=100"`
	LogLevel       string `yaml:"log_level" default:"info" validate:"oneof=trace debug info warn error"`

	DefaultStageTimeoutSeconds int `yaml:"default_stage_timeout_seconds" default:"300" validate:"gte=1"`
	ShutdownGraceSeconds       int `yaml:"shutdown_grace_seconds" default:"30" validate:"gte=0"`

	// ForceReprocessAllowed gates whether upload-stage hash duplicates may
	// be force-processed. The gate itself is enforced externally.
	ForceReprocessAllowed bool `yaml:"force_reprocess_allowed" default:"true"`

	// StaleRecoveryEnabled turns on the sweeper that fails stage rows left
	// in processing by a crashed worker. Off by default.
	StaleRecoveryEnabled          bool `yaml:"stale_recovery_enabled" default:"false"`
	StaleProcessingTimeoutSeconds int  `yaml:"stale_processing_timeout_seconds" default:"3600" validate:"gte=60"`
}

// Default returns the built-in configuration with all defaults applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}
	return cfg, nil
}

// Load reads a YAML config file, applies defaults for absent fields, and
// validates the result. Unknown keys fail the load.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(raw []byte) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
