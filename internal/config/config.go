// Package config provides configuration loading, validation, and management
// for chatmirror. It reads config.yaml, overlays CHATMIRROR_* environment
// variables, applies defaults and validates the result.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrConfiguration wraps every loading or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Config is the root configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Accounts   []AccountConfig  `mapstructure:"accounts"   validate:"required,min=1,unique=ID,dive"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// StorageConfig controls where downloaded resources land.
type StorageConfig struct {
	Dir              string `mapstructure:"dir"                validate:"required"`
	MaxResourceBytes int64  `mapstructure:"max_resource_bytes" validate:"gt=0"`
}

// ExtractionConfig configures the OCR, ASR and document capabilities.
type ExtractionConfig struct {
	GeminiAPIKey string        `mapstructure:"gemini_api_key"`
	OCRModel     string        `mapstructure:"ocr_model"     validate:"required"`
	OCRLanguages []string      `mapstructure:"ocr_languages"`
	ASRAPIKey    string        `mapstructure:"asr_api_key"`
	ASRModel     string        `mapstructure:"asr_model"     validate:"required"`
	ASRLanguage  string        `mapstructure:"asr_language"`
	Timeout      time.Duration `mapstructure:"timeout"       validate:"min=1s,max=30m"`
}

// SchedulerConfig controls the periodic sweeps shared by all accounts.
type SchedulerConfig struct {
	ResourceSweepInterval   time.Duration `mapstructure:"resource_sweep_interval"   validate:"min=1s"`
	ExtractionSweepInterval time.Duration `mapstructure:"extraction_sweep_interval" validate:"min=1s"`
	ChatMetadataTTL         time.Duration `mapstructure:"chat_metadata_ttl"         validate:"min=1s"`
}

// AccountConfig is one credentialed connection to the messaging platform.
type AccountConfig struct {
	ID                string          `mapstructure:"id"                  validate:"required"`
	TenantKey         string          `mapstructure:"tenant_key"          validate:"required"`
	AppID             string          `mapstructure:"app_id"              validate:"required"`
	AppSecret         string          `mapstructure:"app_secret"          validate:"required"`
	BaseURL           string          `mapstructure:"base_url"            validate:"url"`
	RequestsPerSecond float64         `mapstructure:"requests_per_second" validate:"gt=0"`
	Database          DatabaseConfig  `mapstructure:"database"`
	Directory         DirectoryConfig `mapstructure:"directory"`
}

// DatabaseConfig points an account at its relational store.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"               validate:"required"`
	TablePrefix     string        `mapstructure:"table_prefix"      validate:"omitempty,max=32"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"gt=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DirectoryConfig controls the org-chart mirror for an account.
type DirectoryConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	RootDepartmentID string        `mapstructure:"root_department_id" validate:"required"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"      validate:"min=1m"`
}

// Load reads configuration from the given YAML file (optional), overlays
// CHATMIRROR_* environment variables and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("CHATMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: failed to read config file %s: %v", ErrConfiguration, path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	for i := range cfg.Accounts {
		applyAccountDefaults(&cfg.Accounts[i])
	}
	if len(cfg.Extraction.OCRLanguages) == 0 {
		cfg.Extraction.OCRLanguages = DefaultOCRLanguages
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Account returns the account with the given id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, acc := range c.Accounts {
		if acc.ID == id {
			return acc, true
		}
	}
	return AccountConfig{}, false
}
