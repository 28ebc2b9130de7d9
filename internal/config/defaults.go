package config

import "time"

// Default values for configuration.
const (
	DefaultLogLevel = "info"

	DefaultStorageDir       = "data/resources"
	DefaultMaxResourceBytes = 100 << 20

	DefaultGeminiModel = "gemini-2.0-flash"
	DefaultASRModel    = "gemini-2.0-flash"
	DefaultTimeout     = 2 * time.Minute

	DefaultResourceSweepInterval   = 5 * time.Minute
	DefaultExtractionSweepInterval = 5 * time.Minute
	DefaultChatMetadataTTL         = 30 * time.Minute

	DefaultBaseURL           = "https://open.feishu.cn"
	DefaultRequestsPerSecond = 20
	DefaultRootDepartmentID  = "0"
	DefaultSyncInterval      = 6 * time.Hour

	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = time.Hour
)

// DefaultOCRLanguages is used when extraction.ocr_languages is not set.
var DefaultOCRLanguages = []string{"zh", "en"}

var defaults = map[string]any{
	"log.level": DefaultLogLevel,
	"log.json":  true,

	"storage.dir":                DefaultStorageDir,
	"storage.max_resource_bytes": DefaultMaxResourceBytes,

	"extraction.ocr_model":     DefaultGeminiModel,
	"extraction.ocr_languages": DefaultOCRLanguages,
	"extraction.asr_model":     DefaultASRModel,
	"extraction.timeout":       DefaultTimeout,

	"scheduler.resource_sweep_interval":   DefaultResourceSweepInterval,
	"scheduler.extraction_sweep_interval": DefaultExtractionSweepInterval,
	"scheduler.chat_metadata_ttl":         DefaultChatMetadataTTL,
}

// applyAccountDefaults fills per-account values; viper defaults do not reach into slices.
func applyAccountDefaults(acc *AccountConfig) {
	if acc.BaseURL == "" {
		acc.BaseURL = DefaultBaseURL
	}
	if acc.RequestsPerSecond <= 0 {
		acc.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if acc.Database.MaxOpenConns <= 0 {
		acc.Database.MaxOpenConns = DefaultMaxOpenConns
	}
	if acc.Database.MaxIdleConns <= 0 {
		acc.Database.MaxIdleConns = DefaultMaxIdleConns
	}
	if acc.Database.ConnMaxLifetime <= 0 {
		acc.Database.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	if acc.Directory.RootDepartmentID == "" {
		acc.Directory.RootDepartmentID = DefaultRootDepartmentID
	}
	if acc.Directory.SyncInterval <= 0 {
		acc.Directory.SyncInterval = DefaultSyncInterval
	}
}
