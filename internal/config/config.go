// Package config loads and validates corpus builder configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Run        RunConfig        `mapstructure:"run"`
	Manifest   ManifestConfig   `mapstructure:"manifest"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Filter     FilterConfig     `mapstructure:"filter"`
	Extract    ExtractConfig    `mapstructure:"extract"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Shard      ShardConfig      `mapstructure:"shard"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// RunConfig governs the worker pool.
type RunConfig struct {
	WorkingDir           string `mapstructure:"working_dir"`
	Workers              int    `mapstructure:"workers"`
	QueueSize            int    `mapstructure:"queue_size"`
	ShutdownGraceSeconds int    `mapstructure:"shutdown_grace_seconds"`
	SegmentAttempts      int    `mapstructure:"segment_attempts"`
	BackoffBaseMs        int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs         int    `mapstructure:"backoff_max_ms"`
}

// ManifestConfig locates the segment listing.
type ManifestConfig struct {
	URL   string `mapstructure:"url"`
	Limit int    `mapstructure:"limit"`
}

// FetchConfig configures segment downloads.
type FetchConfig struct {
	BaseURL              string  `mapstructure:"base_url"`
	UserAgent            string  `mapstructure:"user_agent"`
	MaxRetries           int     `mapstructure:"max_retries"`
	RetryDelaySeconds    int     `mapstructure:"retry_delay_seconds"`
	HeaderTimeoutSeconds int     `mapstructure:"header_timeout_seconds"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	Burst                int     `mapstructure:"burst"`
}

// FilterConfig controls the language cascade.
type FilterConfig struct {
	TargetLanguage      string   `mapstructure:"target_language"`
	StrictLangAttr      bool     `mapstructure:"strict_lang_attr"`
	ClassifierEnabled   bool     `mapstructure:"classifier_enabled"`
	ClassifierLanguages []string `mapstructure:"classifier_languages"`
	ClassifierLowAcc    bool     `mapstructure:"classifier_low_accuracy"`
	ConfirmCLD2         bool     `mapstructure:"confirm_cld2"`
}

// ExtractConfig toggles main-text extraction.
type ExtractConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

// QualityConfig configures the length gate.
type QualityConfig struct {
	MinLength    int  `mapstructure:"min_length"`
	DropRejected bool `mapstructure:"drop_rejected"`
}

// ShardConfig controls output shards.
type ShardConfig struct {
	Threshold int    `mapstructure:"threshold"`
	Unit      string `mapstructure:"unit"`
	Codec     string `mapstructure:"codec"`
	Prefix    string `mapstructure:"prefix"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"`
	// Path defaults to progress_parallel.txt inside the working directory.
	Path  string `mapstructure:"path"`
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// StorageConfig selects the shard blob store.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig is the output directory for the local backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for shard notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CCJA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		applyLegacyKeys(v)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.working_dir", "./work")
	v.SetDefault("run.workers", 4)
	v.SetDefault("run.queue_size", 0)
	v.SetDefault("run.shutdown_grace_seconds", 0)
	v.SetDefault("run.segment_attempts", 5)
	v.SetDefault("run.backoff_base_ms", 2000)
	v.SetDefault("run.backoff_max_ms", 60000)
	v.SetDefault("manifest.url", "https://data.commoncrawl.org/crawl-data/CC-MAIN-2024-10/warc.paths.gz")
	v.SetDefault("manifest.limit", 0)
	v.SetDefault("fetch.base_url", "https://data.commoncrawl.org/")
	v.SetDefault("fetch.user_agent", "ccja/0.1")
	v.SetDefault("fetch.max_retries", 5)
	v.SetDefault("fetch.retry_delay_seconds", 5)
	v.SetDefault("fetch.header_timeout_seconds", 60)
	v.SetDefault("fetch.requests_per_second", 0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("filter.target_language", "ja")
	v.SetDefault("filter.strict_lang_attr", false)
	v.SetDefault("filter.classifier_enabled", true)
	v.SetDefault("filter.classifier_languages", []string{"ja", "zh", "ko", "en"})
	v.SetDefault("filter.classifier_low_accuracy", false)
	v.SetDefault("filter.confirm_cld2", false)
	v.SetDefault("extract.enabled", true)
	v.SetDefault("extract.timeout_seconds", 30)
	v.SetDefault("quality.min_length", 400)
	v.SetDefault("quality.drop_rejected", false)
	v.SetDefault("shard.threshold", 1000)
	v.SetDefault("shard.unit", "segments")
	v.SetDefault("shard.codec", "zstd")
	v.SetDefault("shard.prefix", "")
	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.table", "processed_segments")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.base_dir", "./dataset")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// legacyKeys maps the flat keys of older config.yaml files to their
// current names.
var legacyKeys = map[string]string{
	"working_dir":                      "run.working_dir",
	"dataset_dir":                      "storage.local.base_dir",
	"num_proc":                         "run.workers",
	"num_zstd_chunk_size":              "shard.threshold",
	"warc_paths_url":                   "manifest.url",
	"fast_text_language_recognition":   "filter.classifier_enabled",
	"trafilatura_timeout":              "extract.timeout_seconds",
	"enable_text_extraction_from_html": "extract.enabled",
}

// applyLegacyKeys copies legacy values unless the file also sets the
// current key.
func applyLegacyKeys(v *viper.Viper) {
	for legacy, key := range legacyKeys {
		if v.InConfig(legacy) && !v.InConfig(key) {
			v.Set(key, v.Get(legacy))
		}
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Run.WorkingDir) == "" {
		return fmt.Errorf("run.working_dir must be set")
	}
	if c.Run.Workers <= 0 {
		return fmt.Errorf("run.workers must be > 0")
	}
	if c.Run.QueueSize < 0 {
		return fmt.Errorf("run.queue_size must be >= 0")
	}
	if c.Run.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("run.shutdown_grace_seconds must be >= 0")
	}
	if c.Run.SegmentAttempts <= 0 {
		return fmt.Errorf("run.segment_attempts must be > 0")
	}
	if c.Manifest.URL == "" {
		return fmt.Errorf("manifest.url must be set")
	}
	if c.Manifest.Limit < 0 {
		return fmt.Errorf("manifest.limit must be >= 0")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return fmt.Errorf("fetch.requests_per_second must be >= 0")
	}
	if c.Filter.TargetLanguage == "" {
		return fmt.Errorf("filter.target_language must be set")
	}
	if c.Filter.ClassifierEnabled && len(c.Filter.ClassifierLanguages) < 2 {
		return fmt.Errorf("filter.classifier_languages needs at least two entries when the classifier is enabled")
	}
	if c.Extract.Enabled && c.Extract.TimeoutSeconds <= 0 {
		return fmt.Errorf("extract.timeout_seconds must be > 0 when extraction is enabled")
	}
	if c.Quality.MinLength <= 0 {
		return fmt.Errorf("quality.min_length must be > 0")
	}
	if c.Shard.Threshold <= 0 {
		return fmt.Errorf("shard.threshold must be > 0")
	}
	switch c.Shard.Unit {
	case "segments", "records":
	default:
		return fmt.Errorf("shard.unit must be segments or records, got %q", c.Shard.Unit)
	}
	switch c.Shard.Codec {
	case "zstd", "lz4":
	default:
		return fmt.Errorf("shard.codec must be zstd or lz4, got %q", c.Shard.Codec)
	}
	switch c.Checkpoint.Backend {
	case "file":
	case "postgres":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be file or postgres, got %q", c.Checkpoint.Backend)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be local, gcs or memory, got %q", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// ExtractTimeout converts extract.timeout_seconds.
func (c Config) ExtractTimeout() time.Duration {
	return time.Duration(c.Extract.TimeoutSeconds) * time.Second
}

// ShutdownGrace converts run.shutdown_grace_seconds.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Run.ShutdownGraceSeconds) * time.Second
}

// RetryDelay converts fetch.retry_delay_seconds.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Fetch.RetryDelaySeconds) * time.Second
}

// HeaderTimeout converts fetch.header_timeout_seconds.
func (c Config) HeaderTimeout() time.Duration {
	return time.Duration(c.Fetch.HeaderTimeoutSeconds) * time.Second
}

// SegmentBackoff returns the base and cap of the whole-segment retry backoff.
func (c Config) SegmentBackoff() (base, maxDelay time.Duration) {
	return time.Duration(c.Run.BackoffBaseMs) * time.Millisecond,
		time.Duration(c.Run.BackoffMaxMs) * time.Millisecond
}

// ProgressBatchWait converts progress.max_batch_wait_ms.
func (c Config) ProgressBatchWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}

// CheckpointPath resolves the checkpoint file location.
func (c Config) CheckpointPath() string {
	if c.Checkpoint.Path != "" {
		return c.Checkpoint.Path
	}
	return filepath.Join(c.Run.WorkingDir, "progress_parallel.txt")
}
