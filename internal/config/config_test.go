package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Run.Workers)
	assert.Equal(t, "ja", cfg.Filter.TargetLanguage)
	assert.True(t, cfg.Filter.ClassifierEnabled)
	assert.True(t, cfg.Extract.Enabled)
	assert.Equal(t, 30*time.Second, cfg.ExtractTimeout())
	assert.Equal(t, 400, cfg.Quality.MinLength)
	assert.Equal(t, 1000, cfg.Shard.Threshold)
	assert.Equal(t, "segments", cfg.Shard.Unit)
	assert.Equal(t, "zstd", cfg.Shard.Codec)
	assert.Equal(t, "file", cfg.Checkpoint.Backend)
	assert.Equal(t, filepath.Join("work", "progress_parallel.txt"), cfg.CheckpointPath())
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Zero(t, cfg.ShutdownGrace())

	base, maxDelay := cfg.SegmentBackoff()
	assert.Equal(t, 2*time.Second, base)
	assert.Equal(t, time.Minute, maxDelay)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
run:
  working_dir: /tmp/ccja
  workers: 12
  shutdown_grace_seconds: 90
manifest:
  url: ./warc.paths
  limit: 10
filter:
  strict_lang_attr: true
  classifier_enabled: false
extract:
  enabled: false
quality:
  drop_rejected: true
shard:
  threshold: 5000
  unit: records
  codec: lz4
  prefix: shards/ja
checkpoint:
  backend: postgres
  dsn: postgres://localhost/ccja
storage:
  backend: gcs
  bucket: corpus-bucket
pubsub:
  project_id: proj
  topic_name: shards
server:
  enabled: true
  port: 9090
logging:
  development: false
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ccja", cfg.Run.WorkingDir)
	assert.Equal(t, 12, cfg.Run.Workers)
	assert.Equal(t, 90*time.Second, cfg.ShutdownGrace())
	assert.Equal(t, 10, cfg.Manifest.Limit)
	assert.True(t, cfg.Filter.StrictLangAttr)
	assert.False(t, cfg.Filter.ClassifierEnabled)
	assert.False(t, cfg.Extract.Enabled)
	assert.True(t, cfg.Quality.DropRejected)
	assert.Equal(t, ShardConfig{Threshold: 5000, Unit: "records", Codec: "lz4", Prefix: "shards/ja"}, cfg.Shard)
	assert.Equal(t, "postgres://localhost/ccja", cfg.Checkpoint.DSN)
	assert.Equal(t, "processed_segments", cfg.Checkpoint.Table)
	assert.Equal(t, "corpus-bucket", cfg.Storage.Bucket)
	assert.Equal(t, PubSubConfig{ProjectID: "proj", TopicName: "shards"}, cfg.PubSub)
	assert.Equal(t, ServerConfig{Enabled: true, Port: 9090}, cfg.Server)
	assert.Equal(t, LoggingConfig{Development: false, Level: "debug"}, cfg.Logging)
}

func TestLoadAcceptsLegacyKeys(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
working_dir: ./legacy-work
dataset_dir: ./legacy-dataset
num_proc: 3
num_zstd_chunk_size: 50
warc_paths_url: https://data.commoncrawl.org/crawl-data/CC-MAIN-2023-50/warc.paths.gz
fast_text_language_recognition: false
trafilatura_timeout: 10
enable_text_extraction_from_html: true
run:
  workers: 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "./legacy-work", cfg.Run.WorkingDir)
	assert.Equal(t, "./legacy-dataset", cfg.Storage.Local.BaseDir)
	assert.Equal(t, 7, cfg.Run.Workers, "current key wins over legacy key")
	assert.Equal(t, 50, cfg.Shard.Threshold)
	assert.Equal(t, "https://data.commoncrawl.org/crawl-data/CC-MAIN-2023-50/warc.paths.gz", cfg.Manifest.URL)
	assert.False(t, cfg.Filter.ClassifierEnabled)
	assert.Equal(t, 10*time.Second, cfg.ExtractTimeout())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CCJA_RUN_WORKERS", "9")
	t.Setenv("CCJA_SHARD_CODEC", "lz4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Run.Workers)
	assert.Equal(t, "lz4", cfg.Shard.Codec)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"workers", func(c *Config) { c.Run.Workers = 0 }, "run.workers"},
		{"working dir", func(c *Config) { c.Run.WorkingDir = " " }, "run.working_dir"},
		{"grace", func(c *Config) { c.Run.ShutdownGraceSeconds = -1 }, "run.shutdown_grace_seconds"},
		{"manifest", func(c *Config) { c.Manifest.URL = "" }, "manifest.url"},
		{"fetch retries", func(c *Config) { c.Fetch.MaxRetries = 0 }, "fetch.max_retries"},
		{"classifier languages", func(c *Config) { c.Filter.ClassifierLanguages = []string{"ja"} }, "filter.classifier_languages"},
		{"extract timeout", func(c *Config) { c.Extract.TimeoutSeconds = 0 }, "extract.timeout_seconds"},
		{"shard unit", func(c *Config) { c.Shard.Unit = "bytes" }, "shard.unit"},
		{"shard codec", func(c *Config) { c.Shard.Codec = "gzip" }, "shard.codec"},
		{"postgres dsn", func(c *Config) { c.Checkpoint.Backend = "postgres" }, "checkpoint.dsn"},
		{"gcs bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.bucket"},
		{"storage backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"pubsub pair", func(c *Config) { c.PubSub.ProjectID = "proj" }, "pubsub.project_id"},
		{"server port", func(c *Config) { c.Server.Enabled = true; c.Server.Port = 0 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Filter.ClassifierLanguages = append([]string(nil), base.Filter.ClassifierLanguages...)
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
