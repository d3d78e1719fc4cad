// Package config loads the YAML configuration of the embedvault command.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/embedvault"
	"github.com/hupe1980/embedvault/blobstore"
	"github.com/hupe1980/embedvault/blobstore/minio"
	"github.com/hupe1980/embedvault/blobstore/s3"
	"github.com/hupe1980/embedvault/compress"
	"github.com/hupe1980/embedvault/distance"
	"github.com/hupe1980/embedvault/resource"
	"github.com/hupe1980/embedvault/store"
)

// Config holds all settings of a vault deployment.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	Dimension   int    `yaml:"dimension"`
	Metric      string `yaml:"metric"`
	MaxFileSize int64  `yaml:"max_file_size"`
	Durability  string `yaml:"durability"`
	Compression string `yaml:"compression"`

	CacheTTLSeconds   int  `yaml:"cache_ttl_seconds"`
	CacheMaxEntries   int  `yaml:"cache_max_entries"`
	InvalidateOnWrite bool `yaml:"invalidate_on_write"`

	LatencyWindow int `yaml:"latency_window"`

	Index IndexConfig `yaml:"index"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`

	Resources ResourceConfig `yaml:"resources"`
	Backup    BackupConfig   `yaml:"backup"`
}

// IndexConfig holds the IVF-PQ build and query settings.
type IndexConfig struct {
	PartitionCount int           `yaml:"ivf_partition_count"`
	SubVectorCount int           `yaml:"sub_vector_count"`
	BitWidth       int           `yaml:"bit_width"`
	NProbes        int           `yaml:"nprobes"`
	RefineFactor   int           `yaml:"refine_factor"`
	DriftTolerance float64       `yaml:"rebuild_drift_tolerance"`
	AutoRebuild    bool          `yaml:"auto_rebuild"`
	MinRows        int           `yaml:"min_rows"`
	BuildTimeout   time.Duration `yaml:"build_timeout"`
	MaxTrainRows   int           `yaml:"max_training_rows"`
}

// ResourceConfig bounds index builds and backup I/O.
type ResourceConfig struct {
	MaxConcurrentBuilds int64 `yaml:"max_concurrent_builds"`
	BuildMemoryBytes    int64 `yaml:"build_memory_bytes"`
	IOBytesPerSec       int64 `yaml:"io_bytes_per_sec"`
}

// BackupConfig selects the object store used by backup and restore.
type BackupConfig struct {
	Target      string `yaml:"target"`
	Path        string `yaml:"path"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Endpoint    string `yaml:"endpoint"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	Secure      bool   `yaml:"secure"`
	Concurrency int    `yaml:"concurrency"`
}

// Backup targets.
const (
	TargetLocal = "local"
	TargetS3    = "s3"
	TargetMinio = "minio"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Load reads and parses the config file at path, applies defaults and
// resolves relative paths against the directory of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.DataDir = expandPath(cfg.DataDir, configDir)
	if cfg.Backup.Target == TargetLocal && cfg.Backup.Path != "" {
		cfg.Backup.Path = expandPath(cfg.Backup.Path, configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	if c.Dimension < 0 {
		return fmt.Errorf("%w: dimension must not be negative", ErrInvalidConfig)
	}
	if _, err := distance.ParseMetric(c.Metric); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := compress.ParseAlgorithm(c.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.durability(); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("%w: log_format must be json or text, got %q", ErrInvalidConfig, c.LogFormat)
	}
	if c.Index.BitWidth < 1 || c.Index.BitWidth > 8 {
		return fmt.Errorf("%w: bit_width must be in [1, 8], got %d", ErrInvalidConfig, c.Index.BitWidth)
	}
	if c.Dimension > 0 && c.Dimension%c.Index.SubVectorCount != 0 {
		return fmt.Errorf("%w: dimension %d is not divisible by sub_vector_count %d",
			ErrInvalidConfig, c.Dimension, c.Index.SubVectorCount)
	}
	if c.Index.MaxTrainRows < 0 || c.LatencyWindow < 0 {
		return fmt.Errorf("%w: max_training_rows and latency_window must not be negative", ErrInvalidConfig)
	}
	if c.Index.DriftTolerance < 0 {
		return fmt.Errorf("%w: rebuild_drift_tolerance must not be negative", ErrInvalidConfig)
	}
	switch c.Backup.Target {
	case "", TargetLocal, TargetS3, TargetMinio:
	default:
		return fmt.Errorf("%w: unknown backup target %q", ErrInvalidConfig, c.Backup.Target)
	}
	return nil
}

func (c *Config) durability() (store.Durability, error) {
	switch c.Durability {
	case "sync":
		return store.SyncAlways, nil
	case "none":
		return store.SyncNone, nil
	default:
		return 0, fmt.Errorf("%w: durability must be sync or none, got %q", ErrInvalidConfig, c.Durability)
	}
}

// VaultOptions translates the config into options for embedvault.Open.
// The logger and resource controller are built here as well.
func (c *Config) VaultOptions() ([]embedvault.Option, error) {
	metric, err := distance.ParseMetric(c.Metric)
	if err != nil {
		return nil, err
	}
	algo, err := compress.ParseAlgorithm(c.Compression)
	if err != nil {
		return nil, err
	}
	durability, err := c.durability()
	if err != nil {
		return nil, err
	}
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}

	opts := []embedvault.Option{
		embedvault.WithMetric(metric),
		embedvault.WithMaxFileSize(c.MaxFileSize),
		embedvault.WithDurability(durability),
		embedvault.WithCompression(algo),
		embedvault.WithCacheTTL(time.Duration(c.CacheTTLSeconds) * time.Second),
		embedvault.WithCacheMaxEntries(c.CacheMaxEntries),
		embedvault.WithInvalidateOnWrite(c.InvalidateOnWrite),
		embedvault.WithPartitionCount(c.Index.PartitionCount),
		embedvault.WithSubVectorCount(c.Index.SubVectorCount),
		embedvault.WithBitWidth(c.Index.BitWidth),
		embedvault.WithNProbes(c.Index.NProbes),
		embedvault.WithRefineFactor(c.Index.RefineFactor),
		embedvault.WithDriftTolerance(c.Index.DriftTolerance),
		embedvault.WithBuildTimeout(c.Index.BuildTimeout),
		embedvault.WithAutoRebuild(c.Index.AutoRebuild),
		embedvault.WithMinIndexRows(c.Index.MinRows),
		embedvault.WithMaxTrainingRows(c.Index.MaxTrainRows),
		embedvault.WithLatencyWindow(c.LatencyWindow),
		embedvault.WithBackupConcurrency(c.Backup.Concurrency),
		embedvault.WithResources(resource.NewController(resource.Config{
			MaxConcurrentBuilds: c.Resources.MaxConcurrentBuilds,
			BuildMemoryBytes:    c.Resources.BuildMemoryBytes,
			IOBytesPerSec:       c.Resources.IOBytesPerSec,
		})),
		embedvault.WithLogger(logger),
	}
	if c.Dimension > 0 {
		opts = append(opts, embedvault.WithDimension(c.Dimension))
	}
	return opts, nil
}

// Logger builds the structured logger selected by log_level and log_format.
func (c *Config) Logger() (*embedvault.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	if c.LogFormat == "text" {
		return embedvault.NewTextLogger(level), nil
	}
	return embedvault.NewJSONLogger(level), nil
}

// BackupStore opens the object store named by the backup section.
func (c *Config) BackupStore(ctx context.Context) (blobstore.Store, error) {
	b := c.Backup
	switch b.Target {
	case "", TargetLocal:
		if b.Path == "" {
			return nil, fmt.Errorf("%w: backup.path is required for the local target", ErrInvalidConfig)
		}
		return blobstore.NewLocalStore(b.Path), nil
	case TargetS3:
		if b.Bucket == "" {
			return nil, fmt.Errorf("%w: backup.bucket is required for the s3 target", ErrInvalidConfig)
		}
		st, err := s3.NewFromConfig(ctx, b.Bucket, b.Prefix)
		if err != nil {
			return nil, err
		}
		return st, nil
	case TargetMinio:
		if b.Bucket == "" || b.Endpoint == "" {
			return nil, fmt.Errorf("%w: backup.bucket and backup.endpoint are required for the minio target", ErrInvalidConfig)
		}
		client, err := minio.Dial(b.Endpoint, b.AccessKey, b.SecretKey, b.Secure)
		if err != nil {
			return nil, err
		}
		return minio.NewStore(client, b.Bucket, b.Prefix), nil
	default:
		return nil, fmt.Errorf("%w: unknown backup target %q", ErrInvalidConfig, b.Target)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}
	return level, nil
}

// expandPath makes path absolute. Relative paths are resolved against
// configDir and a leading "~/" against the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}
	return filepath.Join(configDir, path)
}
