package config

import (
	"github.com/hupe1980/embedvault"
	"github.com/hupe1980/embedvault/index"
	"github.com/hupe1980/embedvault/index/ivfpq"
	"github.com/hupe1980/embedvault/store"
	"github.com/hupe1980/embedvault/versionlog"
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Metric == "" {
		cfg.Metric = "l2"
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = store.DefaultMaxFileSize
	}
	if cfg.Durability == "" {
		cfg.Durability = "sync"
	}
	if cfg.Compression == "" {
		cfg.Compression = "zstd"
	}
	if cfg.CacheTTLSeconds == 0 {
		cfg.CacheTTLSeconds = int(embedvault.DefaultCacheTTL.Seconds())
	}
	if cfg.CacheMaxEntries == 0 {
		cfg.CacheMaxEntries = embedvault.DefaultCacheMaxEntries
	}
	if cfg.Index.PartitionCount == 0 {
		cfg.Index.PartitionCount = index.DefaultBuildParams.Partitions
	}
	if cfg.Index.SubVectorCount == 0 {
		cfg.Index.SubVectorCount = index.DefaultBuildParams.SubVectors
	}
	if cfg.Index.BitWidth == 0 {
		cfg.Index.BitWidth = index.DefaultBuildParams.BitWidth
	}
	if cfg.Index.NProbes == 0 {
		cfg.Index.NProbes = ivfpq.DefaultNProbes
	}
	if cfg.Index.RefineFactor == 0 {
		cfg.Index.RefineFactor = embedvault.DefaultRefineFactor
	}
	if cfg.Index.DriftTolerance == 0 {
		cfg.Index.DriftTolerance = index.DefaultDriftTolerance
	}
	if cfg.Index.MinRows == 0 {
		cfg.Index.MinRows = embedvault.DefaultMinIndexRows
	}
	if cfg.Index.BuildTimeout == 0 {
		cfg.Index.BuildTimeout = index.DefaultBuildTimeout
	}
	if cfg.Index.MaxTrainRows == 0 {
		cfg.Index.MaxTrainRows = ivfpq.DefaultMaxTrainingRows
	}
	if cfg.LatencyWindow == 0 {
		cfg.LatencyWindow = versionlog.DefaultLatencyWindow
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":2112"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Backup.Target == "" {
		cfg.Backup.Target = TargetLocal
	}
	if cfg.Backup.Concurrency == 0 {
		cfg.Backup.Concurrency = embedvault.DefaultBackupConcurrency
	}
}
