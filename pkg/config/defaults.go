package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/fsserver/internal/bytesize"
)

// Defaults.
const (
	DefaultThreads       = 4
	DefaultMaxThreads    = 80
	DefaultShutdownGrace = 2 * time.Second
	DefaultRefreshEvery  = time.Second
	DefaultWatchDebounce = 100 * time.Millisecond
	DefaultKillWait      = 5 * time.Millisecond
	DefaultCopyBuffer    = 16 * bytesize.KiB
	DefaultMetricsPort   = 9090

	// StderrFileName is the default target of error redirection, under
	// the persistence directory.
	StderrFileName = "stderr.txt"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values (0, "", nil) are replaced with defaults; explicit values are
// preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyServerDefaults(&cfg.Server)
	applyPersistenceDefaults(&cfg.Persistence)
	applyRefreshDefaults(&cfg.Refresh)
	applyCopyDefaults(&cfg.Copy)
	applyLockDefaults(&cfg.Lock)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Threads == 0 {
		cfg.Threads = DefaultThreads
	}
	if cfg.MaxThreads == 0 {
		cfg.MaxThreads = DefaultMaxThreads
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
}

func applyPersistenceDefaults(cfg *PersistenceConfig) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultPersistenceDir()
	}
}

func applyRefreshDefaults(cfg *RefreshConfig) {
	if cfg.Mode == "" {
		cfg.Mode = "implicit"
	}
	if cfg.WatchDebounce == 0 {
		cfg.WatchDebounce = DefaultWatchDebounce
	}
}

func applyCopyDefaults(cfg *CopyConfig) {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultCopyBuffer
	}
}

func applyLockDefaults(cfg *LockConfig) {
	if cfg.KillWait == 0 {
		cfg.KillWait = DefaultKillWait
	}
}

// DefaultPersistenceDir returns the user cache directory joined with
// "fsserver", or a directory under the system temp dir.
func DefaultPersistenceDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "fsserver")
	}
	return filepath.Join(os.TempDir(), "fsserver")
}

// GetDefaultConfig returns a Config struct with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Telemetry: TelemetryConfig{Insecure: true},
		Refresh:   RefreshConfig{Interval: DefaultRefreshEvery},
	}
	ApplyDefaults(cfg)
	return cfg
}
