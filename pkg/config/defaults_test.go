package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/fsserver/internal/bytesize"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default log format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("Expected default log output 'stderr', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_Server(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.Threads != 4 {
		t.Errorf("Expected 4 threads, got %d", cfg.Server.Threads)
	}
	if cfg.Server.MaxThreads != 80 {
		t.Errorf("Expected 80 max threads, got %d", cfg.Server.MaxThreads)
	}
	if cfg.Server.ShutdownGrace != 2*time.Second {
		t.Errorf("Expected 2s shutdown grace, got %v", cfg.Server.ShutdownGrace)
	}
}

func TestApplyDefaults_Persistence(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if filepath.Base(cfg.Persistence.Dir) != "fsserver" {
		t.Errorf("Expected persistence dir ending in 'fsserver', got %q", cfg.Persistence.Dir)
	}
	if cfg.Persistence.Enabled {
		t.Error("Persistence must stay opt-in")
	}
}

func TestApplyDefaults_RefreshCopyLock(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Refresh.Mode != "implicit" {
		t.Errorf("Expected implicit refresh mode, got %q", cfg.Refresh.Mode)
	}
	if cfg.Refresh.WatchDebounce != 100*time.Millisecond {
		t.Errorf("Expected 100ms debounce, got %v", cfg.Refresh.WatchDebounce)
	}
	if cfg.Copy.BufferSize != 16*bytesize.KiB {
		t.Errorf("Expected 16KiB buffer, got %v", cfg.Copy.BufferSize)
	}
	if cfg.Lock.KillWait != 5*time.Millisecond {
		t.Errorf("Expected 5ms kill wait, got %v", cfg.Lock.KillWait)
	}
}

func TestApplyDefaults_Metrics(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Metrics.Port != 0 {
		t.Errorf("Disabled metrics should keep port 0, got %d", cfg.Metrics.Port)
	}

	cfg = &Config{Metrics: MetricsConfig{Enabled: true}}
	ApplyDefaults(cfg)
	if cfg.Metrics.Port != DefaultMetricsPort {
		t.Errorf("Expected port %d, got %d", DefaultMetricsPort, cfg.Metrics.Port)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "warn", Format: "json", Output: "/tmp/fs.log"},
		Server:  ServerConfig{Threads: 1, MaxThreads: 10, ShutdownGrace: time.Second},
		Refresh: RefreshConfig{Mode: "explicit", Interval: 5 * time.Second},
		Copy:    CopyConfig{BufferSize: bytesize.MiB},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" || cfg.Logging.Format != "json" || cfg.Logging.Output != "/tmp/fs.log" {
		t.Errorf("Logging values not preserved: %+v", cfg.Logging)
	}
	if cfg.Server.Threads != 1 || cfg.Server.MaxThreads != 10 || cfg.Server.ShutdownGrace != time.Second {
		t.Errorf("Server values not preserved: %+v", cfg.Server)
	}
	if cfg.Refresh.Mode != "explicit" || cfg.Refresh.Interval != 5*time.Second {
		t.Errorf("Refresh values not preserved: %+v", cfg.Refresh)
	}
	if cfg.Copy.BufferSize != bytesize.MiB {
		t.Errorf("Copy buffer not preserved: %v", cfg.Copy.BufferSize)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Refresh.Interval != time.Second {
		t.Errorf("Expected default refresh interval 1s, got %v", cfg.Refresh.Interval)
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Expected insecure telemetry transport by default")
	}
	if len(cfg.Telemetry.Profiling.ProfileTypes) == 0 {
		t.Error("Expected default profile types")
	}
}
