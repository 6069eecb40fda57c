package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_LogToStdoutRefused(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Output = "stdout"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected logging to stdout to be refused")
	}
}

func TestValidate_ThreadBounds(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Threads = 81

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for too many threads")
	}
	if !strings.Contains(err.Error(), "Server.Threads") {
		t.Errorf("Expected error naming Server.Threads, got: %v", err)
	}

	cfg = GetDefaultConfig()
	cfg.Server.Threads = 8
	cfg.Server.MaxThreads = 4
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected max_threads below threads to be rejected")
	}
}

func TestValidate_InvalidMetricsPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 70000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for port out of range")
	}
	if !strings.Contains(err.Error(), "max") {
		t.Errorf("Expected 'max' validation error, got: %v", err)
	}
}

func TestValidate_RefreshMode(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Refresh.Mode = "sometimes"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for unknown refresh mode")
	}
}

func TestValidate_RefreshRequiresPersistence(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Refresh.Enabled = true

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected refresh without persistence to fail")
	}

	cfg.Persistence.Enabled = true
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected refresh with persistence to pass, got: %v", err)
	}
}

func TestValidate_TelemetryEnabledWithoutEndpoint(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Endpoint = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for telemetry without endpoint")
	}
}

func TestValidate_ForbiddenDirPatterns(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Access.ForbiddenDirs = []string{"/net", "/mnt/*"}
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected glob patterns to pass, got: %v", err)
	}

	cfg.Access.ForbiddenDirs = []string{"/mnt/[a"}
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected malformed glob pattern to fail")
	}
}
