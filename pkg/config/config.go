package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/fsserver/internal/bytesize"
)

// Config is the complete fsserver configuration. Flags override
// FSSERVER_* environment variables, which override the YAML file, which
// overrides the defaults.
type Config struct {
	// Logging controls diagnostics output. The protocol owns stdout, so
	// logs go to stderr or a file.
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`

	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	Refresh     RefreshConfig     `mapstructure:"refresh" yaml:"refresh"`
	Access      AccessConfig      `mapstructure:"access" yaml:"access"`
	Copy        CopyConfig        `mapstructure:"copy" yaml:"copy"`

	// Lock controls the single-instance lock of the persistence directory.
	Lock LockConfig `mapstructure:"lock" yaml:"lock"`
}

type LoggingConfig struct {
	// TRACE, DEBUG, INFO, WARN or ERROR, any case.
	Level string `mapstructure:"level" validate:"required,oneof=TRACE DEBUG INFO WARN ERROR trace debug info warn error" yaml:"level"`

	// text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stderr or a file path. stdout is refused: it carries the
	// protocol.
	Output string `mapstructure:"output" validate:"required,ne=stdout" yaml:"output"`
}

// TelemetryConfig exports one span per request and refresh pass over OTLP.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Collector host:port. Default: localhost:4317
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure"`

	// Fraction of requests traced.
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig pushes pprof profiles to a Pyroscope server.
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Server URL. Default: http://localhost:4040
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// cpu, alloc_objects, alloc_space, inuse_objects, inuse_space,
	// goroutines, mutex_count, mutex_duration, block_count, block_duration
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig serves Prometheus metrics on localhost. Nothing is
// collected while disabled.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ServerConfig controls request dispatching.
type ServerConfig struct {
	// Threads is the initial worker count; 1 handles requests inline.
	// Default: 4
	Threads int `mapstructure:"threads" validate:"min=1,max=80" yaml:"threads"`

	// MaxThreads caps pool growth.
	// Default: 80
	MaxThreads int `mapstructure:"max_threads" validate:"min=1,max=80,gtefield=Threads" yaml:"max_threads"`

	// ShutdownGrace bounds the wait for busy workers at shutdown.
	// Default: 2s
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" validate:"gt=0" yaml:"shutdown_grace"`

	// Statistics prints the max queue size to stderr at shutdown.
	Statistics bool `mapstructure:"statistics" yaml:"statistics"`

	// RequestLog appends every request line to <dir>/log.
	RequestLog bool `mapstructure:"request_log" yaml:"request_log"`
}

// PersistenceConfig controls the directory table and its caches.
type PersistenceConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Dir is the base directory of the table, caches, lock and logs.
	// Default: $XDG_CACHE_HOME/fsserver
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`

	// Clear removes persisted state on startup.
	Clear bool `mapstructure:"clear" yaml:"clear"`
}

// RefreshConfig controls change detection. It requires persistence.
type RefreshConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval is the pause between background passes.
	// Default: 1s
	Interval time.Duration `mapstructure:"interval" validate:"gte=0" yaml:"interval"`

	// Mode: implicit (listed directories are polled), explicit (only
	// directories added with a watch request) or native (filesystem
	// notifications).
	Mode string `mapstructure:"mode" validate:"required,oneof=implicit explicit native" yaml:"mode"`

	// WatchDebounce groups filesystem events in native mode.
	// Default: 100ms
	WatchDebounce time.Duration `mapstructure:"watch_debounce" validate:"gte=0" yaml:"watch_debounce"`
}

// AccessConfig controls how entries are stat'ed.
type AccessConfig struct {
	// FullCheck computes rwx with access(2) instead of mode bits.
	FullCheck bool `mapstructure:"full_check" yaml:"full_check"`

	// ForbiddenDirs are never stat'ed (glob patterns allowed).
	ForbiddenDirs []string `mapstructure:"forbidden_dirs" yaml:"forbidden_dirs"`
}

// CopyConfig controls copy and move requests.
type CopyConfig struct {
	// BufferSize is the copy chunk size ("16KiB", "1MiB", ...).
	// Default: 16KiB
	BufferSize bytesize.ByteSize `mapstructure:"buffer_size" validate:"gt=0" yaml:"buffer_size"`
}

// LockConfig controls the instance lock.
type LockConfig struct {
	// KillPrevious signals a running instance that holds the lock.
	KillPrevious bool `mapstructure:"kill_previous" yaml:"kill_previous"`

	// KillPID restricts KillPrevious to this pid; 0 means any.
	KillPID int `mapstructure:"kill_pid" validate:"gte=0" yaml:"kill_pid"`

	// KillWait is the wait per signal round.
	// Default: 5ms
	KillWait time.Duration `mapstructure:"kill_wait" validate:"gte=0" yaml:"kill_wait"`
}

// Load reads configPath, or config.yaml in the default config directory
// when configPath is empty, overlays the environment and validates the
// result. Only a missing default file is tolerated: the IDE spawns
// fsserver without one.
func Load(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("configuration file not found: %s (create one with: fsserver config init --config %s)",
				configPath, configPath)
		}
	}

	v := viper.New()
	setupViper(v, configPath)
	bindDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, creating parent directories.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeConfigFile(path, data)
}

func writeConfigFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// Example: FSSERVER_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("FSSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindDefaults registers every key with viper so that environment
// variables are honored even when no config file mentions the key.
func bindDefaults(v *viper.Viper) {
	def := GetDefaultConfig()
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)
	v.SetDefault("telemetry.enabled", def.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", def.Telemetry.Endpoint)
	v.SetDefault("telemetry.insecure", def.Telemetry.Insecure)
	v.SetDefault("telemetry.sample_rate", def.Telemetry.SampleRate)
	v.SetDefault("telemetry.profiling.enabled", def.Telemetry.Profiling.Enabled)
	v.SetDefault("telemetry.profiling.endpoint", def.Telemetry.Profiling.Endpoint)
	v.SetDefault("telemetry.profiling.profile_types", def.Telemetry.Profiling.ProfileTypes)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.port", def.Metrics.Port)
	v.SetDefault("server.threads", def.Server.Threads)
	v.SetDefault("server.max_threads", def.Server.MaxThreads)
	v.SetDefault("server.shutdown_grace", def.Server.ShutdownGrace)
	v.SetDefault("server.statistics", def.Server.Statistics)
	v.SetDefault("server.request_log", def.Server.RequestLog)
	v.SetDefault("persistence.enabled", def.Persistence.Enabled)
	v.SetDefault("persistence.dir", def.Persistence.Dir)
	v.SetDefault("persistence.clear", def.Persistence.Clear)
	v.SetDefault("refresh.enabled", def.Refresh.Enabled)
	v.SetDefault("refresh.interval", def.Refresh.Interval)
	v.SetDefault("refresh.mode", def.Refresh.Mode)
	v.SetDefault("refresh.watch_debounce", def.Refresh.WatchDebounce)
	v.SetDefault("access.full_check", def.Access.FullCheck)
	v.SetDefault("access.forbidden_dirs", def.Access.ForbiddenDirs)
	v.SetDefault("copy.buffer_size", uint64(def.Copy.BufferSize))
	v.SetDefault("lock.kill_previous", def.Lock.KillPrevious)
	v.SetDefault("lock.kill_pid", def.Lock.KillPID)
	v.SetDefault("lock.kill_wait", def.Lock.KillWait)
}

func readConfigFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil, errors.As(err, &notFound), errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("failed to read config file: %w", err)
	}
}

var (
	byteSizeType = reflect.TypeOf(bytesize.ByteSize(0))
	durationType = reflect.TypeOf(time.Duration(0))
)

// configDecodeHooks parses "16KiB" and "1s" style strings and splits
// PATH-style lists such as FSSERVER_ACCESS_FORBIDDEN_DIRS=/proc:/sys.
// Numbers need no hook: mapstructure converts them to the named types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		unitDecodeHook,
		mapstructure.StringToSliceHookFunc(":"),
	)
}

func unitDecodeHook(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	switch to {
	case byteSizeType:
		return bytesize.ParseByteSize(s)
	case durationType:
		return time.ParseDuration(s)
	}
	return data, nil
}

// getConfigDir returns $XDG_CONFIG_HOME/fsserver, ~/.config/fsserver or ".".
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "fsserver")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "fsserver")
	}
	return "."
}

// GetDefaultConfigPath returns config.yaml in the default config directory.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

func DefaultConfigExists() bool {
	st, err := os.Stat(GetDefaultConfigPath())
	return err == nil && st.Mode().IsRegular()
}
