// Package config provides YAML configuration parsing and validation for the
// CPU profiler worker. Configuration is loaded from a YAML file specified
// via the --config flag and governs which events are sampled, how to reach
// the collector, and the worker's telemetry and admin surfaces.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Watchers
// ---------------------------------------------------------------------------

// WatcherKind selects the kernel event source for a watcher.
type WatcherKind string

const (
	WatcherKindCPUCycles WatcherKind = "cpu-cycles"
	WatcherKindTaskClock WatcherKind = "task-clock"
	WatcherKindTracepoint WatcherKind = "tracepoint"
	WatcherKindBreakpoint WatcherKind = "breakpoint"
)

var validWatcherKinds = map[WatcherKind]struct{}{
	WatcherKindCPUCycles:  {},
	WatcherKindTaskClock:  {},
	WatcherKindTracepoint: {},
	WatcherKindBreakpoint: {},
}

// WatcherRule defines one sampling source to attach. Either Preset is set,
// or Kind/Unit/Name and one of Period/Freq are set explicitly.
type WatcherRule struct {
	// Preset selects a built-in watcherspec.Presets entry by its stable ID
	// (e.g. 10 for "cpu-time"). When non-zero, the remaining fields except
	// Period are ignored; a non-zero Period overrides the preset's sample
	// period. Freq is not applied to preset watchers.
	Preset int `yaml:"preset"`

	// Name is a human-readable identifier, also used as the pprof
	// value-type label.
	Name string `yaml:"name"`
	// Kind selects the kernel event source.
	Kind WatcherKind `yaml:"kind"`
	// Period fires a sample every N occurrences of the event. Mutually
	// exclusive with Freq.
	Period uint64 `yaml:"period"`
	// Freq fires approximately N samples per second. Mutually exclusive
	// with Period.
	Freq uint64 `yaml:"freq"`
	// Unit labels the value type, e.g. "cycles", "nanoseconds", "count".
	Unit string `yaml:"unit"`
	// Tracepoint is the raw "group:name[%reg][@freq]" spec string,
	// required when Kind is "tracepoint".
	Tracepoint string `yaml:"tracepoint"`
}

// ---------------------------------------------------------------------------
// Collector
// ---------------------------------------------------------------------------

// CollectorConfig configures the outbound export of completed profiles.
type CollectorConfig struct {
	// URL is the HTTP(S) endpoint the exporter POSTs gzipped pprof
	// profiles to.
	URL string `yaml:"url"`
	// JWTKeyPath is the path to the symmetric key file used to sign
	// bearer tokens presented to the collector.
	JWTKeyPath string `yaml:"jwt_key_path"`
	// UploadPeriod is how often the aggregator flips and exports its
	// active profile document.
	UploadPeriod time.Duration `yaml:"upload_period"`
	// InitialBackoff/MaxBackoff/MaxElapsedTime tune the export retry
	// schedule.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`
}

// ---------------------------------------------------------------------------
// Statsd
// ---------------------------------------------------------------------------

// StatsdConfig configures the telemetry flush target. Telemetry is disabled
// when Addr is empty.
type StatsdConfig struct {
	// Addr is "host:port" for UDP, or "unixgram://<path>" for a Unix
	// datagram socket.
	Addr string `yaml:"addr"`
	// FlushPeriod is how often gauges are flushed.
	FlushPeriod time.Duration `yaml:"flush_period"`
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

// AdminConfig controls the /healthz and /debug/pprof HTTP endpoint.
type AdminConfig struct {
	// Enabled controls whether the admin endpoint is served.
	Enabled bool `yaml:"enabled"`
	// Address is the listen address in "host:port" form.
	Address string `yaml:"address"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LogLevel specifies the minimum level of messages emitted by the worker's
// structured logger (log/slog).
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var validLogLevels = map[LogLevel]struct{}{
	LogLevelDebug: {},
	LogLevelInfo:  {},
	LogLevelWarn:  {},
	LogLevelError: {},
}

// LoggingConfig controls the worker's structured logger.
type LoggingConfig struct {
	// Level is the minimum log level. Defaults to "info".
	Level LogLevel `yaml:"level"`
}

// ---------------------------------------------------------------------------
// Worker (top-level)
// ---------------------------------------------------------------------------

// WorkerConfig is the root configuration for a profiler worker. It is
// populated by parsing a YAML file with ParseFile.
type WorkerConfig struct {
	// WorkerVersion is read from the YAML file. Nothing else in the
	// profiler reads it; it is not attached to exports, whose worker id is
	// "<hostname>-<pid>".
	WorkerVersion string `yaml:"worker_version"`

	// Watchers lists the sampling sources to attach. At least one is
	// required.
	Watchers []WatcherRule `yaml:"watchers"`

	// MaxExportCycles bounds a worker's lifetime before the supervisor
	// recycles it (spec.md §5).
	MaxExportCycles int `yaml:"max_export_cycles"`

	// CacheValidate enables cross-checking every DWARF cache hit against
	// a fresh lookup, counting mismatches.
	CacheValidate bool `yaml:"cache_validate"`

	// Collector configures the outbound export path.
	Collector CollectorConfig `yaml:"collector"`

	// Statsd configures the telemetry flush target.
	Statsd StatsdConfig `yaml:"statsd"`

	// Admin configures the local HTTP admin surface.
	Admin AdminConfig `yaml:"admin"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

const defaultMaxExportCycles = 240

// applyDefaults fills in omitted fields with sensible production values. It
// is called by Parse before validation so that validation can rely on
// defaults being present.
func applyDefaults(cfg *WorkerConfig) {
	if cfg.MaxExportCycles == 0 {
		cfg.MaxExportCycles = defaultMaxExportCycles
	}

	if cfg.Collector.UploadPeriod == 0 {
		cfg.Collector.UploadPeriod = 60 * time.Second
	}
	if cfg.Collector.InitialBackoff == 0 {
		cfg.Collector.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Collector.MaxBackoff == 0 {
		cfg.Collector.MaxBackoff = 30 * time.Second
	}
	if cfg.Collector.MaxElapsedTime == 0 {
		cfg.Collector.MaxElapsedTime = 45 * time.Second
	}

	if cfg.Statsd.Addr != "" && cfg.Statsd.FlushPeriod == 0 {
		cfg.Statsd.FlushPeriod = 10 * time.Second
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		cfg.Admin.Address = "127.0.0.1:9090"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogLevelInfo
	}

	for i := range cfg.Watchers {
		w := &cfg.Watchers[i]
		if w.Preset != 0 {
			continue
		}
		if w.Unit == "" {
			w.Unit = "count"
		}
	}
}

// ---------------------------------------------------------------------------
// ParseFile / Parse
// ---------------------------------------------------------------------------

// ParseFile reads the YAML file at path, applies defaults, and validates the
// resulting configuration. It returns the validated WorkerConfig or an
// error that describes every validation failure (not just the first one).
func ParseFile(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates the
// configuration. Callers who already have the YAML in memory (e.g. tests)
// should use this function directly.
func Parse(data []byte) (*WorkerConfig, error) {
	var cfg WorkerConfig
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	applyDefaults(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
	}

	return &cfg, nil
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

// Validate checks cfg for semantic errors and returns all of them at once so
// operators can see and fix every problem in a single run. An empty slice
// means the configuration is valid.
func Validate(cfg *WorkerConfig) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// ── Collector ─────────────────────────────────────────────────────────
	if cfg.Collector.URL == "" {
		add("collector.url must not be empty")
	} else if u, err := url.Parse(cfg.Collector.URL); err != nil || u.Scheme == "" || u.Host == "" {
		add("collector.url %q is not a valid absolute URL", cfg.Collector.URL)
	}
	if cfg.Collector.JWTKeyPath == "" {
		add("collector.jwt_key_path must not be empty")
	} else if err := checkFileReadable(cfg.Collector.JWTKeyPath); err != nil {
		add("collector.jwt_key_path: %v", err)
	}
	if cfg.Collector.UploadPeriod <= 0 {
		add("collector.upload_period must be positive")
	}
	if cfg.Collector.MaxBackoff < cfg.Collector.InitialBackoff {
		add("collector.max_backoff (%v) must be >= initial_backoff (%v)",
			cfg.Collector.MaxBackoff, cfg.Collector.InitialBackoff)
	}

	// ── Worker ────────────────────────────────────────────────────────────
	if cfg.MaxExportCycles <= 0 {
		add("max_export_cycles must be positive")
	}

	// ── Statsd ────────────────────────────────────────────────────────────
	if cfg.Statsd.Addr != "" && cfg.Statsd.FlushPeriod <= 0 {
		add("statsd.flush_period must be positive when statsd.addr is set")
	}

	// ── Admin ─────────────────────────────────────────────────────────────
	if cfg.Admin.Enabled {
		if cfg.Admin.Address == "" {
			add("admin.address must not be empty when admin is enabled")
		} else if _, _, err := net.SplitHostPort(cfg.Admin.Address); err != nil {
			add("admin.address %q is not a valid host:port address: %v", cfg.Admin.Address, err)
		}
	}

	// ── Logging ───────────────────────────────────────────────────────────
	if _, ok := validLogLevels[cfg.Logging.Level]; !ok {
		add("logging.level %q is invalid; must be one of debug, info, warn, error", cfg.Logging.Level)
	}

	// ── Watchers ──────────────────────────────────────────────────────────
	names := map[string]struct{}{}
	for i, w := range cfg.Watchers {
		prefix := fmt.Sprintf("watchers[%d]", i)
		if w.Preset != 0 {
			continue
		}
		if w.Name == "" {
			add("%s.name must not be empty when preset is unset", prefix)
		} else if _, dup := names[w.Name]; dup {
			add("%s.name %q is duplicated; watcher names must be unique", prefix, w.Name)
		} else {
			names[w.Name] = struct{}{}
		}
		if _, ok := validWatcherKinds[w.Kind]; !ok {
			add("%s.kind %q is invalid; must be one of cpu-cycles, task-clock, tracepoint, breakpoint", prefix, w.Kind)
		}
		if w.Period == 0 && w.Freq == 0 {
			add("%s must set exactly one of period or freq", prefix)
		}
		if w.Period != 0 && w.Freq != 0 {
			add("%s.period and %s.freq are mutually exclusive", prefix, prefix)
		}
		if w.Kind == WatcherKindTracepoint && w.Tracepoint == "" {
			add("%s.tracepoint is required when kind is tracepoint", prefix)
		}
	}
	if len(cfg.Watchers) == 0 {
		errs = append(errs, errors.New("at least one watcher must be defined"))
	}

	return errs
}

// checkFileReadable returns an error if path does not exist or is not
// readable. It does not validate the file's content.
func checkFileReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	f.Close()
	return nil
}
