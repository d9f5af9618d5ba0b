// Command profiler is the whole-machine CPU sampling profiler binary. It
// reads a YAML configuration file and either supervises a respawning chain
// of worker processes (the "start" subcommand) or, when re-exec'd by its
// own supervisor, runs one worker generation directly ("worker"),
// grounded on the teacher's agent/cmd/tripwire subcommand dispatch and
// cmd/agent/main.go's component-wiring and signal-driven shutdown.
//
// Usage:
//
//	profiler start --config /etc/cpuprof/config.yaml
//	profiler validate --config /etc/cpuprof/config.yaml
//	profiler version
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ddtrace/cpuprof/internal/admin"
	"github.com/ddtrace/cpuprof/internal/aggregate"
	"github.com/ddtrace/cpuprof/internal/config"
	"github.com/ddtrace/cpuprof/internal/exporter"
	"github.com/ddtrace/cpuprof/internal/ringbuf"
	"github.com/ddtrace/cpuprof/internal/statsd"
	"github.com/ddtrace/cpuprof/internal/supervisor"
	"github.com/ddtrace/cpuprof/internal/tracepoint"
	"github.com/ddtrace/cpuprof/internal/unwind"
	"github.com/ddtrace/cpuprof/internal/watcherspec"
	"github.com/ddtrace/cpuprof/internal/worker"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// ringPages is the number of data pages mapped per ring, chosen to hold a
// few hundred samples between poll-thread drains before the kernel starts
// dropping PERF_RECORD_LOST events.
const ringPages = 64

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "profiler: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: profiler <start|worker|validate|version> --config <path>")
	}

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "start":
		return cmdStart(rest)
	case "worker":
		return cmdWorker(rest)
	case "validate":
		return cmdValidate(rest)
	case "version":
		fmt.Println(Version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; use start, worker, validate, or version", sub)
	}
}

func parseFlags(args []string) (*config.WorkerConfig, string, error) {
	fs := flag.NewFlagSet("profiler", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML configuration file (required)")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if *configPath == "" {
		return nil, "", fmt.Errorf("--config is required")
	}
	cfg, err := config.ParseFile(*configPath)
	return cfg, *configPath, err
}

func cmdValidate(args []string) error {
	cfg, path, err := parseFlags(args)
	if err != nil {
		return err
	}
	fmt.Printf("configuration %q is valid (%d watchers, collector %s)\n", path, len(cfg.Watchers), cfg.Collector.URL)
	return nil
}

// cmdStart runs the supervisor: it re-execs this same binary with the
// "worker" subcommand, restarting each generation until SIGTERM/SIGINT.
func cmdStart(args []string) error {
	_, path, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger := slog.Default()

	sup, err := supervisor.New(supervisor.Config{
		WorkerArgs: []string{"worker", "--config", path},
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("supervisor: received shutdown signal", slog.String("signal", sig.String()))
		sup.Stop()
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	logger.Info("supervisor: exited cleanly", slog.Int64("worker_errors", sup.Errors()))
	return nil
}

// cmdWorker runs exactly one worker generation: it resolves watchers,
// opens perf_event rings for every (watcher, cpu) pair, wires C1-C5, and
// blocks in Worker.Run until a fatal error, ring hangup, or shutdown
// signal. It is only ever invoked by the supervisor, by re-exec.
func cmdWorker(args []string) error {
	fs := flag.NewFlagSet("profiler worker", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML configuration file (required)")
	pid := fs.Int("pid", -1, "attach to a single pid instead of the whole machine")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	signingKey, err := os.ReadFile(cfg.Collector.JWTKeyPath)
	if err != nil {
		return fmt.Errorf("read jwt_key_path: %w", err)
	}

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	exp := exporter.New(exporter.Config{
		CollectorURL:   cfg.Collector.URL,
		SigningKey:     signingKey,
		WorkerID:       workerID,
		InitialBackoff: cfg.Collector.InitialBackoff,
		MaxBackoff:     cfg.Collector.MaxBackoff,
		MaxElapsedTime: cfg.Collector.MaxElapsedTime,
		Logger:         logger,
	})

	gauges, closeGauges, err := setupStatsd(cfg, logger)
	if err != nil {
		return err
	}
	defer closeGauges()

	watchers, err := resolveWatchers(cfg.Watchers)
	if err != nil {
		return fmt.Errorf("resolve watchers: %w", err)
	}

	abi, regMask := archDefaults()

	opened, closeRings, err := openRings(watchers, *pid, regMask)
	if err != nil {
		return fmt.Errorf("open rings: %w", err)
	}
	defer closeRings()

	w := worker.New(worker.Config{
		Watchers:        watchers,
		ABI:             abi,
		RegMask:         regMask,
		PeriodNanos:     cfg.Collector.UploadPeriod.Nanoseconds(),
		UploadPeriod:    cfg.Collector.UploadPeriod,
		MaxExportCycles: cfg.MaxExportCycles,
		CacheValidate:   cfg.CacheValidate,
		Symbolizer:      aggregate.NewDwarfSymbolizer(),
		ExportFn:        exp.Export,
		Gauges:          gauges,
		Logger:          logger,
	}, opened)

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(watchers)
		srv := &http.Server{Addr: cfg.Admin.Address, Handler: adminServer.Router()}
		go func() {
			logger.Info("admin: listening", slog.String("addr", cfg.Admin.Address))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin: server error", slog.Any("error", err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("worker: received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("worker: starting poll loop",
		slog.Int("watchers", len(watchers)), slog.Int("rings", len(opened)), slog.Int("pid", *pid))

	if werr := w.Run(ctx); werr != nil {
		return fmt.Errorf("worker: %w", werr)
	}
	logger.Info("worker: exited cleanly")
	return nil
}

// resolveWatchers expands the config's watcher rules (presets and custom
// entries) into watcherspec.Watcher values with stable Pos assignments.
// Tracepoint specs are resolved to numeric kernel ids later, in openRings.
func resolveWatchers(rules []config.WatcherRule) ([]watcherspec.Watcher, error) {
	out := make([]watcherspec.Watcher, 0, len(rules))
	for i, r := range rules {
		var w watcherspec.Watcher
		if r.Preset != 0 {
			pw, err := watcherspec.FromPreset(r.Preset, i, r.Period)
			if err != nil {
				return nil, err
			}
			w = pw
		} else {
			w = watcherspec.Watcher{
				Name:           r.Name,
				Unit:           r.Unit,
				SamplePeriod:   r.Period,
				SampleFreq:     r.Freq,
				Pos:            i,
				TracepointSpec: r.Tracepoint,
			}
			switch r.Kind {
			case config.WatcherKindCPUCycles:
				w.Kind = watcherspec.EventHardwareCycles
			case config.WatcherKindTaskClock:
				w.Kind = watcherspec.EventSoftwareTaskClock
			case config.WatcherKindTracepoint:
				w.Kind = watcherspec.EventTracepoint
			case config.WatcherKindBreakpoint:
				w.Kind = watcherspec.EventBreakpoint
			}
		}
		out = append(out, w)
	}
	return out, nil
}

// archDefaults picks the register ABI and PERF_SAMPLE_REGS_USER mask for
// the running architecture.
func archDefaults() (unwind.ABI, uint64) {
	if runtime.GOARCH == "arm64" {
		return unwind.ARM64, ringbuf.ARM64RegMask
	}
	return unwind.AMD64, ringbuf.AMD64RegMask
}

// openRings opens one ring per (watcher, cpu) pair across every online
// CPU, per spec.md's "each watcher produces one kernel file descriptor per
// CPU". Tracepoint watchers are resolved to a numeric id first.
func openRings(watchers []watcherspec.Watcher, pid int, regMask uint64) ([]worker.OpenedRing, func(), error) {
	ncpu := runtime.NumCPU()
	var opened []worker.OpenedRing

	closeAll := func() {
		for _, or := range opened {
			or.Ring.Close()
		}
	}

	for _, w := range watchers {
		var tpID uint64
		if w.Kind == watcherspec.EventTracepoint {
			resolved, terr := tracepoint.Resolve(w.TracepointSpec)
			if terr != nil {
				closeAll()
				return nil, func() {}, terr
			}
			tpID = resolved.ID
		}
		for cpu := 0; cpu < ncpu; cpu++ {
			ring, fd, err := ringbuf.OpenRing(w, pid, cpu, regMask, ringPages, tpID)
			if err != nil {
				closeAll()
				return nil, func() {}, err
			}
			opened = append(opened, worker.OpenedRing{Ring: ring, FD: fd})
		}
	}
	return opened, closeAll, nil
}

// setupStatsd builds the shared-memory gauge table and, when a statsd
// endpoint is configured, a background flush client. The returned closer
// unmaps the table and is safe to call even when statsd is disabled.
func setupStatsd(cfg *config.WorkerConfig, logger *slog.Logger) (*statsd.Table, func(), error) {
	tbl, err := statsd.New()
	if err != nil {
		return nil, func() {}, fmt.Errorf("statsd: %w", err)
	}

	stop := make(chan struct{})
	closer := func() {
		close(stop)
		tbl.Close()
	}

	if cfg.Statsd.Addr != "" {
		client := statsd.NewClient(cfg.Statsd.Addr, tbl, cfg.Statsd.FlushPeriod, logger)
		go client.Run(stop)
	}

	return tbl, closer, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogLevelDebug:
		l = slog.LevelDebug
	case config.LogLevelWarn:
		l = slog.LevelWarn
	case config.LogLevelError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
