// Package worker wires C1-C5 into the single worker process described by
// spec.md §5: exactly two goroutines — a poll loop that drains rings and
// feeds the router/tracker/unwinder/aggregator chain, and the ephemeral
// export goroutine the aggregator itself owns and joins on each flip.
package worker

import (
	"context"
	"log/slog"
	"math/bits"
	"time"

	"github.com/ddtrace/cpuprof/internal/aggregate"
	"github.com/ddtrace/cpuprof/internal/perr"
	"github.com/ddtrace/cpuprof/internal/procmap"
	"github.com/ddtrace/cpuprof/internal/ringbuf"
	routerpkg "github.com/ddtrace/cpuprof/internal/router"
	"github.com/ddtrace/cpuprof/internal/statsd"
	"github.com/ddtrace/cpuprof/internal/unwind"
	"github.com/ddtrace/cpuprof/internal/watcherspec"
)

// pollTimeout is the poll thread's fixed suspension point, per spec.md §5.
const pollTimeout = 100 * time.Millisecond

// defaultMaxExportCycles is the worker recycle bound from spec.md §5: a
// worker is torn down after this many export cycles to bound memory
// growth from long-running caches.
const defaultMaxExportCycles = 240

// defaultMaxStackDepth bounds an unwind walk; matches the synthetic
// truncation-frame budget internal/unwind reserves two slots for.
const defaultMaxStackDepth = 128

// OpenedRing is one ring already opened by ringbuf.OpenRing (one per
// (watcher, cpu) pair), paired with its poll fd.
type OpenedRing struct {
	Ring *ringbuf.Ring
	FD   int
}

// Config bundles everything needed to stand up one worker.
type Config struct {
	Watchers        []watcherspec.Watcher
	ABI             unwind.ABI
	RegMask         uint64
	PeriodNanos     int64
	UploadPeriod    time.Duration
	MaxExportCycles int
	MaxStackDepth   int
	CacheValidate   bool
	Symbolizer      aggregate.Symbolizer
	ExportFn        aggregate.ExportFunc
	Gauges          *statsd.Table
	Logger          *slog.Logger
}

// Worker owns one process's poll loop: the rings it reads, and the
// C2-C5 pipeline every decoded record is routed through.
type Worker struct {
	logger *slog.Logger

	rings   []ring
	polling *ringbuf.PollSet

	router    *routerpkg.Router
	tracker   *procmap.Tracker
	unwinder  *unwind.Unwinder
	aggregate *aggregate.Aggregator
	gauges    *statsd.Table

	abi           unwind.ABI
	regMask       uint64
	maxStackDepth int

	uploadPeriod    time.Duration
	maxExportCycles int
	exportCycles    int
}

// drainer is the slice of *ringbuf.Ring that drainRing depends on,
// narrowed so tests can exercise drainRing's error handling without a real
// kernel-backed ring.
type drainer interface {
	DrainOne() (*ringbuf.Record, error)
}

type ring struct {
	r          drainer
	fd         int
	watcherPos int
}

// New constructs a Worker from cfg and the already-opened rings. No
// privilege drop is performed between ring setup and calling Run; the
// worker keeps the identity it was started with.
func New(cfg Config, opened []OpenedRing) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxExportCycles == 0 {
		cfg.MaxExportCycles = defaultMaxExportCycles
	}
	if cfg.MaxStackDepth == 0 {
		cfg.MaxStackDepth = defaultMaxStackDepth
	}

	tracker := procmap.NewTracker()
	uw := unwind.New(cfg.ABI, tracker)

	var aggOpts []aggregate.Option
	if cfg.CacheValidate {
		aggOpts = append(aggOpts, aggregate.WithValidation())
	}
	aggOpts = append(aggOpts, aggregate.WithLogger(logger))
	agg := aggregate.New(cfg.Watchers, cfg.PeriodNanos, cfg.Symbolizer, cfg.ExportFn, aggOpts...)

	regCount := bits.OnesCount64(cfg.RegMask)
	rt := routerpkg.New(regCount, tracker.ResetBackpopulatePermissions)

	fds := make([]int, len(opened))
	rs := make([]ring, len(opened))
	for i, or := range opened {
		fds[i] = or.FD
		rs[i] = ring{r: or.Ring, fd: or.FD, watcherPos: or.Ring.WatcherPos}
	}

	return &Worker{
		logger:          logger,
		rings:           rs,
		polling:         ringbuf.NewPollSet(fds),
		router:          rt,
		tracker:         tracker,
		unwinder:        uw,
		aggregate:       agg,
		gauges:          cfg.Gauges,
		abi:             cfg.ABI,
		regMask:         cfg.RegMask,
		maxStackDepth:   cfg.MaxStackDepth,
		uploadPeriod:    cfg.UploadPeriod,
		maxExportCycles: cfg.MaxExportCycles,
	}
}

// Run drives the poll loop until ctx is cancelled or a Fatal-severity
// error occurs, returning the terminal error (nil on clean cancellation).
// Run itself is spec.md §5's poll thread; the export thread is spawned and
// joined internally by the Aggregator on each Flip.
func (w *Worker) Run(ctx context.Context) *perr.Error {
	ticker := time.NewTicker(w.uploadPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := w.flip(ctx); err != nil {
				w.logger.Warn("worker: final flush on shutdown failed", slog.Any("error", err))
			}
			return nil
		case <-ticker.C:
			if err := w.flip(ctx); err != nil {
				return err
			}
		default:
		}

		res, err := w.polling.Wait(pollTimeout)
		if err != nil {
			return perr.Fatalf("worker", perr.KindRing, "poll: %v", err)
		}
		if res.Hangup {
			if err := w.flip(ctx); err != nil {
				w.logger.Warn("worker: final flush on hangup failed", slog.Any("error", err))
			}
			return perr.Fatalf("worker", perr.KindPollHup, "ring fd hangup")
		}
		for _, idx := range res.ReadyIdx {
			if err := w.drainRing(idx); err != nil {
				if perr.IsFatal(err) {
					return err
				}
				w.logger.Warn("worker: ring drain error", slog.Int("ring", idx), slog.Any("error", err))
			}
		}
	}
}

// flip hands the inactive profile document to the export goroutine and
// bumps the worker's recycle counter, per spec.md §5's worker lifetime
// bound.
func (w *Worker) flip(ctx context.Context) *perr.Error {
	if err := w.aggregate.Flip(ctx, w.uploadPeriod); err != nil {
		return err
	}
	w.tracker.ResetBackpopulatePermissions()
	w.exportCycles++
	if w.gauges != nil {
		stats := w.tracker.Stats()
		w.gauges.Set(statsd.GaugeDsoNew, int64(stats.Sum(procmap.EventNewDso)))
		w.gauges.Set(statsd.GaugeDsoUnhandled, int64(stats.Sum(procmap.EventUnhandledDso)))
	}
	if w.exportCycles >= w.maxExportCycles {
		return perr.Fatalf("worker", perr.KindGeneric, "worker reached max export cycles (%d); recycling", w.maxExportCycles)
	}
	return nil
}

// drainRing drains every currently-available record from ring idx and
// routes each through the C2-C5 pipeline. A non-nil return is a
// *perr.Error; Fatal severity (ring corruption, a malformed record header)
// means the ring's backing mapping can no longer be trusted and the
// worker must be torn down rather than keep polling it, per spec.md §5/§7.
func (w *Worker) drainRing(idx int) *perr.Error {
	rg := w.rings[idx]
	sink := &sink{w: w, watcherPos: rg.watcherPos}
	for {
		rec, err := rg.r.DrainOne()
		if err != nil {
			pe, ok := err.(*perr.Error)
			if !ok {
				pe = perr.Fatalf("worker", perr.KindRing, "ring %d: %v", idx, err)
			}
			return pe
		}
		if rec == nil {
			return nil
		}
		if derr := w.router.Dispatch(rec, sink); derr != nil {
			w.logger.Warn("worker: dispatch error", slog.Any("error", derr))
		}
		if w.gauges != nil {
			stats := w.router.Stats()
			w.gauges.Set(statsd.GaugeEventCount, int64(stats.EventsProcessed))
			w.gauges.Set(statsd.GaugeEventLost, int64(stats.EventsLost))
		}
	}
}
