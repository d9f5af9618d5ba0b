// Package supervisor implements spec.md §5's process model: the
// supervisor and each worker are separate OS processes sharing only a
// small flag region (can_run, errors). The supervisor forks, waits, and
// restarts workers based on these flags, grounded on the teacher's
// cmd/agent/main.go signal-driven lifecycle adapted from one long-lived
// in-process agent to a re-exec'd child process per worker generation.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// restartBackoffInitial/Max bound the delay before respawning a worker
// generation that ran for less than restartBackoffMax, whether it exited
// with an error or cleanly; the delay doubles on each such exit and resets
// after a longer run.
const (
	restartBackoffInitial = 1 * time.Second
	restartBackoffMax     = 30 * time.Second
)

// Config configures the supervisor loop.
type Config struct {
	// WorkerArgs is the argv (excluding argv[0]) used to re-exec this same
	// binary as a worker, e.g. []string{"worker", "--config", path}.
	WorkerArgs []string

	// Logger receives lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Supervisor owns the worker respawn loop and the shared flag region every
// worker generation inherits across exec(2).
type Supervisor struct {
	cfg   Config
	flags *FlagRegion
}

// New builds a Supervisor with a fresh flag region.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fr, err := NewFlagRegion()
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	fr.SetCanRun(true)
	return &Supervisor{cfg: cfg, flags: fr}, nil
}

// Run spawns and respawns worker generations until ctx is cancelled or
// Stop clears the can_run flag. It returns once the final worker
// generation has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.flags.Close()

	backoff := restartBackoffInitial
	for s.flags.CanRun() {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		err := s.runOneGeneration(ctx)
		ran := time.Since(start)

		if ctx.Err() != nil {
			return nil
		}
		if !s.flags.CanRun() {
			return nil
		}
		if err != nil {
			s.cfg.Logger.Error("supervisor: worker exited with error", slog.Any("error", err), slog.Duration("ran", ran))
			s.flags.IncrErrors()
		} else {
			s.cfg.Logger.Info("supervisor: worker exited cleanly, restarting", slog.Duration("ran", ran))
		}

		// A worker that dies almost immediately is probably
		// misconfigured; back off so the supervisor doesn't spin.
		if ran < restartBackoffMax {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = minDuration(backoff*2, restartBackoffMax)
		} else {
			backoff = restartBackoffInitial
		}
	}
	return nil
}

// Stop clears the can_run flag so that Run starts no further worker
// generation. It does not signal the running child; that child is killed
// by exec.CommandContext when the ctx passed to Run is cancelled.
func (s *Supervisor) Stop() {
	s.flags.SetCanRun(false)
}

// Errors returns the number of worker generations that have exited with an
// error since the supervisor started.
func (s *Supervisor) Errors() int64 {
	return s.flags.Errors()
}

func (s *Supervisor) runOneGeneration(ctx context.Context) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("supervisor: resolve executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, self, s.cfg.WorkerArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(s.flags.FD()), "cpuprof-flags")}

	s.cfg.Logger.Info("supervisor: starting worker generation", slog.String("exe", self))
	return cmd.Run()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
