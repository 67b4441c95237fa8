// Package liveness implements the Liveness/Reclamation (LR) component of
// spec.md §4.6: pid-alive checks plus a periodic tick that runs every
// registered Reclaimer (cmd/overlayhost registers each badgestore.Store)
// so a dead publisher never leaves its badges behind forever.
// bus.Server.CleanUpUnusedResources is not run from this tick;
// cmd/overlayhost runs it from each subscriber.Client's watcher cleanup
// hook.
package liveness

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"golang.org/x/sys/unix"

	"github.com/cloudsync/badgebus/pkg/event"
)

// Checker answers whether an OS process id currently exists. It satisfies
// bus.ProcessLiveness without internal/bus needing to import this package
// (bus defines its own narrow interface; Checker is structurally
// compatible).
type Checker interface {
	Alive(pid event.ProcessID) bool
}

// unixChecker probes liveness with a signal-0 kill, the same zero-cost
// existence check the original CBadgeIconBase.cpp performs via
// OpenProcess/GetExitCodeProcess on Windows. On POSIX, Kill(pid, 0) sends
// no signal and only validates that the process exists and is
// signalable by this user.
type unixChecker struct{}

// NewChecker returns the platform pid-liveness Checker.
func NewChecker() Checker { return unixChecker{} }

func (unixChecker) Alive(pid event.ProcessID) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil
}

// Reclaimer is one unit of periodic cleanup work the Sweeper drives each
// tick: CleanUpUnusedResources on a bus.Server, or Reclaim on a
// badgestore.Store, for example. It returns the count of items it
// reclaimed so the Sweeper can report it to metrics.
type Reclaimer interface {
	Reclaim(checker Checker) (int, error)
}

// ReclaimerFunc adapts a function to the Reclaimer interface.
type ReclaimerFunc func(checker Checker) (int, error)

func (f ReclaimerFunc) Reclaim(checker Checker) (int, error) { return f(checker) }

// Logger is the ambient logging boundary (see internal/logging.Logger).
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Debug(string, ...any) {}

// MetricsRecorder is the narrow slice of internal/metrics.Recorder the
// Sweeper needs.
type MetricsRecorder interface {
	RecordReclaimed(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordReclaimed(int) {}

// Sweeper runs a cron.Cron internally and fires every Reclaimer on an
// "@every <interval>" schedule, matching spec.md §4.6's ~20s watcher tick
// and grounded on the teacher's modules/scheduler, which registers
// recurring work the same way via cron.AddFunc against a cron.Cron it
// owns and Start()s/Stop()s.
type Sweeper struct {
	checker    Checker
	logger     Logger
	metric     MetricsRecorder
	cronSched  *cron.Cron
	reclaimers []Reclaimer
}

// NewSweeper constructs a Sweeper. checker defaults to NewChecker() when
// nil; logger/metric default to no-ops when nil.
func NewSweeper(checker Checker, logger Logger, metric MetricsRecorder, reclaimers ...Reclaimer) *Sweeper {
	if checker == nil {
		checker = NewChecker()
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if metric == nil {
		metric = noopMetrics{}
	}
	return &Sweeper{
		checker:    checker,
		logger:     logger,
		metric:     metric,
		cronSched:  cron.New(),
		reclaimers: reclaimers,
	}
}

// Start registers the "@every interval" job and starts the underlying
// cron scheduler. interval must be a duration cron.ParseStandard's
// "@every" syntax accepts (e.g. 20*time.Second -> "@every 20s").
func (sw *Sweeper) Start(interval string) error {
	_, err := sw.cronSched.AddFunc(fmt.Sprintf("@every %s", interval), sw.tick)
	if err != nil {
		return fmt.Errorf("liveness: scheduling sweep: %w", err)
	}
	sw.cronSched.Start()
	return nil
}

// Stop stops the cron scheduler, waiting for any in-flight tick to
// finish, mirroring the teacher's Stop() -> cronScheduler.Stop() pattern.
func (sw *Sweeper) Stop() {
	ctx := sw.cronSched.Stop()
	<-ctx.Done()
}

// TickNow runs one sweep synchronously, outside the cron schedule — used
// by tests and by a forced reclamation request.
func (sw *Sweeper) TickNow() { sw.tick() }

func (sw *Sweeper) tick() {
	for _, r := range sw.reclaimers {
		n, err := r.Reclaim(sw.checker)
		if err != nil {
			sw.logger.Error("liveness sweep reclaimer failed", "error", err)
			continue
		}
		if n > 0 {
			sw.metric.RecordReclaimed(n)
			sw.logger.Debug("liveness sweep reclaimed", "count", n)
		}
	}
}
