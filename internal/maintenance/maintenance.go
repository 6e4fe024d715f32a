// Package maintenance implements the periodic Maintenance Loop (§4.8): a
// ticker-driven pass that garbage-collects long-completed ProcessingStates,
// force-fails processing entries the Lifecycle Engine has stalled on, and
// republishes the advisory config/current_state.json snapshot.
package maintenance

import (
	"fmt"
	"log"
	"time"

	"github.com/nobu007/copilot-instruction-eval/internal/clock"
	"github.com/nobu007/copilot-instruction-eval/internal/fsutil"
	"github.com/nobu007/copilot-instruction-eval/internal/layout"
	"github.com/nobu007/copilot-instruction-eval/internal/model"
	"github.com/nobu007/copilot-instruction-eval/internal/store"
)

// LogLevel mirrors the engine and watcher packages' per-component logger.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Defaults named by §4.8: completed entries older than one hour are
// garbage-collected, and a processing entry idle past ten minutes is
// force-failed through the same path crash recovery uses.
const (
	DefaultCompletedRetention = time.Hour
	DefaultStuckThreshold     = 10 * time.Minute
)

// StuckSweeper is the Engine's side of the contract the maintenance loop
// depends on for force-failing processing entries that have stalled.
type StuckSweeper interface {
	SweepStuckProcessing(idleThreshold time.Duration) int
}

const brokerVersion = "1.0.0"

// Loop owns the ticker and the three per-tick passes.
type Loop struct {
	layout  *layout.Layout
	store   *store.Store
	sweeper StuckSweeper
	cl      clock.Clock
	logger  *log.Logger
	logLevel LogLevel

	interval           time.Duration
	completedRetention time.Duration
	stuckThreshold     time.Duration

	stop chan struct{}
	done chan struct{}
}

// New returns a Loop. interval should come from model.MaintenanceConfig's
// already-clamped IntervalMS.
func New(l *layout.Layout, st *store.Store, sweeper StuckSweeper, cl clock.Clock, logger *log.Logger, logLevel LogLevel, interval time.Duration) *Loop {
	return &Loop{
		layout:             l,
		store:              st,
		sweeper:            sweeper,
		cl:                 cl,
		logger:             logger,
		logLevel:           logLevel,
		interval:           interval,
		completedRetention: DefaultCompletedRetention,
		stuckThreshold:     DefaultStuckThreshold,
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
	}
}

// Start runs the ticker loop in a background goroutine, having already
// run one pass synchronously so config/current_state.json exists before
// Start returns.
func (loop *Loop) Start() {
	loop.RunOnce()
	go loop.run()
}

func (loop *Loop) run() {
	defer close(loop.done)
	ticker := time.NewTicker(loop.interval)
	defer ticker.Stop()
	for {
		select {
		case <-loop.stop:
			return
		case <-ticker.C:
			loop.RunOnce()
		}
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (loop *Loop) Stop() {
	close(loop.stop)
	<-loop.done
}

// RunOnce executes the three maintenance passes synchronously: GC,
// stuck-processing sweep, then snapshot publish, in that order, so the
// snapshot reflects the GC and sweep that just ran.
func (loop *Loop) RunOnce() {
	gcCount := loop.gcCompleted()
	stuckCount := loop.sweeper.SweepStuckProcessing(loop.stuckThreshold)
	if gcCount > 0 || stuckCount > 0 {
		loop.log(LogLevelInfo, "maintenance pass: gc=%d force_failed=%d", gcCount, stuckCount)
	}
	loop.publishSnapshot()
}

// gcCompleted removes `completed` ProcessingState entries whose
// LastUpdate is older than completedRetention. The responses/failed files
// themselves are untouched — §4.8 only names the in-memory/state-file map
// for garbage collection, and only for `completed`; `failed` entries stay
// in state/processing_state.json indefinitely since §4.8 never names them
// as subject to this retention window.
func (loop *Loop) gcCompleted() int {
	now := loop.cl.Now()
	var stale []string
	for id, ps := range loop.store.All() {
		if ps.Status == model.StatusCompleted && now.Sub(ps.LastUpdate) > loop.completedRetention {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0
	}
	if err := loop.store.DeleteMany(stale); err != nil {
		loop.log(LogLevelError, "gc completed states: %v", err)
		return 0
	}
	return len(stale)
}

func (loop *Loop) publishSnapshot() {
	snap := model.Snapshot{
		BrokerVersion: brokerVersion,
		BaseDirectory: loop.layout.Base,
		GeneratedAt:   loop.cl.Now(),
		CountsByState: loop.store.CountsByState(),
	}
	if err := fsutil.AtomicWriteJSON(loop.layout.SnapshotPath(), snap); err != nil {
		loop.log(LogLevelError, "publish snapshot: %v", err)
	}
}

func (loop *Loop) log(level LogLevel, format string, args ...any) {
	if loop.logger == nil || level < loop.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	loop.logger.Printf("%s %s maintenance: %s", loop.cl.Now().Format(time.RFC3339), levelStr, fmt.Sprintf(format, args...))
}
