// Package broker wires together the Lock Manager, State Store, Lifecycle
// Engine, Watcher, Maintenance Loop, and control-plane socket into the
// single running process the `broker run` subcommand starts (§4, §7).
// It mirrors the reference codebase's Daemon: one struct owning every
// long-lived goroutine, an idempotent Shutdown, and a background
// heartbeat keeping the workspace lock fresh.
package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nobu007/copilot-instruction-eval/internal/clock"
	"github.com/nobu007/copilot-instruction-eval/internal/dispatcher"
	"github.com/nobu007/copilot-instruction-eval/internal/engine"
	"github.com/nobu007/copilot-instruction-eval/internal/events"
	"github.com/nobu007/copilot-instruction-eval/internal/layout"
	"github.com/nobu007/copilot-instruction-eval/internal/lock"
	"github.com/nobu007/copilot-instruction-eval/internal/maintenance"
	"github.com/nobu007/copilot-instruction-eval/internal/model"
	"github.com/nobu007/copilot-instruction-eval/internal/store"
	"github.com/nobu007/copilot-instruction-eval/internal/uds"
	"github.com/nobu007/copilot-instruction-eval/internal/watcher"
)

// LogLevel mirrors every other component's per-component leveled logger.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// RecoveryStuckThreshold is §4.7's default for how long a processing/
// entry can sit idle at startup before it is presumed abandoned by a
// crashed prior instance.
const RecoveryStuckThreshold = 5 * time.Minute

// ShutdownGrace bounds how long Shutdown waits for in-flight dispatches
// to drain before giving up and letting the next start's crash recovery
// finish the job. Matches SHUTDOWN_GRACE's documented default.
const ShutdownGrace = 10 * time.Second

// DefaultWaitTimeout is how long the "wait" control command blocks for
// when the caller doesn't supply its own timeout_ms.
const DefaultWaitTimeout = 25 * time.Second

// MaxWaitTimeout caps how long any single "wait" call may hold its
// connection goroutine open, regardless of the timeout_ms requested.
const MaxWaitTimeout = 2 * time.Minute

// controlConnTimeout bounds the lifetime of one control-socket connection.
// It must comfortably exceed MaxWaitTimeout so a long "wait" call isn't cut
// off by the connection deadline before the handler gets to reply.
const controlConnTimeout = MaxWaitTimeout + 10*time.Second

// Broker owns every long-lived component of one running instance.
type Broker struct {
	baseDirectory string
	config        model.Config
	logLevel      LogLevel
	logger        *log.Logger
	logFile       io.Closer

	layout  *layout.Layout
	lockMgr *lock.Manager
	store   *store.Store
	bus     *events.Bus
	engine  *engine.Engine
	watch   *watcher.Watcher
	maint   *maintenance.Loop
	server  *uds.Server

	cl clock.Clock

	lockStop chan struct{}
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New constructs a Broker against baseDirectory, opening (and creating,
// if absent) logs/system.log for its per-component loggers.
func New(baseDirectory string, cfg model.Config) (*Broker, error) {
	l := layout.New(baseDirectory)
	if err := l.Ensure(); err != nil {
		return nil, fmt.Errorf("broker: ensure layout: %w", err)
	}

	logFile, err := os.OpenFile(l.SystemLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("broker: open system log: %w", err)
	}

	return newBroker(baseDirectory, cfg, l, logFile, logFile, dispatcher.NewEcho(), clock.NewReal())
}

// newBroker is the internal constructor, taking every collaborator
// explicitly so tests can substitute a fake Dispatcher and a Fake clock.
func newBroker(baseDirectory string, cfg model.Config, l *layout.Layout, w io.Writer, closer io.Closer, disp dispatcher.Dispatcher, cl clock.Clock) (*Broker, error) {
	workspaceID, err := model.WorkspaceID(baseDirectory)
	if err != nil {
		return nil, fmt.Errorf("broker: derive workspace id: %w", err)
	}

	logLevel := parseLogLevel(cfg.Logging.Level)
	logger := log.New(w, "", 0)

	st := store.New(l.StateFilePath())
	if err := st.Load(); err != nil {
		return nil, fmt.Errorf("broker: load state store: %w", err)
	}

	bus := events.NewBus(256)
	eng := engine.New(l, st, disp, cl, bus, logger, engine.LogLevel(logLevel), cfg.Broker.Concurrency)

	b := &Broker{
		baseDirectory: baseDirectory,
		config:        cfg,
		logLevel:      logLevel,
		logger:        logger,
		logFile:       closer,
		layout:        l,
		lockMgr:       lock.New(l.State(), workspaceID, cl),
		store:         st,
		bus:           bus,
		engine:        eng,
		server:        uds.NewServer(filepath.Join(l.State(), uds.DefaultSocketName)),
		cl:            cl,
		lockStop:      make(chan struct{}),
	}
	b.server.SetConnTimeout(controlConnTimeout)

	settleDelay := time.Duration(cfg.Watcher.SettleDelayMS) * time.Millisecond
	pollingInterval := time.Duration(cfg.Watcher.PollingIntervalMS) * time.Millisecond
	b.watch = watcher.New(l, eng, cl, logger, watcher.LogLevel(logLevel), settleDelay, pollingInterval)

	maintenanceInterval := time.Duration(cfg.Maintenance.IntervalMS) * time.Millisecond
	b.maint = maintenance.New(l, st, eng, cl, logger, maintenance.LogLevel(logLevel), maintenanceInterval)

	b.registerHandlers()

	return b, nil
}

// Run acquires the workspace lock, runs crash recovery, starts the
// Watcher and Maintenance Loop, starts the control-plane socket, and
// blocks until a shutdown signal arrives or Shutdown is called. It returns an error without
// starting anything if another live process already owns the lock.
func (b *Broker) Run() error {
	result, err := b.lockMgr.Acquire()
	if err != nil {
		return fmt.Errorf("broker: acquire workspace lock: %w", err)
	}
	if !result.Acquired {
		return fmt.Errorf("broker: workspace already owned by pid %d", result.OwnerPID)
	}
	b.log(LogLevelInfo, "broker starting pid=%d base=%s", os.Getpid(), b.baseDirectory)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		heartbeatInterval := time.Duration(b.config.Lock.HeartbeatIntervalS) * time.Second
		b.lockMgr.Run(b.lockStop, heartbeatInterval, func(err error) {
			b.log(LogLevelWarn, "lock heartbeat error: %v", err)
		})
	}()

	b.log(LogLevelInfo, "recovering processing/ from any prior crash")
	b.engine.RecoverProcessing(RecoveryStuckThreshold)

	if err := b.watch.Start(); err != nil {
		b.cleanup()
		return fmt.Errorf("broker: start watcher: %w", err)
	}

	b.maint.Start()

	if err := b.server.Start(); err != nil {
		b.cleanup()
		return fmt.Errorf("broker: start control socket: %w", err)
	}
	b.log(LogLevelInfo, "control socket listening on %s", filepath.Join(b.layout.State(), uds.DefaultSocketName))

	b.log(LogLevelInfo, "broker ready")
	b.waitSignals()
	return nil
}

func (b *Broker) registerHandlers() {
	b.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	b.server.Handle("scan", func(req *uds.Request) *uds.Response {
		b.engine.Scan()
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})

	b.server.Handle("status", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{
			"counts_by_state": b.store.CountsByState(),
			"command_stats":   b.server.Stats(),
		})
	})

	b.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		b.log(LogLevelInfo, "shutdown requested via control socket")
		go b.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	b.server.Handle("wait", b.handleWait)
}

// waitParams is the decoded payload of a "wait" control command: block
// until requestID reaches a terminal event, or until timeoutMS elapses.
type waitParams struct {
	RequestID string `json:"request_id"`
	TimeoutMS int    `json:"timeout_ms"`
}

// handleWait lets an external caller (the `broker wait` CLI subcommand,
// an editor integration) block on one Request's outcome instead of
// polling responses/ or failed/ on a timer. It correlates on RequestID
// via the event bus rather than the file-based state store so it wakes
// the instant the Lifecycle Engine reaches a terminal transition.
func (b *Broker) handleWait(req *uds.Request) *uds.Response {
	var params waitParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
		}
	}
	if params.RequestID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "request_id is required")
	}

	timeout := DefaultWaitTimeout
	if params.TimeoutMS > 0 {
		timeout = time.Duration(params.TimeoutMS) * time.Millisecond
	}
	if timeout > MaxWaitTimeout {
		timeout = MaxWaitTimeout
	}

	outcome := make(chan events.Event, 1)
	unsub := b.bus.SubscribeRequest(params.RequestID, func(e events.Event) {
		switch e.Type {
		case events.EventRequestSucceeded, events.EventRequestFailed:
			select {
			case outcome <- e:
			default:
			}
		}
	})
	defer unsub()

	select {
	case e := <-outcome:
		return uds.SuccessResponse(map[string]any{
			"request_id": params.RequestID,
			"event":      string(e.Type),
			"data":       e.Data,
		})
	case <-time.After(timeout):
		return uds.ErrorResponse(uds.ErrCodeTimeout, fmt.Sprintf("timed out after %s waiting for request %q", timeout, params.RequestID))
	}
}

// waitSignals blocks until SIGTERM/SIGINT, then runs Shutdown. A second
// signal forces an immediate exit, matching the reference daemon's
// impatience escape hatch. If Shutdown is called directly instead (the
// "shutdown" control command, or a caller), it returns once that
// Shutdown has finished.
func (b *Broker) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var sig os.Signal
	select {
	case sig = <-sigCh:
	case <-b.lockStop:
		// Shutdown already started; this call waits for it to complete.
		b.Shutdown()
		return
	}
	b.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	go func() {
		<-sigCh
		b.log(LogLevelWarn, "received second signal, forcing exit")
		b.forceExit.Store(true)
		os.Exit(1)
	}()

	b.Shutdown()
}

// Shutdown is idempotent: cancel the background heartbeat, stop the
// Watcher and Maintenance Loop from producing new work, drain the
// Engine's in-flight dispatches with a grace period, then release
// resources.
func (b *Broker) Shutdown() {
	b.shutdown.Do(func() {
		b.log(LogLevelInfo, "shutdown started")

		close(b.lockStop)
		b.watch.Stop()
		b.maint.Stop()
		_ = b.server.Stop()

		if drained := b.engine.Shutdown(ShutdownGrace); !drained {
			b.log(LogLevelWarn, "shutdown grace period elapsed with dispatches still in flight")
		} else {
			b.log(LogLevelInfo, "all in-flight dispatches drained")
		}

		b.cleanup()
		b.log(LogLevelInfo, "broker stopped")
	})
	b.wg.Wait()
}

func (b *Broker) cleanup() {
	b.bus.Close()
	if err := b.lockMgr.Release(); err != nil {
		b.log(LogLevelError, "release lock: %v", err)
	}
	if b.logFile != nil {
		_ = b.logFile.Close()
	}
}

func (b *Broker) log(level LogLevel, format string, args ...any) {
	if level < b.logLevel {
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
	b.logger.Printf("%s %s broker: %s", b.cl.Now().Format(time.RFC3339), levelStr, sprintf(format, args...))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
