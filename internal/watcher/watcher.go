// Package watcher implements the Request Watcher (§4.4): it notices new
// or rewritten files under requests/ and hands each one to the Lifecycle
// Engine. fsnotify events are treated as hints, not truths — every event
// is debounced by a settle delay and re-checked for existence before the
// engine ever sees it, since a request file can be created, written, and
// already claimed again before fsnotify's buffered channel is drained.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nobu007/copilot-instruction-eval/internal/clock"
	"github.com/nobu007/copilot-instruction-eval/internal/layout"
)

// LogLevel mirrors the engine package's per-component leveled logger.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Submitter is the Engine's side of the contract the Watcher depends on.
// Submit must not block — the Engine's own semaphore governs concurrency.
type Submitter interface {
	Submit(path string)
	Scan()
}

// Watcher owns one fsnotify.Watcher on requests/ plus a settle-delay
// debounce per filename, so a burst of Write events for the same file
// only triggers one Submit.
type Watcher struct {
	layout    *layout.Layout
	submitter Submitter
	cl        clock.Clock
	logger    *log.Logger
	logLevel  LogLevel

	settleDelay     time.Duration
	pollingInterval time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer

	wg     sync.WaitGroup
	ctx    chan struct{}
	closed bool
}

// New returns a Watcher that has not yet started watching. Call Start.
func New(l *layout.Layout, submitter Submitter, cl clock.Clock, logger *log.Logger, logLevel LogLevel, settleDelay, pollingInterval time.Duration) *Watcher {
	return &Watcher{
		layout:          l,
		submitter:       submitter,
		cl:              cl,
		logger:          logger,
		logLevel:        logLevel,
		settleDelay:     settleDelay,
		pollingInterval: pollingInterval,
		pending:         make(map[string]*time.Timer),
		ctx:             make(chan struct{}),
	}
}

// Start creates the fsnotify watcher on requests/, runs the initial
// enumeration (§4.4's "startup enumeration" requirement — events only
// report changes after the watcher exists, so anything already present
// needs its own pass), and launches the event and ticker loops.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.layout.Requests()); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	w.submitter.Scan()

	w.wg.Add(2)
	go w.eventLoop()
	go w.tickerLoop()
	return nil
}

// Stop closes the fsnotify watcher and waits for both loops to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.mu.Unlock()

	close(w.ctx)
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			w.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
			w.debounce(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop triggers a full directory Scan at PollingIntervalMS, as a
// fallback for any event fsnotify dropped or coalesced away.
func (w *Watcher) tickerLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx:
			return
		case <-ticker.C:
			w.submitter.Scan()
		}
	}
}

// debounce schedules a settled Submit for path settleDelay from now,
// resetting any timer already pending for the same path.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.submitOnceSettled(path)
	})
}

// submitOnceSettled re-checks the file still exists before handing it to
// the Engine — the file may have already been claimed (moved to
// processing/) or removed by a racing event's earlier timer.
func (w *Watcher) submitOnceSettled(path string) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			w.log(LogLevelError, "stat %s: %v", path, err)
		}
		return
	}
	if filepath.Dir(path) != w.layout.Requests() {
		return
	}
	w.submitter.Submit(path)
}

func (w *Watcher) log(level LogLevel, format string, args ...any) {
	if w.logger == nil || level < w.logLevel {
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
	w.logger.Printf("%s %s watcher: %s", w.cl.Now().Format(time.RFC3339), levelStr, fmt.Sprintf(format, args...))
}
