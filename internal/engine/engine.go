// Package engine implements the Request Lifecycle Engine (§4.6): the
// central state machine that validates, claims, dispatches, retries, and
// finally answers every request the broker sees. It is the hard core's
// largest component and the only one that ever moves a file between
// requests/, processing/, responses/, and failed/.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/nobu007/copilot-instruction-eval/internal/clock"
	"github.com/nobu007/copilot-instruction-eval/internal/dispatcher"
	"github.com/nobu007/copilot-instruction-eval/internal/events"
	"github.com/nobu007/copilot-instruction-eval/internal/fsutil"
	"github.com/nobu007/copilot-instruction-eval/internal/layout"
	"github.com/nobu007/copilot-instruction-eval/internal/model"
	"github.com/nobu007/copilot-instruction-eval/internal/respwriter"
	"github.com/nobu007/copilot-instruction-eval/internal/store"
)

// LogLevel mirrors the reference daemon's per-component leveled logger
// (§A.1): each broker component gets its own log method rather than a
// shared global logger.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Backoff and grace defaults for the retry step and the dispatch
// cancellation model. Backoff is linear (2s x retry_count', capped);
// 30s keeps a request with a generous max_retries from stalling the
// engine for minutes between attempts.
const (
	DefaultRetryBackoffUnit = 2 * time.Second
	DefaultRetryBackoffCap  = 30 * time.Second
	DefaultDispatchGrace    = 5 * time.Second
)

// Engine owns Steps A-F of §4.6 plus the crash-recovery (§4.7) and
// stuck-processing sweep (§4.8) passes that reuse the same terminal-failure
// path.
type Engine struct {
	layout     *layout.Layout
	store      *store.Store
	respw      *respwriter.Writer
	dispatcher dispatcher.Dispatcher
	cl         clock.Clock
	bus        *events.Bus
	logger     *log.Logger
	logLevel   LogLevel

	sem    *semaphore.Weighted
	scanSF singleflight.Group

	mu       sync.Mutex
	inFlight map[string]bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an Engine. concurrency <= 0 uses model.DefaultConcurrency.
func New(l *layout.Layout, st *store.Store, disp dispatcher.Dispatcher, cl clock.Clock, bus *events.Bus, logger *log.Logger, logLevel LogLevel, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = model.DefaultConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		layout:     l,
		store:      st,
		respw:      respwriter.New(l),
		dispatcher: disp,
		cl:         cl,
		bus:        bus,
		logger:     logger,
		logLevel:   logLevel,
		sem:        semaphore.NewWeighted(int64(concurrency)),
		inFlight:   make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit hands a candidate request file to the engine. It never blocks: the
// actual Steps A-F run on a goroutine gated by the concurrency semaphore,
// matching the Watcher's "must not block on dispatch" contract (§4.4).
// Submissions beyond the concurrency cap queue on the semaphore's internal
// FIFO waiter list rather than spawning unbounded concurrent dispatches.
func (e *Engine) Submit(path string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return // engine shutting down
		}
		defer e.sem.Release(1)
		e.process(path)
	}()
}

// Scan enumerates requests/ and Submits every *.json file found there. A
// singleflight.Group collapses a ticker tick racing a manual "scan" control
// command racing a burst of fsnotify events into one directory sweep.
func (e *Engine) Scan() {
	_, _, _ = e.scanSF.Do("scan", func() (interface{}, error) {
		entries, err := os.ReadDir(e.layout.Requests())
		if err != nil {
			if !os.IsNotExist(err) {
				e.log(LogLevelError, "scan requests dir: %v", err)
			}
			return nil, nil
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			e.Submit(filepath.Join(e.layout.Requests(), entry.Name()))
		}
		return nil, nil
	})
}

// RecoverProcessing implements §4.7 step 1: enumerate processing/ at
// startup. A file whose ProcessingState is still `processing` and has been
// idle past stuckThreshold is force-failed; everything else is resubmitted
// as a fresh claim, which is idempotent because Step B re-enters
// `processing` and Step D simply dispatches again.
func (e *Engine) RecoverProcessing(stuckThreshold time.Duration) {
	entries, err := os.ReadDir(e.layout.Processing())
	if err != nil {
		if !os.IsNotExist(err) {
			e.log(LogLevelError, "recover: read processing dir: %v", err)
		}
		return
	}
	now := e.cl.Now()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		path := filepath.Join(e.layout.Processing(), entry.Name())

		if ps, ok := e.store.Get(id); ok && ps.Status == model.StatusProcessing && now.Sub(ps.LastUpdate) > stuckThreshold {
			e.log(LogLevelWarn, "recover %s: stuck since %s, force-failing", id, ps.LastUpdate)
			e.forceFailStuck(id, path, ps, "processing timeout during recovery")
			continue
		}
		e.Submit(path)
	}
}

// SweepStuckProcessing implements the processing-state half of the
// maintenance loop's §4.8 pass: any `processing` ProcessingState idle past
// idleThreshold is force-failed via the same path §4.7 recovery uses. It
// returns the number of requests force-failed.
func (e *Engine) SweepStuckProcessing(idleThreshold time.Duration) int {
	now := e.cl.Now()
	n := 0
	for id, ps := range e.store.All() {
		if ps.Status != model.StatusProcessing || now.Sub(ps.LastUpdate) <= idleThreshold {
			continue
		}
		e.log(LogLevelWarn, "maintenance %s: idle %s, force-failing", id, now.Sub(ps.LastUpdate))
		e.forceFailStuck(id, e.layout.ProcessingPath(id), ps, "processing timeout during maintenance sweep")
		n++
	}
	return n
}

// Shutdown cancels every in-flight dispatch's context (§5) and waits up to
// grace for goroutines started by Submit to drain. It returns false if the
// grace period elapsed first, in which case any request still `processing`
// is left for the next start's RecoverProcessing pass.
func (e *Engine) Shutdown(grace time.Duration) bool {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// process runs Step A (validation) and, if the request survives it, hands
// off to runClaimed for Steps B-F. It always terminates with either a
// written Response, a silently dropped duplicate, or an aborted claim —
// never leaves the id inFlight past its own return.
func (e *Engine) process(path string) {
	id := strings.TrimSuffix(filepath.Base(path), ".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return // vanished before we got to it; another event raced (§4.4)
		}
		e.log(LogLevelError, "read request file %s: %v", path, err)
		return
	}

	req, perr := model.ParseRequest(data)
	if perr != nil {
		e.failValidation(id, model.Request{RequestID: id}, fmt.Sprintf("parse request: %v", perr), path)
		return
	}

	if req.RequestID != id {
		e.failValidation(id, *req, fmt.Sprintf("filename stem %q does not match request_id %q", id, req.RequestID), path)
		return
	}

	now := e.cl.Now()
	if req.Timestamp.After(now.Add(model.ClockSkewTolerance)) {
		e.failValidation(id, *req, "request timestamp is future-dated beyond tolerance", path)
		return
	}
	if now.Sub(req.Timestamp) > model.DefaultMaxAgeHours*time.Hour {
		e.failValidation(id, *req, "request exceeds max age", path)
		return
	}
	if req.RetryCount < 0 || req.RetryCount > req.EffectiveMaxRetries() {
		e.failValidation(id, *req, "retry_count out of range", path)
		return
	}

	// Duplicate suppression. §9 resolves the reference's ">=" freshness
	// check to a strict ">" so a legitimate resubmission made in the same
	// wall-clock second as the prior response is not silently dropped.
	if exists, resp, rerr := e.respw.ResponseExists(req.RequestID); rerr != nil {
		e.log(LogLevelError, "check existing response for %s: %v", id, rerr)
	} else if exists && resp.RequestTimestamp.After(req.Timestamp) {
		e.log(LogLevelInfo, "duplicate request %s: a fresher response already exists", id)
		e.removeFile(path)
		return
	}

	if ps, ok := e.store.Get(req.RequestID); ok && ps.Status == model.StatusCompleted {
		e.log(LogLevelInfo, "duplicate request %s: already completed", id)
		e.removeFile(path)
		return
	}

	if !e.claim(req.RequestID) {
		e.log(LogLevelDebug, "request %s already claimed, ignoring", id)
		return
	}
	defer e.release(req.RequestID)

	e.runClaimed(*req, path)
}

// runClaimed executes Steps B-F for a request that has passed validation
// and won the inFlight race.
func (e *Engine) runClaimed(req model.Request, path string) {
	id := req.RequestID
	claimedAt := e.cl.Now()
	prior, _ := e.store.Get(id)

	// Step B: claim.
	procPath := e.layout.ProcessingPath(id)
	if path != procPath {
		if err := fsutil.AtomicRename(path, procPath); err != nil {
			if os.IsNotExist(err) {
				e.log(LogLevelDebug, "claim %s: file vanished before rename, aborting", id)
				return
			}
			e.log(LogLevelError, "claim %s: rename to processing: %v", id, err)
			return
		}
	}
	if err := e.transitionState(id, model.StatusProcessing, func(ps *model.ProcessingState) {
		ps.StartTime = claimedAt
		ps.RetryCount = req.RetryCount
	}); err != nil {
		e.log(LogLevelError, "claim %s: persist processing state: %v", id, err)
	}
	e.publish(events.EventRequestClaimed, id, map[string]any{"retry_count": req.RetryCount})

	// Step C: bound max retries before attempting another dispatch. This
	// only rejects a *re-claim* of a request Step F already retried past
	// its bound (e.g. a crash-recovered processing/ entry) — retry_count
	// is 0 on every request's first claim, and max_retries: 0 means
	// "single attempt", not "never dispatch" (§3), so the guard must not
	// trip before Step D's first dispatch.
	maxRetries := req.EffectiveMaxRetries()
	if req.RetryCount > 0 && req.RetryCount >= maxRetries {
		e.terminalFailure(req, procPath, prior.Attempts, "max retries exceeded", claimedAt)
		return
	}

	// Step D: dispatch.
	attempt, result := e.dispatchOnce(req)
	attempts := append(append([]model.Attempt{}, prior.Attempts...), attempt)
	e.publish(events.EventRequestDispatched, id, map[string]any{"attempt": attempt.Attempt, "success": attempt.Success})

	if attempt.Success {
		e.succeed(req, procPath, attempts, result, claimedAt)
		return
	}

	// Dispatcher-configuration commands (setMode) are applied against the
	// Dispatcher itself rather than producing a model response, so a
	// rejected config change is a warning to surface to the caller, not a
	// reason to burn a retry or land in failed/.
	if req.Command == model.CommandSetMode {
		e.log(LogLevelWarn, "request %s: setMode misapplied (%s), completing with warning instead of retrying", id, attempt.Error)
		e.succeed(req, procPath, attempts, result, claimedAt)
		return
	}

	e.retryOrFail(req, procPath, attempts, claimedAt)
}

// dispatchOnce calls the Dispatcher with a deadline derived from
// request.timeout_ms, armed against the engine's own shutdown context.
// If the Dispatcher has not returned DefaultDispatchGrace after the
// deadline trips, the attempt is recorded as timed out and the Dispatcher's
// eventual result — if it ever arrives — is discarded (§5).
func (e *Engine) dispatchOnce(req model.Request) (model.Attempt, dispatcher.Result) {
	attemptNum := req.RetryCount + 1
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	type outcome struct {
		res dispatcher.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.dispatcher.Dispatch(ctx, string(req.Command), req.Params)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return e.toAttempt(attemptNum, o.res, o.err), o.res
	case <-ctx.Done():
		grace := time.NewTimer(DefaultDispatchGrace)
		defer grace.Stop()
		select {
		case o := <-done:
			return e.toAttempt(attemptNum, o.res, o.err), o.res
		case <-grace.C:
			return model.Attempt{
				Attempt:   attemptNum,
				Success:   false,
				Error:     fmt.Sprintf("dispatch timed out after %s (+%s grace)", timeout, DefaultDispatchGrace),
				Timestamp: e.cl.Now(),
			}, dispatcher.Result{}
		}
	}
}

func (e *Engine) toAttempt(n int, res dispatcher.Result, err error) model.Attempt {
	if err != nil {
		return model.Attempt{Attempt: n, Success: false, Error: err.Error(), Timestamp: e.cl.Now()}
	}
	a := model.Attempt{Attempt: n, Success: res.Success, Data: res.Data, Timestamp: e.cl.Now()}
	if !res.Success && a.Error == "" {
		a.Error = res.Error
	}
	return a
}

// Step E: success.
func (e *Engine) succeed(req model.Request, procPath string, attempts []model.Attempt, result dispatcher.Result, claimedAt time.Time) {
	id := req.RequestID
	resp := model.Response{
		RequestID:        id,
		FinalStatus:      model.FinalStatusSuccess,
		Attempts:         attempts,
		RequestTimestamp: req.Timestamp,
		ModelUsed:        result.ModelUsed,
		ModeUsed:         result.ModeUsed,
		ResponseLength:   len(result.Data),
		ExecutionTimeS:   e.cl.Since(claimedAt).Seconds(),
	}
	if err := e.respw.WriteResponse(resp); err != nil {
		e.log(LogLevelError, "success %s: write response: %v", id, err)
	}
	if err := e.transitionState(id, model.StatusCompleted, func(ps *model.ProcessingState) {
		ps.Attempts = attempts
		ps.ErrorMessage = ""
	}); err != nil {
		e.log(LogLevelError, "success %s: persist completed state: %v", id, err)
	}
	e.removeFile(procPath)
	e.publish(events.EventRequestSucceeded, id, map[string]any{"attempts": len(attempts)})
}

// Step F: retry or fail.
func (e *Engine) retryOrFail(req model.Request, procPath string, attempts []model.Attempt, claimedAt time.Time) {
	id := req.RequestID
	maxRetries := req.EffectiveMaxRetries()
	nextRetryCount := req.RetryCount + 1
	lastErr := attempts[len(attempts)-1].Error

	if nextRetryCount < maxRetries {
		backoff := time.Duration(nextRetryCount) * DefaultRetryBackoffUnit
		if backoff > DefaultRetryBackoffCap {
			backoff = DefaultRetryBackoffCap
		}
		e.cl.Sleep(backoff)

		retryReq := req
		retryReq.RetryCount = nextRetryCount
		retryReq.Timestamp = e.cl.Now()

		if err := e.transitionState(id, model.StatusRetry, func(ps *model.ProcessingState) {
			ps.RetryCount = nextRetryCount
			ps.Attempts = attempts
			ps.ErrorMessage = lastErr
		}); err != nil {
			e.log(LogLevelError, "retry %s: persist state: %v", id, err)
		}
		if err := fsutil.AtomicWriteJSON(e.layout.RequestPath(id), retryReq); err != nil {
			e.log(LogLevelError, "retry %s: re-emit request: %v", id, err)
		}
		e.removeFile(procPath)
		e.publish(events.EventRequestRetried, id, map[string]any{"retry_count": nextRetryCount})
		return
	}

	e.terminalFailure(req, procPath, attempts, lastErr, claimedAt)
}

// terminalFailure writes the failed Response and its failed/ mirror,
// updates state, and cleans up processing/. Used by Step F exhaustion, by
// Step C's early max-retries bound, and by the stuck-processing paths in
// §4.7/§4.8.
func (e *Engine) terminalFailure(req model.Request, procPath string, attempts []model.Attempt, reason string, claimedAt time.Time) {
	id := req.RequestID
	now := e.cl.Now()
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	resp := model.Response{
		RequestID:        id,
		FinalStatus:      model.FinalStatusFailed,
		Attempts:         attempts,
		RequestTimestamp: req.Timestamp,
		ExecutionTimeS:   e.cl.Since(claimedAt).Seconds(),
	}
	if err := e.respw.WriteResponse(resp); err != nil {
		e.log(LogLevelError, "terminal failure %s: write response: %v", id, err)
	}
	if err := e.respw.WriteFailedMirror(resp.AsFailedMirror(reason, now)); err != nil {
		e.log(LogLevelError, "terminal failure %s: write failed mirror: %v", id, err)
	}
	if err := e.transitionState(id, model.StatusFailed, func(ps *model.ProcessingState) {
		ps.Attempts = attempts
		ps.ErrorMessage = reason
	}); err != nil {
		e.log(LogLevelError, "terminal failure %s: persist state: %v", id, err)
	}
	e.removeFile(procPath)
	e.publish(events.EventRequestFailed, id, map[string]any{"reason": reason})
}

// forceFailStuck synthesizes a Request shell from a stuck ProcessingState
// so the shared terminalFailure path (§4.7, §4.8's "same path" rule) can be
// reused without re-parsing the abandoned processing/ file.
func (e *Engine) forceFailStuck(id, path string, ps model.ProcessingState, reason string) {
	req := model.Request{RequestID: id, Timestamp: ps.StartTime, RetryCount: ps.RetryCount}
	e.terminalFailure(req, path, ps.Attempts, reason, ps.StartTime)
}

// failValidation implements Step A's terminal "error" outcomes: bad JSON,
// id mismatch, stale/future timestamps. No dispatch ever occurs, so
// Attempts is always the empty (not nil) slice.
func (e *Engine) failValidation(id string, req model.Request, reason string, path string) {
	e.log(LogLevelWarn, "validation failed for %s: %s", id, reason)
	resp := model.Response{
		RequestID:        id,
		FinalStatus:      model.FinalStatusError,
		Attempts:         []model.Attempt{},
		RequestTimestamp: req.Timestamp,
	}
	if err := e.respw.WriteResponse(resp); err != nil {
		e.log(LogLevelError, "validation %s: write error response: %v", id, err)
	}
	e.removeFile(path)
	e.publish(events.EventRequestFailed, id, map[string]any{"reason": reason, "validation": true})
}

// transitionState loads (or synthesizes a pending) ProcessingState for id,
// validates the transition through model.ValidateTransition, applies
// mutate, and persists. A rejected transition is logged and forced through
// rather than dropped — a request that reached a terminal outcome always
// deserves its state update, even if the in-memory state was stale.
func (e *Engine) transitionState(id string, to model.Status, mutate func(ps *model.ProcessingState)) error {
	ps, ok := e.store.Get(id)
	if !ok {
		ps = model.ProcessingState{RequestID: id, Status: model.StatusPending}
	}
	if err := ps.Transition(to, e.cl.Now()); err != nil {
		e.log(LogLevelWarn, "state %s: %v (forcing)", id, err)
		ps.Status = to
		ps.LastUpdate = e.cl.Now()
	}
	if mutate != nil {
		mutate(&ps)
	}
	return e.store.Upsert(ps)
}

func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[id] {
		return false
	}
	e.inFlight[id] = true
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

func (e *Engine) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.log(LogLevelError, "remove %s: %v", path, err)
	}
}

func (e *Engine) publish(t events.EventType, id string, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(t, id, data)
}

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if e.logger == nil || level < e.logLevel {
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
	e.logger.Printf("%s %s engine: %s", e.cl.Now().Format(time.RFC3339), levelStr, fmt.Sprintf(format, args...))
}
