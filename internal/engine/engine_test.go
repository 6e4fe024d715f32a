package engine

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobu007/copilot-instruction-eval/internal/clock"
	"github.com/nobu007/copilot-instruction-eval/internal/dispatcher"
	"github.com/nobu007/copilot-instruction-eval/internal/events"
	"github.com/nobu007/copilot-instruction-eval/internal/layout"
	"github.com/nobu007/copilot-instruction-eval/internal/model"
	"github.com/nobu007/copilot-instruction-eval/internal/store"
)

// failNTimes fails its first n calls, then succeeds, to exercise §4.6 Step F.
type failNTimes struct {
	n     int32
	calls int32
}

func (f *failNTimes) Dispatch(ctx context.Context, command string, params json.RawMessage) (dispatcher.Result, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.n {
		return dispatcher.Result{Success: false, Error: "transient failure"}, nil
	}
	return dispatcher.Result{Success: true, Data: json.RawMessage(`{"ok":true}`)}, nil
}

type alwaysFail struct{}

func (alwaysFail) Dispatch(ctx context.Context, command string, params json.RawMessage) (dispatcher.Result, error) {
	return dispatcher.Result{Success: false, Error: "permanent failure"}, nil
}

// hangs never returns until its context is cancelled, to exercise the
// dispatch-timeout-plus-grace path.
type hangs struct{}

func (hangs) Dispatch(ctx context.Context, command string, params json.RawMessage) (dispatcher.Result, error) {
	<-ctx.Done()
	return dispatcher.Result{}, ctx.Err()
}

func newTestEngine(t *testing.T, disp dispatcher.Dispatcher, cl clock.Clock) (*Engine, *layout.Layout, *store.Store) {
	t.Helper()
	base := t.TempDir()
	l := layout.New(base)
	require.NoError(t, l.Ensure())
	st := store.New(l.StateFilePath())
	require.NoError(t, st.Load())
	bus := events.NewBus(16)
	logger := log.New(os.Stderr, "", 0)
	e := New(l, st, disp, cl, bus, logger, LogLevelDebug, 2)
	return e, l, st
}

func writeRequest(t *testing.T, l *layout.Layout, req model.Request) {
	t.Helper()
	req.ApplyDefaults()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.RequestPath(req.RequestID), data, 0644))
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// S1: happy path ping, single attempt, no retries.
func TestEngine_HappyPathSucceeds(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, l, st := newTestEngine(t, dispatcher.NewEcho(), cl)

	req := model.Request{RequestID: "r1", Command: model.CommandPing, Timestamp: cl.Now()}
	writeRequest(t, l, req)

	e.Submit(l.RequestPath("r1"))

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(l.ResponsePath("r1.json"))
		return err == nil
	})

	var resp model.Response
	data, err := os.ReadFile(l.ResponsePath("r1.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, model.FinalStatusSuccess, resp.FinalStatus)
	assert.Len(t, resp.Attempts, 1)

	ps, ok := st.Get("r1")
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, ps.Status)

	_, err = os.Stat(l.ProcessingPath("r1"))
	assert.True(t, os.IsNotExist(err))
}

// S2: fails twice, then succeeds on the third attempt.
func TestEngine_RetryThenSucceed(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	disp := &failNTimes{n: 2}
	e, l, st := newTestEngine(t, disp, cl)

	req := model.Request{RequestID: "r2", Command: model.CommandPing, Timestamp: cl.Now()}
	writeRequest(t, l, req)

	e.Submit(l.RequestPath("r2"))

	// Each failed attempt re-emits requests/r2.json with an incremented
	// retry_count; the engine never schedules its own re-submission, so
	// the test drives the retry loop the same way the Watcher would. The
	// original requests/r2.json exists before the first claim, so the
	// test waits for the retry state and for the id to leave inFlight,
	// both of which happen only after the re-emitted file is written.
	retried := func(n int) func() bool {
		return func() bool {
			ps, ok := st.Get("r2")
			e.mu.Lock()
			busy := e.inFlight["r2"]
			e.mu.Unlock()
			return ok && ps.Status == model.StatusRetry && ps.RetryCount == n && !busy
		}
	}
	waitUntil(t, time.Second, retried(1))
	e.Submit(l.RequestPath("r2"))

	waitUntil(t, time.Second, retried(2))
	e.Submit(l.RequestPath("r2"))

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(l.ResponsePath("r2.json"))
		return err == nil
	})

	var resp model.Response
	data, err := os.ReadFile(l.ResponsePath("r2.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, model.FinalStatusSuccess, resp.FinalStatus)
	assert.Len(t, resp.Attempts, 3)

	ps, ok := st.Get("r2")
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, ps.Status)
}

// S3: exhausts max_retries and lands in failed/.
func TestEngine_ExhaustsRetriesAndFails(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, l, st := newTestEngine(t, alwaysFail{}, cl)

	one := 1
	req := model.Request{RequestID: "r3", Command: model.CommandPing, Timestamp: cl.Now(), MaxRetries: &one}
	writeRequest(t, l, req)

	e.Submit(l.RequestPath("r3"))
	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(l.RequestPath("r3"))
		return err == nil
	})
	e.Submit(l.RequestPath("r3"))

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(l.FailedPath("r3.json"))
		return err == nil
	})

	var resp model.Response
	data, err := os.ReadFile(l.FailedPath("r3.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, model.FinalStatusFailed, resp.FinalStatus)
	assert.NotEmpty(t, resp.FailureReason)
	assert.NotNil(t, resp.FailedAt)

	ps, ok := st.Get("r3")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, ps.Status)
}

// S4: a request whose timestamp is far in the past is rejected at Step A
// without ever reaching the Dispatcher.
func TestEngine_StaleRequestFailsValidation(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, l, _ := newTestEngine(t, dispatcher.NewEcho(), cl)

	req := model.Request{
		RequestID: "r4",
		Command:   model.CommandPing,
		Timestamp: cl.Now().Add(-48 * time.Hour),
	}
	writeRequest(t, l, req)

	e.Submit(l.RequestPath("r4"))

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(l.ResponsePath("r4.json"))
		return err == nil
	})

	var resp model.Response
	data, err := os.ReadFile(l.ResponsePath("r4.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, model.FinalStatusError, resp.FinalStatus)
	assert.Empty(t, resp.Attempts)

	_, err = os.Stat(l.RequestPath("r4"))
	assert.True(t, os.IsNotExist(err))
}

// S5: RecoverProcessing force-fails a processing/ entry idle past the
// stuck threshold, and leaves a fresh one alone to be resubmitted.
func TestEngine_RecoverProcessingForceFailsStuckEntry(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, l, st := newTestEngine(t, alwaysFail{}, cl)

	stuckReq := model.Request{RequestID: "stuck", Command: model.CommandPing, Timestamp: cl.Now().Add(-time.Hour)}
	stuckReq.ApplyDefaults()
	data, err := json.Marshal(stuckReq)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.ProcessingPath("stuck"), data, 0644))
	require.NoError(t, st.Upsert(model.ProcessingState{
		RequestID:  "stuck",
		Status:     model.StatusProcessing,
		StartTime:  cl.Now().Add(-time.Hour),
		LastUpdate: cl.Now().Add(-time.Hour),
	}))

	freshReq := model.Request{RequestID: "fresh", Command: model.CommandPing, Timestamp: cl.Now()}
	freshReq.ApplyDefaults()
	data, err = json.Marshal(freshReq)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.ProcessingPath("fresh"), data, 0644))
	require.NoError(t, st.Upsert(model.ProcessingState{
		RequestID:  "fresh",
		Status:     model.StatusProcessing,
		StartTime:  cl.Now(),
		LastUpdate: cl.Now(),
	}))

	e.RecoverProcessing(5 * time.Minute)

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(l.FailedPath("stuck.json"))
		return err == nil
	})
	ps, ok := st.Get("stuck")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, ps.Status)

	// The fresh entry is dispatched again; alwaysFail with the default
	// max_retries of 3 makes that attempt re-emit it into requests/.
	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(l.RequestPath("fresh"))
		return err == nil
	})
	ps, ok = st.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, model.StatusRetry, ps.Status)
}

// The inFlight guard rejects a concurrent duplicate claim on the same
// request id (Testable Property 2).
func TestEngine_InFlightGuardRejectsConcurrentClaim(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, _, _ := newTestEngine(t, dispatcher.NewEcho(), cl)

	require.True(t, e.claim("dup"))
	assert.False(t, e.claim("dup"))
	e.release("dup")
	assert.True(t, e.claim("dup"))
}

func TestEngine_DispatchTimeoutRecordsFailureAfterGrace(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, l, st := newTestEngine(t, hangs{}, cl)

	req := model.Request{RequestID: "r5", Command: model.CommandPing, Timestamp: cl.Now(), TimeoutMS: 10}
	one := 1
	req.MaxRetries = &one
	writeRequest(t, l, req)

	e.Submit(l.RequestPath("r5"))

	waitUntil(t, DefaultDispatchGrace+2*time.Second, func() bool {
		_, err := os.Stat(l.FailedPath("r5.json"))
		return err == nil
	})

	ps, ok := st.Get("r5")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, ps.Status)
}

func TestEngine_ScanSubmitsAllRequestFiles(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, l, _ := newTestEngine(t, dispatcher.NewEcho(), cl)

	for _, id := range []string{"a", "b", "c"} {
		writeRequest(t, l, model.Request{RequestID: id, Command: model.CommandPing, Timestamp: cl.Now()})
	}

	e.Scan()

	for _, id := range []string{"a", "b", "c"} {
		id := id
		waitUntil(t, time.Second, func() bool {
			_, err := os.Stat(l.ResponsePath(id + ".json"))
			return err == nil
		})
	}
}

func TestEngine_DuplicateResponseSuppressesReprocessing(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, l, _ := newTestEngine(t, alwaysFail{}, cl)

	existing := model.Response{
		RequestID:        "r6",
		FinalStatus:      model.FinalStatusSuccess,
		Attempts:         []model.Attempt{{Attempt: 1, Success: true, Timestamp: cl.Now()}},
		RequestTimestamp: cl.Now(),
	}
	data, err := json.Marshal(existing)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.ResponsePath("r6.json"), data, 0644))

	req := model.Request{RequestID: "r6", Command: model.CommandPing, Timestamp: cl.Now().Add(-time.Second)}
	writeRequest(t, l, req)

	e.Submit(l.RequestPath("r6"))

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(l.RequestPath("r6"))
		return os.IsNotExist(err)
	})

	data, err = os.ReadFile(l.ResponsePath("r6.json"))
	require.NoError(t, err)
	var resp model.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, model.FinalStatusSuccess, resp.FinalStatus)
}

func TestEngine_SweepStuckProcessingForceFails(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, l, st := newTestEngine(t, alwaysFail{}, cl)

	require.NoError(t, st.Upsert(model.ProcessingState{
		RequestID:  "idle1",
		Status:     model.StatusProcessing,
		StartTime:  cl.Now(),
		LastUpdate: cl.Now(),
	}))
	cl.Advance(20 * time.Minute)

	n := e.SweepStuckProcessing(10 * time.Minute)
	assert.Equal(t, 1, n)

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(l.FailedPath("idle1.json"))
		return err == nil
	})
	ps, ok := st.Get("idle1")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, ps.Status)
}

func TestEngine_ShutdownDrainsInFlightWork(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, l, _ := newTestEngine(t, dispatcher.NewEcho(), cl)

	req := model.Request{RequestID: "r7", Command: model.CommandPing, Timestamp: cl.Now()}
	writeRequest(t, l, req)
	e.Submit(l.RequestPath("r7"))

	ok := e.Shutdown(2 * time.Second)
	assert.True(t, ok)
}

// A setMode request the Dispatcher rejects (invalid mode) is a
// configuration-misapplication warning, not a dispatch failure: it must
// land in responses/ as success on its very first attempt, never consume
// a retry, and never reach failed/, even with max_retries set to 0.
func TestEngine_SetModeMisapplicationCompletesAsWarningNotFailure(t *testing.T) {
	cl := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, l, st := newTestEngine(t, dispatcher.NewEcho(), cl)

	zero := 0
	req := model.Request{
		RequestID:  "r8",
		Command:    model.CommandSetMode,
		Params:     json.RawMessage(`{"mode":"not-a-real-mode"}`),
		Timestamp:  cl.Now(),
		MaxRetries: &zero,
	}
	writeRequest(t, l, req)

	e.Submit(l.RequestPath("r8"))

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(l.ResponsePath("r8.json"))
		return err == nil
	})

	var resp model.Response
	data, err := os.ReadFile(l.ResponsePath("r8.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, model.FinalStatusSuccess, resp.FinalStatus)
	require.Len(t, resp.Attempts, 1)
	assert.False(t, resp.Attempts[0].Success)
	assert.NotEmpty(t, resp.Attempts[0].Error)

	ps, ok := st.Get("r8")
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, ps.Status)

	_, err = os.Stat(l.FailedPath("r8.json"))
	assert.True(t, os.IsNotExist(err))
}
