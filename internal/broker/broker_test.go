package broker

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobu007/copilot-instruction-eval/internal/clock"
	"github.com/nobu007/copilot-instruction-eval/internal/dispatcher"
	"github.com/nobu007/copilot-instruction-eval/internal/layout"
	"github.com/nobu007/copilot-instruction-eval/internal/model"
)

func testConfig() model.Config {
	cfg := model.Config{}
	cfg.ApplyDefaults()
	cfg.Watcher.SettleDelayMS = 20
	cfg.Watcher.PollingIntervalMS = 100
	cfg.Maintenance.IntervalMS = 5000
	cfg.Lock.HeartbeatIntervalS = 1
	return cfg
}

func newTestBroker(t *testing.T) (*Broker, *layout.Layout) {
	t.Helper()
	base := t.TempDir()
	l := layout.New(base)
	require.NoError(t, l.Ensure())
	cl := clock.NewReal()
	var buf bytes.Buffer
	b, err := newBroker(base, testConfig(), l, &buf, nil, dispatcher.NewEcho(), cl)
	require.NoError(t, err)
	return b, l
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

func TestBroker_RunProcessesRequestsAndShutsDownCleanly(t *testing.T) {
	b, l := newTestBroker(t)

	done := make(chan error, 1)
	go func() { done <- b.Run() }()

	waitUntil(t, 2*time.Second, func() bool {
		_, err := os.Stat(b.lockMgr.Path())
		return err == nil
	})

	req := model.Request{RequestID: "r1", Command: model.CommandPing, Timestamp: time.Now()}
	req.ApplyDefaults()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.RequestPath("r1"), data, 0644))

	waitUntil(t, 2*time.Second, func() bool {
		_, err := os.Stat(l.ResponsePath("r1.json"))
		return err == nil
	})

	b.Shutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	_, err = os.Stat(b.lockMgr.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestBroker_ShutdownIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)

	go func() { _ = b.Run() }()
	waitUntil(t, 2*time.Second, func() bool {
		_, err := os.Stat(b.lockMgr.Path())
		return err == nil
	})

	b.Shutdown()
	b.Shutdown()
}

func TestBroker_RunRejectsSecondInstance(t *testing.T) {
	base := t.TempDir()
	l := layout.New(base)
	require.NoError(t, l.Ensure())
	cl := clock.NewReal()

	// Two brokers in this test process would share its pid, which the lock
	// treats as a re-entrant start rather than a rival owner, so a live
	// child process stands in for the first instance.
	owner := exec.Command("sleep", "30")
	require.NoError(t, owner.Start())
	defer func() {
		_ = owner.Process.Kill()
		_ = owner.Wait()
	}()

	var buf2 bytes.Buffer
	b2, err := newBroker(base, testConfig(), l, &buf2, nil, dispatcher.NewEcho(), cl)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b2.lockMgr.Path(), []byte(strconv.Itoa(owner.Process.Pid)+"\n"), 0644))

	err = b2.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already owned")
}
