package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScript_SuccessRoundTrip(t *testing.T) {
	s := NewScript("sh", "-c", `cat >/dev/null; echo '{"success":true,"data":{"message":"pong"}}'`)
	res, err := s.Dispatch(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"message":"pong"}`, string(res.Data))
}

func TestScript_NonZeroExit(t *testing.T) {
	s := NewScript("sh", "-c", `cat >/dev/null; exit 1`)
	_, err := s.Dispatch(context.Background(), "ping", nil)
	assert.Error(t, err)
}

func TestScript_MalformedOutput(t *testing.T) {
	s := NewScript("sh", "-c", `cat >/dev/null; echo 'not json'`)
	_, err := s.Dispatch(context.Background(), "ping", nil)
	assert.Error(t, err)
}

func TestScript_ContextTimeout(t *testing.T) {
	s := NewScript("sh", "-c", `cat >/dev/null; sleep 5; echo '{"success":true}'`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Dispatch(ctx, "ping", nil)
	assert.Error(t, err)
}
