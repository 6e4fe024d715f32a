package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command is the set of operations the Dispatcher surface recognizes.
// Unknown command strings fail validation rather than being passed through.
type Command string

const (
	CommandPing            Command = "ping"
	CommandSubmitPrompt    Command = "submitPrompt"
	CommandSetMode         Command = "setMode"
	CommandGetCurrentState Command = "getCurrentState"
)

var validCommands = map[Command]bool{
	CommandPing:            true,
	CommandSubmitPrompt:    true,
	CommandSetMode:         true,
	CommandGetCurrentState: true,
}

func (c Command) Valid() bool {
	return validCommands[c]
}

// DefaultTimeoutMS and DefaultMaxRetries are applied to a Request that
// omits them.
const (
	DefaultTimeoutMS   = 60_000
	DefaultMaxRetries  = 3
	DefaultMaxAgeHours = 24
	ClockSkewTolerance = 2 * time.Second
)

// Request is the document a client drops into requests/<id>.json.
// It is read-only from the broker's point of view except for the
// retry_count and timestamp fields, which the broker rewrites when it
// re-emits a retry.
type Request struct {
	RequestID  string          `json:"request_id"`
	Command    Command         `json:"command"`
	Params     json.RawMessage `json:"params,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	TimeoutMS  int             `json:"timeout_ms,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	RetryCount int             `json:"retry_count,omitempty"`
}

// ApplyDefaults fills in the optional fields a client is allowed to omit.
// MaxRetries uses a pointer so an explicit 0 ("single attempt", per §3)
// survives round-tripping distinctly from an omitted field.
func (r *Request) ApplyDefaults() {
	if r.TimeoutMS <= 0 {
		r.TimeoutMS = DefaultTimeoutMS
	}
	if r.MaxRetries == nil {
		d := DefaultMaxRetries
		r.MaxRetries = &d
	}
}

// ParseRequest decodes a request file's bytes and validates the fields
// that are cheap to check before any filesystem interaction: this is
// deliberately narrower than full Step A validation in internal/engine,
// which also needs the filename stem and the current clock.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if req.RequestID == "" {
		return nil, fmt.Errorf("parse request: request_id is empty")
	}
	if !req.Command.Valid() {
		return nil, fmt.Errorf("parse request: unknown command %q", req.Command)
	}
	if req.RetryCount < 0 {
		return nil, fmt.Errorf("parse request: negative retry_count")
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return nil, fmt.Errorf("parse request: negative max_retries")
	}
	req.ApplyDefaults()
	return &req, nil
}

// EffectiveMaxRetries returns the request's max_retries, applying the
// package default only when the client omitted the field entirely.
func (r *Request) EffectiveMaxRetries() int {
	if r.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *r.MaxRetries
}
