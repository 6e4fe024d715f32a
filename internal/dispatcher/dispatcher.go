// Package dispatcher defines the collaborator contract (§4.5) the
// Request Lifecycle Engine calls to actually execute a request against
// the in-editor assistant. The engine does not know or care how a
// Dispatcher talks to the model; it only requires that dispatch
// eventually returns or the passed context is honored.
package dispatcher

import (
	"context"
	"encoding/json"
)

// Result is what a Dispatcher call yields, per §4.5.
type Result struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ModelUsed string          `json:"model_used,omitempty"`
	ModeUsed  string          `json:"mode_used,omitempty"`
}

// Dispatcher executes one command against the assistant. Implementations
// must honor ctx cancellation cooperatively at their next suspension
// point (§4.5, §5) rather than ignoring it.
type Dispatcher interface {
	Dispatch(ctx context.Context, command string, params json.RawMessage) (Result, error)
}
