package model

import (
	"fmt"
	"time"
)

// Status is a ProcessingState's position in the request lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetry      Status = "retry"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

// IsTerminal reports whether a status is one ValidateTransition treats
// as "nothing further will happen to this id" — no further status
// change is ever valid once a ProcessingState reaches one. The
// maintenance loop's own GC window only reclaims `completed` entries,
// not every terminal status; see internal/maintenance.gcCompleted.
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// validTransitions mirrors the reference codebase's adjacency-map style
// for status validation (internal/model/status.go in the reference
// broker), adapted to the five ProcessingState statuses this spec names.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusRetry:     true,
	},
	StatusRetry: {
		StatusProcessing: true,
		StatusFailed:     true, // maintenance/recovery may force-fail a retry-pending id
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// ValidateTransition rejects any transition out of a terminal status and
// any transition not named in validTransitions.
func ValidateTransition(from, to Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("invalid transition %s -> %s: %s is terminal", from, to, from)
	}
	if validTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("invalid transition %s -> %s", from, to)
}

// ProcessingState is the broker-owned, durable record of where a request
// is in its lifecycle. The State Store persists a map keyed by RequestID.
//
// Attempts carries the engine's accumulated attempt log across a chain of
// retries, since each retry is a fresh claim on a re-emitted request file
// with no attempts field of its own (§3) — the ProcessingState is the only
// durable place that survives between one retry's failure and the next
// retry's claim, including across a process restart.
type ProcessingState struct {
	RequestID    string    `json:"request_id"`
	Status       Status    `json:"status"`
	StartTime    time.Time `json:"start_time"`
	LastUpdate   time.Time `json:"last_update"`
	RetryCount   int       `json:"retry_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempts     []Attempt `json:"attempts,omitempty"`
}

// Transition validates and applies a status change, stamping LastUpdate.
func (ps *ProcessingState) Transition(to Status, now time.Time) error {
	if err := ValidateTransition(ps.Status, to); err != nil {
		return err
	}
	ps.Status = to
	ps.LastUpdate = now
	return nil
}

// IdleFor reports how long a processing-status entry has been idle,
// used by both crash recovery (§4.7) and the maintenance loop (§4.8)
// against their respective thresholds.
func (ps *ProcessingState) IdleFor(now time.Time) time.Duration {
	return now.Sub(ps.LastUpdate)
}
