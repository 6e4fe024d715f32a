package model

import (
	"encoding/json"
	"strings"
	"time"
)

// FinalStatus is the terminal outcome recorded on a Response. None of
// these are ever retried once written.
type FinalStatus string

const (
	FinalStatusSuccess FinalStatus = "success"
	FinalStatusFailed  FinalStatus = "failed"
	FinalStatusError   FinalStatus = "error"
)

// Attempt is one entry in a Response's attempts log. Exactly one of
// Data / Error is populated, matching which branch of Step D produced it.
type Attempt struct {
	Attempt   int             `json:"attempt"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Response is the document the broker writes to responses/<id>.json
// (and, on terminal failure, mirrors to failed/<id>.json). Clients treat
// it as read-only and it is never rewritten once it exists.
type Response struct {
	RequestID        string      `json:"request_id"`
	FinalStatus       FinalStatus `json:"final_status"`
	Attempts          []Attempt   `json:"attempts"`
	RequestTimestamp  time.Time   `json:"request_timestamp"`
	ModelUsed         string      `json:"model_used,omitempty"`
	ModeUsed          string      `json:"mode_used,omitempty"`
	ResponseLength    int         `json:"response_length,omitempty"`
	ExecutionTimeS    float64     `json:"execution_time_s"`

	// FailureReason and FailedAt are only set on the failed/<id>.json
	// mirror, per §6 — the responses/<id>.json copy never carries them.
	FailureReason string     `json:"failure_reason,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

// ResponseFileName derives the response/failed filename from a request
// id, stripping a tolerated "req_" client-convention prefix per §4.9.
func ResponseFileName(requestID string) string {
	return strings.TrimPrefix(requestID, "req_") + ".json"
}

// AsFailedMirror returns a copy of a terminal-failure Response annotated
// with failure_reason and failed_at, ready to be written to failed/<id>.json.
func (r Response) AsFailedMirror(reason string, at time.Time) Response {
	mirror := r
	mirror.FailureReason = reason
	mirror.FailedAt = &at
	return mirror
}
