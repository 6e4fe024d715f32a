// Package respwriter implements the single helper (§4.9) every
// terminal outcome in internal/engine routes through: it serializes a
// Response to a temp file and renames it into place so a reader of
// responses/<id>.json or failed/<id>.json never observes a partial or
// invalid document (Testable Property 4, §8).
package respwriter

import (
	"fmt"

	"github.com/nobu007/copilot-instruction-eval/internal/fsutil"
	"github.com/nobu007/copilot-instruction-eval/internal/layout"
	"github.com/nobu007/copilot-instruction-eval/internal/model"
)

// Writer resolves filenames through a Layout and writes via
// fsutil's atomic write-temp-then-rename primitive.
type Writer struct {
	layout *layout.Layout
}

// New returns a Writer rooted at the given Layout.
func New(l *layout.Layout) *Writer {
	return &Writer{layout: l}
}

// WriteResponse writes responses/<name>.json, where name is derived
// from resp.RequestID via model.ResponseFileName (§4.9's req_-prefix
// stripping rule).
func (w *Writer) WriteResponse(resp model.Response) error {
	name := model.ResponseFileName(resp.RequestID)
	path := w.layout.ResponsePath(name)
	if err := fsutil.AtomicWriteJSON(path, resp); err != nil {
		return fmt.Errorf("respwriter: write response %s: %w", resp.RequestID, err)
	}
	return nil
}

// WriteFailedMirror writes failed/<name>.json with the terminal-failure
// annotations (§4.6 Step F, §6).
func (w *Writer) WriteFailedMirror(mirror model.Response) error {
	name := model.ResponseFileName(mirror.RequestID)
	path := w.layout.FailedPath(name)
	if err := fsutil.AtomicWriteJSON(path, mirror); err != nil {
		return fmt.Errorf("respwriter: write failed mirror %s: %w", mirror.RequestID, err)
	}
	return nil
}

// ResponseExists reports whether a response already exists for id, and
// returns its RequestTimestamp for the Step A duplicate check (strict
// `>` per §9's resolved open question).
func (w *Writer) ResponseExists(requestID string) (exists bool, resp model.Response, err error) {
	name := model.ResponseFileName(requestID)
	path := w.layout.ResponsePath(name)
	ok, rerr := fsutil.ReadJSONIfExists(path, &resp)
	if rerr != nil {
		return false, model.Response{}, fmt.Errorf("respwriter: check existing response %s: %w", requestID, rerr)
	}
	return ok, resp, nil
}
