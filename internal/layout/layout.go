// Package layout owns the seven well-known subdirectories (§4.2) every
// other broker component resolves its paths through, so "where do
// requests/responses/processing/failed/logs/state/config live" has a
// single source of truth rooted at one configurable base directory.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves the well-known subdirectories under Base. It never
// deletes a directory once created, per §4.2.
type Layout struct {
	Base string
}

// New returns a Layout rooted at base without touching the filesystem;
// call Ensure to create the subdirectories.
func New(base string) *Layout {
	return &Layout{Base: base}
}

func (l *Layout) Requests() string   { return filepath.Join(l.Base, "requests") }
func (l *Layout) Responses() string  { return filepath.Join(l.Base, "responses") }
func (l *Layout) Processing() string { return filepath.Join(l.Base, "processing") }
func (l *Layout) Failed() string     { return filepath.Join(l.Base, "failed") }
func (l *Layout) Logs() string       { return filepath.Join(l.Base, "logs") }
func (l *Layout) State() string      { return filepath.Join(l.Base, "state") }
func (l *Layout) Config() string     { return filepath.Join(l.Base, "config") }

// RequestPath returns requests/<id>.json for a given request id.
func (l *Layout) RequestPath(id string) string { return filepath.Join(l.Requests(), id+".json") }

// ProcessingPath returns processing/<id>.json for a given request id.
func (l *Layout) ProcessingPath(id string) string {
	return filepath.Join(l.Processing(), id+".json")
}

// ResponsePath returns responses/<name>, where name is the full response
// filename (including ".json") as derived per §4.9; nothing is appended.
func (l *Layout) ResponsePath(name string) string {
	return filepath.Join(l.Responses(), name)
}

// FailedPath returns failed/<name>, mirroring ResponsePath.
func (l *Layout) FailedPath(name string) string {
	return filepath.Join(l.Failed(), name)
}

// StateFilePath returns state/processing_state.json.
func (l *Layout) StateFilePath() string {
	return filepath.Join(l.State(), "processing_state.json")
}

// SnapshotPath returns config/current_state.json.
func (l *Layout) SnapshotPath() string {
	return filepath.Join(l.Config(), "current_state.json")
}

// SystemLogPath returns logs/system.log.
func (l *Layout) SystemLogPath() string {
	return filepath.Join(l.Logs(), "system.log")
}

// RequestLogPath returns logs/<id>.log.
func (l *Layout) RequestLogPath(id string) string {
	return filepath.Join(l.Logs(), id+".log")
}

// Ensure creates any of the seven subdirectories that are missing.
// Called once at broker startup, before lock acquisition touches
// state/.
func (l *Layout) Ensure() error {
	dirs := []string{
		l.Requests(), l.Responses(), l.Processing(),
		l.Failed(), l.Logs(), l.State(), l.Config(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("layout: ensure %s: %w", d, err)
		}
	}
	return nil
}
