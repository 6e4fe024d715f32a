// Package status implements the `broker status` subcommand (§A.4): a
// one-shot read of config/current_state.json, the advisory snapshot the
// Maintenance Loop republishes on every tick.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/nobu007/copilot-instruction-eval/internal/layout"
	"github.com/nobu007/copilot-instruction-eval/internal/model"
)

// Run reads baseDirectory's snapshot and prints it either as JSON or as a
// short human-readable summary.
func Run(baseDirectory string, jsonOutput bool) error {
	l := layout.New(baseDirectory)

	var snap model.Snapshot
	data, err := os.ReadFile(l.SnapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no snapshot at %s: is the broker running? start it with: broker run", l.SnapshotPath())
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	printSnapshot(snap)
	return nil
}

func printSnapshot(snap model.Snapshot) {
	fmt.Printf("Broker %s at %s\n", snap.BrokerVersion, snap.BaseDirectory)
	fmt.Printf("Snapshot generated: %s\n", snap.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))

	if len(snap.CountsByState) == 0 {
		fmt.Println("\nNo requests recorded.")
		return
	}

	statuses := make([]model.Status, 0, len(snap.CountsByState))
	for s := range snap.CountsByState {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	fmt.Println("\nRequests by status:")
	total := 0
	for _, s := range statuses {
		n := snap.CountsByState[s]
		total += n
		fmt.Printf("  %-12s %d\n", s, n)
	}
	fmt.Printf("  %-12s %d\n", "total", total)
}
