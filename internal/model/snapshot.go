package model

import "time"

// Snapshot is the advisory document the maintenance loop (§4.8)
// re-publishes to config/current_state.json on every tick. Clients may
// read it but the broker makes no durability promise about it — it is
// fully derivable from the State Store at any instant.
type Snapshot struct {
	BrokerVersion string         `json:"broker_version"`
	BaseDirectory string         `json:"base_directory"`
	GeneratedAt   time.Time      `json:"generated_at"`
	CountsByState map[Status]int `json:"counts_by_state"`
}
