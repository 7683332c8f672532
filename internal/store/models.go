package store

import "time"

// BootRecord names the firmware image to boot next.
type BootRecord struct {
	Slot        string    `json:"slot"`
	Path        string    `json:"path"`
	Title       string    `json:"title"`
	Version     string    `json:"version"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	CommittedAt time.Time `json:"committed_at"`
}

// CycleRecord is a local diagnostic record of one telemetry cycle.
// It is never replayed to the broker.
type CycleRecord struct {
	ID         string    `json:"id"`
	BootCount  uint64    `json:"boot_count"`
	Sequence   int       `json:"sequence"` // cycle number within the boot, from 1
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	FinalState string    `json:"final_state"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	// Telemetry is the payload published this cycle, if any.
	Telemetry string `json:"telemetry,omitempty"`
}
