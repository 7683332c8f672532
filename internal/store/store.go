package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Boot selection
	SaveBootRecord(rec *BootRecord) error
	GetBootRecord() (*BootRecord, error)

	// IncrementBootCount bumps the persisted boot counter and returns the
	// new value. It is called once per process start.
	IncrementBootCount() (uint64, error)

	// Cycle history, oldest records are pruned beyond the configured cap.
	SaveCycle(rec *CycleRecord) error
	LastCycle() (*CycleRecord, error)
	ListCycles(limit int) ([]*CycleRecord, error)

	// Close the store
	Close() error
}
