package store

import (
	"errors"
	"time"

	"xsense-go-home/internal/cloud"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists gateway state across restarts.
type Store interface {
	// Session blob, including tokens and delegated credentials.
	SaveSession(s *cloud.PersistedSession) error
	GetSession() (*cloud.PersistedSession, error)

	// Serialized inventory from the last successful sync.
	SaveInventory(data []byte) error
	GetInventory() ([]byte, error)

	// Last sensor report request per station.
	SaveCooldown(station string, at time.Time) error
	ListCooldowns() (map[string]time.Time, error)

	SaveDiagnostics(d *Diagnostics) error
	GetDiagnostics() (*Diagnostics, error)

	// UpdateDiagnostics atomically reads, modifies, and saves the
	// diagnostics record. A missing record starts from the zero value.
	UpdateDiagnostics(fn func(d *Diagnostics) error) error

	// Close the store
	Close() error
}
