// Package storage persists sessions, measurements, the connection status
// and the acquisition log in SQLite.
package storage

import (
	"time"

	"codeberg.org/mutker/usbmeterd/internal/meter"
)

// Storage is the persistence collaborator of the acquisition daemon. It is
// safe for concurrent use.
type Storage interface {
	CreateSession(name, device string) (int64, error)
	StoreMeasurement(sample *meter.Sample) error
	UpdateStatus(state meter.ConnectionState) error
	FetchStatus() (meter.ConnectionState, error)
	AppendLog(message string) error
	FetchLog(limit int) ([]LogEntry, error)
	ClearLog() error
	LastMeasurementByName(name string) (time.Time, bool, error)
	Measurements(sessionID int64) ([]*meter.Sample, error)
	Sessions() ([]Session, error)
	Close() error
}

type Session struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Device    string    `json:"device"`
	CreatedAt time.Time `json:"created_at"`
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}
