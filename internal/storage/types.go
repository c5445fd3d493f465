package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int           // records kept; 0 keeps everything
}

func (c Config) retain() int {
	if c.Retain < 0 {
		return 0
	}
	return c.Retain
}

// RunRecord is one finished task attempt.
// Keep it compact and schema-stable.
type RunRecord struct {
	At         time.Time `json:"at"`
	TaskID     string    `json:"task_id"`
	Name       string    `json:"name,omitempty"`
	Attempt    int       `json:"attempt"`
	Async      bool      `json:"async,omitempty"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	NextRun    time.Time `json:"next_run,omitzero"`
	Error      string    `json:"error,omitempty"`
}
