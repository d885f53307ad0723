package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines play log + dedup snapshot
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PlayRecord is one item that started playing on a station.
// Keep it compact and schema-stable.
type PlayRecord struct {
	At         time.Time `json:"at"`
	Station    string    `json:"station"`
	RunID      string    `json:"run_id,omitempty"`
	Path       string    `json:"path"`
	Title      string    `json:"title,omitempty"`
	Artist     string    `json:"artist,omitempty"`
	Album      string    `json:"album,omitempty"`
	Jingle     bool      `json:"jingle,omitempty"`
	Relay      bool      `json:"relay,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// DefaultRecentLimit caps RecentPlays when the caller passes limit <= 0.
const DefaultRecentLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > 500 {
		return 500
	}
	return limit
}
