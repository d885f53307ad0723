package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "airwave/pkg/logx"
)

// Store is the persistence API used by the station effects sink and the
// notifier.
type Store interface {
	AppendPlay(ctx context.Context, r PlayRecord) error
	// RecentPlays returns the newest plays of a station first.
	RecentPlays(ctx context.Context, station string, limit int) ([]PlayRecord, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
