package storage

import (
	"context"
	"errors"
	"strings"

	"courier/internal/oneshot"
	logx "courier/pkg/logx"
)

// Store is the persistence API used by the one-time scheduler. SaveJobs
// replaces the whole pending set; partial updates do not exist.
type Store interface {
	LoadJobs(ctx context.Context) ([]oneshot.Job, error)
	SaveJobs(ctx context.Context, jobs []oneshot.Job) error
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
