package storage

import (
	"context"
	"errors"
	"strings"

	logx "jobmill/pkg/logx"
)

// Store is the job-history API consumed by the daemon.
type Store interface {
	AppendJob(ctx context.Context, r JobRecord) error
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
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
