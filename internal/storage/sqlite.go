//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "jobmill/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendJob(ctx context.Context, r JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_history(job_id, name, status, progress, tasks, completed, failed, canceled, created_at, finished_at, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.JobID, r.Name, r.Status, r.Progress, r.Tasks, r.Completed, r.Failed, r.Canceled,
		r.CreatedAt.Format(time.RFC3339Nano), r.FinishedAt.Format(time.RFC3339Nano), r.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, name, status, progress, tasks, completed, failed, canceled, created_at, finished_at, took_ms
		 FROM job_history ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var r JobRecord
		var created, finished string
		if err := rows.Scan(&r.JobID, &r.Name, &r.Status, &r.Progress, &r.Tasks, &r.Completed, &r.Failed, &r.Canceled, &created, &finished, &r.TookMS); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
