package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"courier/internal/oneshot"
	"courier/internal/transport"
	logx "courier/pkg/logx"

	_ "modernc.org/sqlite"
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

	// Basic pragmas.
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

func (s *sqliteStore) LoadJobs(ctx context.Context) ([]oneshot.Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipients, message, fire_at, created_at FROM once_jobs ORDER BY fire_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []oneshot.Job
	for rows.Next() {
		var (
			j          oneshot.Job
			recipients string
			fireAt     int64
			createdAt  int64
		)
		if err := rows.Scan(&j.ID, &recipients, &j.Message, &fireAt, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recipients), &j.Recipients); err != nil {
			// A malformed row should not block the rest of the set.
			s.log.Warn("skipping job with malformed recipients",
				logx.String("id", j.ID),
				logx.Err(err),
			)
			continue
		}
		j.FireAt = time.UnixMilli(fireAt)
		j.CreatedAt = time.UnixMilli(createdAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *sqliteStore) SaveJobs(ctx context.Context, jobs []oneshot.Job) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM once_jobs`); err != nil {
		return err
	}
	for _, j := range jobs {
		recipients, err := json.Marshal(recipientsOrEmpty(j.Recipients))
		if err != nil {
			return fmt.Errorf("encode recipients for %s: %w", j.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO once_jobs(id, recipients, message, fire_at, created_at) VALUES(?,?,?,?,?)`,
			j.ID, string(recipients), j.Message, j.FireAt.UnixMilli(), j.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
	}
	return tx.Commit()
}

// recipientsOrEmpty keeps the stored JSON an array even for a job that lost
// all its recipients, so loading never trips on a literal null.
func recipientsOrEmpty(rs []transport.Recipient) []transport.Recipient {
	if rs == nil {
		return []transport.Recipient{}
	}
	return rs
}
