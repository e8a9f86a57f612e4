// Package store persists trades, trials, peer-resolution state and engagement
// records in SQLite or PostgreSQL through sqlx.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is the source of truth for every loop.
type Store struct {
	db     *sqlx.DB
	driver string
	loc    *time.Location
	logger *zap.Logger
}

// Open connects to url: postgres:// URLs use lib/pq, anything else is a SQLite
// path or DSN. Timestamps read back are converted to loc.
func Open(ctx context.Context, url string, loc *time.Location, logger *zap.Logger) (*Store, error) {
	driver, dsn := "sqlite", url
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = "postgres"
	} else if !strings.HasPrefix(url, "file:") && url != ":memory:" {
		if dir := filepath.Dir(url); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One connection serialises writers and keeps in-memory databases alive.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if loc == nil {
		loc = time.UTC
	}

	s := &Store{db: db, driver: driver, loc: loc, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("store opened", zap.String("driver", driver))
	return s, nil
}

// Driver is the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

func (s *Store) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

func (s *Store) in(t Timestamp) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.In(s.loc)
}

// withTx runs fn in a transaction, committing on nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// claimed runs an UPDATE guarded by the old flag value and reports whether this caller won.
func claimed(res interface{ RowsAffected() (int64, error) }, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
