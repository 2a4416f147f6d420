// Package sqlite is the durable Store implementation: a single
// modernc.org/sqlite-backed database, WAL mode, a small connection pool,
// serializing writes the way SQLite already does.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/store"
)

// Store is the sqlite-backed implementation of store.Store.
type Store struct {
	db          *sql.DB
	retry       store.RetryConfig
}

// Open pragma-hardens SQLite for concurrent access and bounds the pool to
// poolSize connections.
func Open(dsn string, poolSize int) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, err
	}
	if poolSize <= 0 {
		poolSize = 25
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, retry: store.DefaultRetryConfig}, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside one BEGIN/COMMIT, retrying on conflict or backend
// error.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return store.WithRetry(ctx, s.retry, func() error {
		sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return domain.ErrBackend
		}
		committed := false
		defer func() {
			if !committed {
				_ = sqlTx.Rollback()
			}
		}()

		txn := &tx{sqlTx: sqlTx}
		if err := fn(ctx, txn); err != nil {
			return translateErr(err)
		}
		if err := sqlTx.Commit(); err != nil {
			if isUniqueConstraintError(err) {
				return domain.ErrConflict
			}
			return domain.ErrBackend
		}
		committed = true
		return nil
	})
}

// translateErr passes domain sentinel errors through untouched and wraps
// anything else (typically a raw *sql.Tx error) as a backend error.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		domain.ErrIdentityConflict, domain.ErrOrderAlreadyExists, domain.ErrPaymentAlreadyExists,
		domain.ErrInvalidTransition, domain.ErrOrderNotFound, domain.ErrPaymentNotFound,
		domain.ErrInsufficientFunds, domain.ErrInvalidSignature, domain.ErrUnauthorizedWallet,
		domain.ErrConflict, domain.ErrModificationForbidden, domain.ErrNoOp,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if isUniqueConstraintError(err) {
		return domain.ErrConflict
	}
	log.Error().Err(err).Msg("store: unclassified error in transaction")
	return domain.ErrBackend
}

// isUniqueConstraintError string-matches modernc.org/sqlite's driver error,
// which (unlike e.g. pgx) exposes no typed constraint-violation error. See
// DESIGN.md for why this is the one place the store falls back to string
// matching instead of errors.Is.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

// timeLayout is RFC3339 with a fixed nine-digit fraction, so every stored
// timestamp has the same width and string order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nowStr() string { return time.Now().UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// parseUnixRFC3339 renders a unix-second cutoff in the fixed-width format
// created_at columns are stored in, so string comparison sorts correctly.
func parseUnixRFC3339(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format(timeLayout)
}
