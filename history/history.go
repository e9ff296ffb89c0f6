// Package history keeps a SQLite journal of connection state transitions.
// It subscribes to a vpn.Controller as an observer and answers "what happened
// recently" queries for the CLI.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/yllada/systemvpn/common"
	"github.com/yllada/systemvpn/vpn"
)

// Entry is one recorded transition.
type Entry struct {
	ID           int64
	ConnectionID string
	State        vpn.State
	ErrorCode    vpn.ErrorState
	At           time.Time
}

// Journal records transitions in a SQLite database.
type Journal struct {
	db     *sql.DB
	logger common.Logger
}

// Open opens (or creates) the journal at path and runs the schema migration.
// Use ":memory:" for an in-memory journal.
func Open(path string, logger common.Logger) (*Journal, error) {
	if logger == nil {
		logger = common.NopLogger{}
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// A single connection keeps writes serialized and ":memory:" shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends a notification to the journal.
func (j *Journal) Record(ctx context.Context, n vpn.Notification) error {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (connection_id, state, error_code, at_ms) VALUES (?, ?, ?, ?)`,
		n.ConnectionID, int(n.State), int(n.ErrorCode), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// Observer returns a vpn.Observer that records every notification.
// Write failures are logged; they never reach the controller.
func (j *Journal) Observer() vpn.Observer {
	return func(n vpn.Notification) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.Record(ctx, n); err != nil {
			j.logger.Warn("History: %v", err)
		}
	}
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return j.query(ctx,
		`SELECT id, connection_id, state, error_code, at_ms FROM transitions ORDER BY at_ms DESC, id DESC LIMIT ?`,
		limit)
}

// ForConnection returns up to limit entries of one connection, newest first.
func (j *Journal) ForConnection(ctx context.Context, connectionID string, limit int) ([]Entry, error) {
	return j.query(ctx,
		`SELECT id, connection_id, state, error_code, at_ms FROM transitions
		 WHERE connection_id = ? ORDER BY at_ms DESC, id DESC LIMIT ?`,
		connectionID, limit)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			state     int
			errorCode int
			atMs      int64
		)
		if err := rows.Scan(&e.ID, &e.ConnectionID, &state, &errorCode, &atMs); err != nil {
			return nil, err
		}
		e.State = vpn.State(state)
		e.ErrorCode = vpn.ErrorState(errorCode)
		e.At = time.UnixMilli(atMs)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastConnected returns when connectionID last reached Connected.
// The boolean is false if it never did.
func (j *Journal) LastConnected(ctx context.Context, connectionID string) (time.Time, bool, error) {
	var atMs int64
	err := j.db.QueryRowContext(ctx,
		`SELECT at_ms FROM transitions WHERE connection_id = ? AND state = ? ORDER BY at_ms DESC, id DESC LIMIT 1`,
		connectionID, int(vpn.StateConnected)).Scan(&atMs)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(atMs), true, nil
}

// Cleanup removes entries older than retention and returns how many were removed.
func (j *Journal) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return j.cleanupBefore(ctx, time.Now().Add(-retention))
}

func (j *Journal) cleanupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM transitions WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Debug("History: removed %d entries older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}
