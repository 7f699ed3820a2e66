// Package sqlite implements storage.SessionStorage on top of SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/TangGee/go-mcp-stream/storage"
)

// Storage is a SessionStorage backed by a SQLite database.
//
// A single connection is kept open, so every write is serialized by the database handle
// and event sequences are assigned inside the same transaction that inserts the event.
type Storage struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	protocol_version TEXT NOT NULL,
	initialized INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	last_sequence INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS session_state (
	session_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (session_id, key)
);

CREATE TABLE IF NOT EXISTS session_events (
	session_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	method TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, sequence)
);
`

const sessionColumns = `id, protocol_version, initialized, created_at, last_accessed_at, expires_at, last_sequence`

// Open opens, and creates if needed, the database at path. The path ":memory:" gives a
// private in-memory database.
func Open(path string) (*Storage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Storage{db: db}, nil
}

// CreateSession implements storage.SessionStorage.
func (s *Storage) CreateSession(ctx context.Context, sess storage.Session) error {
	query := `
		INSERT INTO sessions (id, protocol_version, initialized, created_at, last_accessed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.ProtocolVersion,
		sess.Initialized,
		sess.CreatedAt.UnixNano(),
		sess.LastAccessedAt.UnixNano(),
		sess.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return storage.NewError("CreateSession", sess.ID, storage.ErrIO, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return storage.NewError("CreateSession", sess.ID, storage.ErrIO, err)
	}
	if rows == 0 {
		return storage.NewError("CreateSession", sess.ID, storage.ErrAlreadyExists, nil)
	}
	return nil
}

// GetSession implements storage.SessionStorage.
func (s *Storage) GetSession(ctx context.Context, id string) (storage.Session, error) {
	return getSession(ctx, s.db, "GetSession", id)
}

// TouchSession implements storage.SessionStorage.
func (s *Storage) TouchSession(
	ctx context.Context,
	id string,
	now, expiresAt time.Time,
) (storage.Session, error) {
	var sess storage.Session
	err := s.inTx(ctx, "TouchSession", id, func(tx *sql.Tx) error {
		cur, err := getSession(ctx, tx, "TouchSession", id)
		if err != nil {
			return err
		}
		if cur.Expired(now) {
			return storage.NewError("TouchSession", id, storage.ErrExpired, nil)
		}

		query := `
			UPDATE sessions
			SET last_accessed_at = ?, expires_at = MAX(expires_at, ?)
			WHERE id = ?
		`
		if _, err := tx.ExecContext(ctx, query, now.UnixNano(), expiresAt.UnixNano(), id); err != nil {
			return storage.NewError("TouchSession", id, storage.ErrIO, err)
		}

		sess = cur
		sess.LastAccessedAt = now
		if expiresAt.After(sess.ExpiresAt) {
			sess.ExpiresAt = expiresAt
		}
		return nil
	})
	if err != nil {
		return storage.Session{}, err
	}
	return sess, nil
}

// SetInitialized implements storage.SessionStorage.
func (s *Storage) SetInitialized(ctx context.Context, id string) (bool, error) {
	var was bool
	err := s.inTx(ctx, "SetInitialized", id, func(tx *sql.Tx) error {
		cur, err := getSession(ctx, tx, "SetInitialized", id)
		if err != nil {
			return err
		}
		was = cur.Initialized
		if was {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET initialized = 1 WHERE id = ?`, id); err != nil {
			return storage.NewError("SetInitialized", id, storage.ErrIO, err)
		}
		return nil
	})
	return was, err
}

// DeleteSession implements storage.SessionStorage.
func (s *Storage) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return storage.NewError("DeleteSession", id, storage.ErrIO, err)
	}
	return requireRow(res, "DeleteSession", id)
}

// ListExpired implements storage.SessionStorage.
func (s *Storage) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE deleted = 1 OR expires_at <= ?`, now.UnixNano())
	if err != nil {
		return nil, storage.NewError("ListExpired", "", storage.ErrIO, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storage.NewError("ListExpired", "", storage.ErrIO, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NewError("ListExpired", "", storage.ErrIO, err)
	}
	return ids, nil
}

// SetState implements storage.SessionStorage.
func (s *Storage) SetState(ctx context.Context, id, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return storage.NewError("SetState", id, storage.ErrSerialization, errors.New("value is not valid JSON"))
	}
	return s.inTx(ctx, "SetState", id, func(tx *sql.Tx) error {
		if _, err := getSession(ctx, tx, "SetState", id); err != nil {
			return err
		}
		query := `
			INSERT INTO session_state (session_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value
		`
		if _, err := tx.ExecContext(ctx, query, id, key, []byte(value)); err != nil {
			return storage.NewError("SetState", id, storage.ErrIO, err)
		}
		return nil
	})
}

// GetState implements storage.SessionStorage.
func (s *Storage) GetState(ctx context.Context, id, key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.inTx(ctx, "GetState", id, func(tx *sql.Tx) error {
		if _, err := getSession(ctx, tx, "GetState", id); err != nil {
			return err
		}
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM session_state WHERE session_id = ? AND key = ?`, id, key).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return storage.NewError("GetState", id, storage.ErrIO, err)
		}
		value = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// AppendEvent implements storage.SessionStorage.
func (s *Storage) AppendEvent(ctx context.Context, id string, ev storage.Event) (uint64, error) {
	var seq uint64
	err := s.inTx(ctx, "AppendEvent", id, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, "AppendEvent", id)
		if err != nil {
			return err
		}
		if sess.RejectsEventAt(ev.Timestamp) {
			return storage.NewError("AppendEvent", id, storage.ErrExpired, nil)
		}

		query := `
			UPDATE sessions SET last_sequence = last_sequence + 1
			WHERE id = ? AND deleted = 0
			RETURNING last_sequence
		`
		err = tx.QueryRowContext(ctx, query, id).Scan(&seq)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.NewError("AppendEvent", id, storage.ErrNotFound, nil)
		}
		if err != nil {
			return storage.NewError("AppendEvent", id, storage.ErrIO, err)
		}

		insert := `
			INSERT INTO session_events (session_id, sequence, method, payload, created_at)
			VALUES (?, ?, ?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, insert, id, seq, ev.Method, []byte(ev.Payload),
			ev.Timestamp.UnixNano()); err != nil {
			return storage.NewError("AppendEvent", id, storage.ErrIO, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// GetEventsSince implements storage.SessionStorage.
func (s *Storage) GetEventsSince(ctx context.Context, id string, lastSequence uint64) ([]storage.Event, error) {
	var events []storage.Event
	err := s.inTx(ctx, "GetEventsSince", id, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, "GetEventsSince", id)
		if err != nil {
			return err
		}
		// Sequences above the head hold nothing, and SQLite cannot bind a uint64 with the
		// high bit set.
		if lastSequence >= sess.LastSequence {
			return nil
		}

		query := `
			SELECT sequence, method, payload, created_at
			FROM session_events
			WHERE session_id = ? AND sequence > ?
			ORDER BY sequence ASC
		`
		rows, err := tx.QueryContext(ctx, query, id, lastSequence)
		if err != nil {
			return storage.NewError("GetEventsSince", id, storage.ErrIO, err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				ev      storage.Event
				payload []byte
				created int64
			)
			if err := rows.Scan(&ev.Sequence, &ev.Method, &payload, &created); err != nil {
				return storage.NewError("GetEventsSince", id, storage.ErrIO, err)
			}
			ev.SessionID = id
			ev.Payload = payload
			ev.Timestamp = time.Unix(0, created).UTC()
			events = append(events, ev)
		}
		if err := rows.Err(); err != nil {
			return storage.NewError("GetEventsSince", id, storage.ErrIO, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// PurgeSession implements storage.SessionStorage.
func (s *Storage) PurgeSession(ctx context.Context, id string) error {
	return s.inTx(ctx, "PurgeSession", id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return storage.NewError("PurgeSession", id, storage.ErrIO, err)
		}
		if err := requireRow(res, "PurgeSession", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_state WHERE session_id = ?`, id); err != nil {
			return storage.NewError("PurgeSession", id, storage.ErrIO, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, id); err != nil {
			return storage.NewError("PurgeSession", id, storage.ErrIO, err)
		}
		return nil
	})
}

// Close closes the database.
func (s *Storage) Close() error {
	if err := s.db.Close(); err != nil {
		return storage.NewError("Close", "", storage.ErrIO, err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSession(ctx context.Context, q queryer, op, id string) (storage.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ? AND deleted = 0`

	var (
		sess                                 storage.Session
		createdAt, lastAccessedAt, expiresAt int64
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&sess.ID,
		&sess.ProtocolVersion,
		&sess.Initialized,
		&createdAt,
		&lastAccessedAt,
		&expiresAt,
		&sess.LastSequence,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Session{}, storage.NewError(op, id, storage.ErrNotFound, nil)
	}
	if err != nil {
		return storage.Session{}, storage.NewError(op, id, storage.ErrIO, err)
	}

	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.LastAccessedAt = time.Unix(0, lastAccessedAt).UTC()
	sess.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return sess, nil
}

func (s *Storage) inTx(ctx context.Context, op, id string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError(op, id, storage.ErrIO, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storage.NewError(op, id, storage.ErrIO, err)
	}
	return nil
}

func requireRow(res sql.Result, op, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return storage.NewError(op, id, storage.ErrIO, err)
	}
	if rows == 0 {
		return storage.NewError(op, id, storage.ErrNotFound, nil)
	}
	return nil
}
