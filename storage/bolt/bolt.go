// Package bolt implements storage.SessionStorage on top of a bbolt key/value file.
//
// Every session owns a nested bucket under the top-level sessions bucket. It holds the
// CBOR encoded session record plus a state bucket and an events bucket keyed by the
// big-endian event sequence. Sequences come from the events bucket's NextSequence, which
// only advances when the surrounding update transaction commits.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/TangGee/go-mcp-stream/storage"
)

// Storage is a SessionStorage backed by a bbolt database file.
type Storage struct {
	db *bbolt.DB
}

type sessionRecord struct {
	ID              string `cbor:"id"`
	ProtocolVersion string `cbor:"pv"`
	Initialized     bool   `cbor:"init"`
	CreatedAt       int64  `cbor:"ca"`
	LastAccessedAt  int64  `cbor:"la"`
	ExpiresAt       int64  `cbor:"ea"`
	LastSequence    uint64 `cbor:"seq"`
	Deleted         bool   `cbor:"del"`
}

type eventRecord struct {
	Method    string `cbor:"m"`
	Payload   []byte `cbor:"p"`
	Timestamp int64  `cbor:"ts"`
}

var (
	sessionsBucket = []byte("sessions")
	stateBucket    = []byte("state")
	eventsBucket   = []byte("events")
	recordKey      = []byte("record")

	encMode cbor.EncMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bolt: CBOR encoder initialization failed: " + err.Error())
	}
}

// Open opens, and creates if needed, the database file at path.
func Open(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// CreateSession implements storage.SessionStorage.
func (s *Storage) CreateSession(_ context.Context, sess storage.Session) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(sessionsBucket)
		if root.Bucket([]byte(sess.ID)) != nil {
			return storage.NewError("CreateSession", sess.ID, storage.ErrAlreadyExists, nil)
		}

		b, err := root.CreateBucket([]byte(sess.ID))
		if err != nil {
			return storage.NewError("CreateSession", sess.ID, storage.ErrIO, err)
		}
		if _, err := b.CreateBucket(stateBucket); err != nil {
			return storage.NewError("CreateSession", sess.ID, storage.ErrIO, err)
		}
		if _, err := b.CreateBucket(eventsBucket); err != nil {
			return storage.NewError("CreateSession", sess.ID, storage.ErrIO, err)
		}

		rec := sessionRecord{
			ID:              sess.ID,
			ProtocolVersion: sess.ProtocolVersion,
			Initialized:     sess.Initialized,
			CreatedAt:       sess.CreatedAt.UnixNano(),
			LastAccessedAt:  sess.LastAccessedAt.UnixNano(),
			ExpiresAt:       sess.ExpiresAt.UnixNano(),
		}
		return putRecord(b, "CreateSession", rec)
	})
	return wrapTxError("CreateSession", sess.ID, err)
}

// GetSession implements storage.SessionStorage.
func (s *Storage) GetSession(_ context.Context, id string) (storage.Session, error) {
	var rec sessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, r, err := liveSession(tx, "GetSession", id)
		rec = r
		return err
	})
	if err != nil {
		return storage.Session{}, wrapTxError("GetSession", id, err)
	}
	return rec.session(), nil
}

// TouchSession implements storage.SessionStorage.
func (s *Storage) TouchSession(
	_ context.Context,
	id string,
	now, expiresAt time.Time,
) (storage.Session, error) {
	var rec sessionRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, r, err := liveSession(tx, "TouchSession", id)
		if err != nil {
			return err
		}
		if r.session().Expired(now) {
			return storage.NewError("TouchSession", id, storage.ErrExpired, nil)
		}
		r.LastAccessedAt = now.UnixNano()
		r.ExpiresAt = max(r.ExpiresAt, expiresAt.UnixNano())
		rec = r
		return putRecord(b, "TouchSession", r)
	})
	if err != nil {
		return storage.Session{}, wrapTxError("TouchSession", id, err)
	}
	return rec.session(), nil
}

// SetInitialized implements storage.SessionStorage.
func (s *Storage) SetInitialized(_ context.Context, id string) (bool, error) {
	var was bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, r, err := liveSession(tx, "SetInitialized", id)
		if err != nil {
			return err
		}
		was = r.Initialized
		if was {
			return nil
		}
		r.Initialized = true
		return putRecord(b, "SetInitialized", r)
	})
	return was, wrapTxError("SetInitialized", id, err)
}

// DeleteSession implements storage.SessionStorage.
func (s *Storage) DeleteSession(_ context.Context, id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, r, err := liveSession(tx, "DeleteSession", id)
		if err != nil {
			return err
		}
		r.Deleted = true
		return putRecord(b, "DeleteSession", r)
	})
	return wrapTxError("DeleteSession", id, err)
}

// ListExpired implements storage.SessionStorage.
func (s *Storage) ListExpired(_ context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(sessionsBucket)
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			rec, err := getRecord(root.Bucket(k), "ListExpired", string(k))
			if err != nil {
				return err
			}
			if rec.Deleted || rec.session().Expired(now) {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapTxError("ListExpired", "", err)
	}
	return ids, nil
}

// SetState implements storage.SessionStorage.
func (s *Storage) SetState(_ context.Context, id, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return storage.NewError("SetState", id, storage.ErrSerialization, errors.New("value is not valid JSON"))
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, _, err := liveSession(tx, "SetState", id)
		if err != nil {
			return err
		}
		if err := b.Bucket(stateBucket).Put([]byte(key), value); err != nil {
			return storage.NewError("SetState", id, storage.ErrIO, err)
		}
		return nil
	})
	return wrapTxError("SetState", id, err)
}

// GetState implements storage.SessionStorage.
func (s *Storage) GetState(_ context.Context, id, key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, _, err := liveSession(tx, "GetState", id)
		if err != nil {
			return err
		}
		// Values are only valid for the lifetime of the transaction.
		if v := b.Bucket(stateBucket).Get([]byte(key)); v != nil {
			value = append(json.RawMessage(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, wrapTxError("GetState", id, err)
	}
	return value, nil
}

// AppendEvent implements storage.SessionStorage.
func (s *Storage) AppendEvent(_ context.Context, id string, ev storage.Event) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, r, err := liveSession(tx, "AppendEvent", id)
		if err != nil {
			return err
		}
		if r.session().RejectsEventAt(ev.Timestamp) {
			return storage.NewError("AppendEvent", id, storage.ErrExpired, nil)
		}

		events := b.Bucket(eventsBucket)
		seq, err = events.NextSequence()
		if err != nil {
			return storage.NewError("AppendEvent", id, storage.ErrIO, err)
		}

		data, err := encMode.Marshal(eventRecord{
			Method:    ev.Method,
			Payload:   ev.Payload,
			Timestamp: ev.Timestamp.UnixNano(),
		})
		if err != nil {
			return storage.NewError("AppendEvent", id, storage.ErrSerialization, err)
		}
		if err := events.Put(sequenceKey(seq), data); err != nil {
			return storage.NewError("AppendEvent", id, storage.ErrIO, err)
		}

		r.LastSequence = seq
		return putRecord(b, "AppendEvent", r)
	})
	if err != nil {
		return 0, wrapTxError("AppendEvent", id, err)
	}
	return seq, nil
}

// GetEventsSince implements storage.SessionStorage.
func (s *Storage) GetEventsSince(_ context.Context, id string, lastSequence uint64) ([]storage.Event, error) {
	var events []storage.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, r, err := liveSession(tx, "GetEventsSince", id)
		if err != nil {
			return err
		}
		// Nothing lies past the head, and lastSequence+1 would wrap at the maximum.
		if lastSequence >= r.LastSequence {
			return nil
		}

		c := b.Bucket(eventsBucket).Cursor()
		for k, v := c.Seek(sequenceKey(lastSequence + 1)); k != nil; k, v = c.Next() {
			var rec eventRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return storage.NewError("GetEventsSince", id, storage.ErrSerialization, err)
			}
			events = append(events, storage.Event{
				SessionID: id,
				Sequence:  binary.BigEndian.Uint64(k),
				Method:    rec.Method,
				Payload:   rec.Payload,
				Timestamp: time.Unix(0, rec.Timestamp).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrapTxError("GetEventsSince", id, err)
	}
	return events, nil
}

// PurgeSession implements storage.SessionStorage.
func (s *Storage) PurgeSession(_ context.Context, id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(sessionsBucket).DeleteBucket([]byte(id))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return storage.NewError("PurgeSession", id, storage.ErrNotFound, nil)
		}
		if err != nil {
			return storage.NewError("PurgeSession", id, storage.ErrIO, err)
		}
		return nil
	})
	return wrapTxError("PurgeSession", id, err)
}

// Close closes the database file.
func (s *Storage) Close() error {
	if err := s.db.Close(); err != nil {
		return storage.NewError("Close", "", storage.ErrIO, err)
	}
	return nil
}

func liveSession(tx *bbolt.Tx, op, id string) (*bbolt.Bucket, sessionRecord, error) {
	b := tx.Bucket(sessionsBucket).Bucket([]byte(id))
	if b == nil {
		return nil, sessionRecord{}, storage.NewError(op, id, storage.ErrNotFound, nil)
	}
	rec, err := getRecord(b, op, id)
	if err != nil {
		return nil, sessionRecord{}, err
	}
	if rec.Deleted {
		return nil, sessionRecord{}, storage.NewError(op, id, storage.ErrNotFound, nil)
	}
	return b, rec, nil
}

func getRecord(b *bbolt.Bucket, op, id string) (sessionRecord, error) {
	var rec sessionRecord
	data := b.Get(recordKey)
	if data == nil {
		return rec, storage.NewError(op, id, storage.ErrSerialization, errors.New("missing session record"))
	}
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return rec, storage.NewError(op, id, storage.ErrSerialization, err)
	}
	return rec, nil
}

func putRecord(b *bbolt.Bucket, op string, rec sessionRecord) error {
	data, err := encMode.Marshal(rec)
	if err != nil {
		return storage.NewError(op, rec.ID, storage.ErrSerialization, err)
	}
	if err := b.Put(recordKey, data); err != nil {
		return storage.NewError(op, rec.ID, storage.ErrIO, err)
	}
	return nil
}

// wrapTxError passes *storage.Error values through and classifies anything else bbolt
// returned from the transaction as an I/O failure.
func wrapTxError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var serr *storage.Error
	if errors.As(err, &serr) {
		return err
	}
	return storage.NewError(op, id, storage.ErrIO, err)
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (r sessionRecord) session() storage.Session {
	return storage.Session{
		ID:              r.ID,
		ProtocolVersion: r.ProtocolVersion,
		Initialized:     r.Initialized,
		CreatedAt:       time.Unix(0, r.CreatedAt).UTC(),
		LastAccessedAt:  time.Unix(0, r.LastAccessedAt).UTC(),
		ExpiresAt:       time.Unix(0, r.ExpiresAt).UTC(),
		LastSequence:    r.LastSequence,
	}
}
