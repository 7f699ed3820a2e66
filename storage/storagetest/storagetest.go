// Package storagetest provides the conformance suite every storage.SessionStorage
// implementation must pass.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TangGee/go-mcp-stream/storage"
)

// Factory returns a fresh, empty storage. The suite closes it when the test ends.
type Factory func(t *testing.T) storage.SessionStorage

var baseTime = time.Date(2025, 3, 26, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite against the storages produced by newStorage.
func Run(t *testing.T, newStorage Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.SessionStorage)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"GetMissing", testGetMissing},
		{"Touch", testTouch},
		{"TouchExpired", testTouchExpired},
		{"SetInitialized", testSetInitialized},
		{"DeleteIsTerminal", testDeleteIsTerminal},
		{"ListExpired", testListExpired},
		{"State", testState},
		{"AppendAndReplay", testAppendAndReplay},
		{"AppendMissing", testAppendMissing},
		{"AppendExpired", testAppendExpired},
		{"EventsSinceLargestCursor", testEventsSinceLargestCursor},
		{"SessionIsolation", testSessionIsolation},
		{"ConcurrentAppend", testConcurrentAppend},
		{"Purge", testPurge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStorage(t)
			t.Cleanup(func() {
				_ = s.Close()
			})
			tc.fn(t, s)
		})
	}

	t.Run("AppendSequenceProperty", func(t *testing.T) {
		s := newStorage(t)
		t.Cleanup(func() {
			_ = s.Close()
		})
		testAppendSequenceProperty(t, s)
	})
}

func newSession(ttl time.Duration) storage.Session {
	return storage.Session{
		ID:              uuid.NewString(),
		ProtocolVersion: "2025-03-26",
		CreatedAt:       baseTime,
		LastAccessedAt:  baseTime,
		ExpiresAt:       baseTime.Add(ttl),
	}
}

func mustCreate(t *testing.T, s storage.SessionStorage, sess storage.Session) {
	t.Helper()
	require.NoError(t, s.CreateSession(context.Background(), sess))
}

func testEvent(i int) storage.Event {
	return storage.Event{
		Method:    "notifications/message",
		Payload:   json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","method":"notifications/message","params":{"n":%d}}`, i)),
		Timestamp: baseTime.Add(time.Duration(i) * time.Millisecond),
	}
}

func testCreateAndGet(t *testing.T, s storage.SessionStorage) {
	sess := newSession(time.Hour)
	mustCreate(t, s, sess)

	got, err := s.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.ProtocolVersion, got.ProtocolVersion)
	assert.False(t, got.Initialized)
	assert.True(t, sess.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, sess.LastAccessedAt.Equal(got.LastAccessedAt))
	assert.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))
	assert.Zero(t, got.LastSequence)
}

func testCreateDuplicate(t *testing.T, s storage.SessionStorage) {
	sess := newSession(time.Hour)
	mustCreate(t, s, sess)

	err := s.CreateSession(context.Background(), sess)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func testGetMissing(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	id := uuid.NewString()

	_, err := s.GetSession(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)

	var serr *storage.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, id, serr.SessionID)

	_, err = s.TouchSession(ctx, id, baseTime, baseTime.Add(time.Hour))
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetEventsSince(ctx, id, 0)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetState(ctx, id, "k")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, s.SetState(ctx, id, "k", json.RawMessage(`1`)), storage.ErrNotFound)
	require.ErrorIs(t, s.DeleteSession(ctx, id), storage.ErrNotFound)
	require.ErrorIs(t, s.PurgeSession(ctx, id), storage.ErrNotFound)
}

func testTouch(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	sess := newSession(time.Minute)
	mustCreate(t, s, sess)

	now := baseTime.Add(30 * time.Second)
	got, err := s.TouchSession(ctx, sess.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.Equal(now))
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Minute)))

	// An earlier expiry must not move the window backward.
	later := now.Add(time.Second)
	got, err = s.TouchSession(ctx, sess.ID, later, later.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.Equal(later))
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Minute)))

	stored, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.ExpiresAt.Equal(now.Add(time.Minute)))
}

func testTouchExpired(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	sess := newSession(time.Minute)
	mustCreate(t, s, sess)

	now := baseTime.Add(time.Minute)
	_, err := s.TouchSession(ctx, sess.ID, now, now.Add(time.Hour))
	require.ErrorIs(t, err, storage.ErrExpired)

	stored, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.ExpiresAt.Equal(sess.ExpiresAt))
}

func testSetInitialized(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	sess := newSession(time.Hour)
	mustCreate(t, s, sess)

	was, err := s.SetInitialized(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, was)

	was, err = s.SetInitialized(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, was)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Initialized)
}

func testDeleteIsTerminal(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	sess := newSession(time.Hour)
	mustCreate(t, s, sess)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err := s.GetSession(ctx, sess.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.TouchSession(ctx, sess.ID, baseTime, baseTime.Add(2*time.Hour))
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.AppendEvent(ctx, sess.ID, testEvent(1))
	require.ErrorIs(t, err, storage.ErrNotFound)

	// The ID stays reserved until the sweep purges it.
	require.ErrorIs(t, s.CreateSession(ctx, sess), storage.ErrAlreadyExists)

	expired, err := s.ListExpired(ctx, baseTime)
	require.NoError(t, err)
	assert.Contains(t, expired, sess.ID)
}

func testListExpired(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	short := newSession(time.Minute)
	long := newSession(time.Hour)
	mustCreate(t, s, short)
	mustCreate(t, s, long)

	expired, err := s.ListExpired(ctx, baseTime.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = s.ListExpired(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{short.ID}, expired)

	expired, err = s.ListExpired(ctx, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	sort.Strings(expired)
	want := []string{short.ID, long.ID}
	sort.Strings(want)
	assert.Equal(t, want, expired)
}

func testState(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	sess := newSession(time.Hour)
	mustCreate(t, s, sess)

	v, err := s.GetState(ctx, sess.ID, "logLevel")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.SetState(ctx, sess.ID, "logLevel", json.RawMessage(`"info"`)))
	require.NoError(t, s.SetState(ctx, sess.ID, "cursor", json.RawMessage(`{"page":2}`)))
	require.NoError(t, s.SetState(ctx, sess.ID, "logLevel", json.RawMessage(`"error"`)))

	v, err = s.GetState(ctx, sess.ID, "logLevel")
	require.NoError(t, err)
	assert.JSONEq(t, `"error"`, string(v))

	v, err = s.GetState(ctx, sess.ID, "cursor")
	require.NoError(t, err)
	assert.JSONEq(t, `{"page":2}`, string(v))

	err = s.SetState(ctx, sess.ID, "broken", json.RawMessage(`{`))
	require.ErrorIs(t, err, storage.ErrSerialization)
}

func testAppendAndReplay(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	sess := newSession(time.Hour)
	mustCreate(t, s, sess)

	for i := 1; i <= 5; i++ {
		seq, err := s.AppendEvent(ctx, sess.ID, testEvent(i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.LastSequence)

	events, err := s.GetEventsSince(ctx, sess.ID, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for i, ev := range events {
		want := testEvent(4 + i)
		assert.Equal(t, sess.ID, ev.SessionID)
		assert.Equal(t, uint64(4+i), ev.Sequence)
		assert.Equal(t, want.Method, ev.Method)
		assert.JSONEq(t, string(want.Payload), string(ev.Payload))
		assert.True(t, want.Timestamp.Equal(ev.Timestamp))
	}

	events, err = s.GetEventsSince(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)

	events, err = s.GetEventsSince(ctx, sess.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = s.GetEventsSince(ctx, sess.ID, 99)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testAppendMissing(t *testing.T, s storage.SessionStorage) {
	_, err := s.AppendEvent(context.Background(), uuid.NewString(), testEvent(1))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testAppendExpired(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	sess := newSession(time.Minute)
	mustCreate(t, s, sess)

	_, err := s.AppendEvent(ctx, sess.ID, testEvent(1))
	require.NoError(t, err)

	late := testEvent(2)
	late.Timestamp = sess.ExpiresAt
	_, err = s.AppendEvent(ctx, sess.ID, late)
	require.ErrorIs(t, err, storage.ErrExpired)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.LastSequence)

	events, err := s.GetEventsSince(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func testEventsSinceLargestCursor(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	sess := newSession(time.Hour)
	mustCreate(t, s, sess)

	for i := 1; i <= 3; i++ {
		_, err := s.AppendEvent(ctx, sess.ID, testEvent(i))
		require.NoError(t, err)
	}

	events, err := s.GetEventsSince(ctx, sess.ID, math.MaxUint64)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testSessionIsolation(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	a := newSession(time.Hour)
	b := newSession(time.Hour)
	mustCreate(t, s, a)
	mustCreate(t, s, b)

	for i := 1; i <= 3; i++ {
		_, err := s.AppendEvent(ctx, a.ID, testEvent(i))
		require.NoError(t, err)
	}
	seq, err := s.AppendEvent(ctx, b.ID, testEvent(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	require.NoError(t, s.SetState(ctx, a.ID, "k", json.RawMessage(`"a"`)))

	events, err := s.GetEventsSince(ctx, b.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, b.ID, events[0].SessionID)

	v, err := s.GetState(ctx, b.ID, "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func testConcurrentAppend(t *testing.T, s storage.SessionStorage) {
	const (
		workers   = 8
		perWorker = 25
	)
	ctx := context.Background()
	sess := newSession(time.Hour)
	mustCreate(t, s, sess)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs []uint64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seq, err := s.AppendEvent(ctx, sess.ID, testEvent(w*perWorker+i))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seqs = append(seqs, seq)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assertContiguous(t, seqs, workers*perWorker)

	events, err := s.GetEventsSince(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, workers*perWorker)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func testPurge(t *testing.T, s storage.SessionStorage) {
	ctx := context.Background()
	sess := newSession(time.Hour)
	mustCreate(t, s, sess)
	_, err := s.AppendEvent(ctx, sess.ID, testEvent(1))
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, sess.ID, "k", json.RawMessage(`1`)))

	require.NoError(t, s.PurgeSession(ctx, sess.ID))

	_, err = s.GetSession(ctx, sess.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetEventsSince(ctx, sess.ID, 0)
	require.ErrorIs(t, err, storage.ErrNotFound)

	expired, err := s.ListExpired(ctx, baseTime.Add(24*time.Hour))
	require.NoError(t, err)
	assert.NotContains(t, expired, sess.ID)

	// A purged ID can be reused.
	mustCreate(t, s, sess)
	seq, err := s.AppendEvent(ctx, sess.ID, testEvent(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func testAppendSequenceProperty(t *testing.T, s storage.SessionStorage) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent appends yield exactly 1..N", prop.ForAll(
		func(workers, perWorker int) bool {
			ctx := context.Background()
			sess := newSession(time.Hour)
			if err := s.CreateSession(ctx, sess); err != nil {
				t.Logf("failed to create session: %v", err)
				return false
			}

			seqs := make(chan uint64, workers*perWorker)
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						seq, err := s.AppendEvent(ctx, sess.ID, testEvent(i))
						if err != nil {
							t.Logf("failed to append event: %v", err)
							return
						}
						seqs <- seq
					}
				}()
			}
			wg.Wait()
			close(seqs)

			seen := make(map[uint64]bool, workers*perWorker)
			for seq := range seqs {
				if seen[seq] {
					return false
				}
				seen[seq] = true
			}
			n := workers * perWorker
			if len(seen) != n {
				return false
			}
			for i := 1; i <= n; i++ {
				if !seen[uint64(i)] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 15),
	))

	properties.TestingRun(t)
}

func assertContiguous(t *testing.T, seqs []uint64, n int) {
	t.Helper()

	require.Len(t, seqs, n)
	sorted := append([]uint64(nil), seqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, seq := range sorted {
		require.Equal(t, uint64(i+1), seq, "sequence gap or duplicate at index %d", i)
	}
}
