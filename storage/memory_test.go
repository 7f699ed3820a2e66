package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-stream/storage"
	"github.com/TangGee/go-mcp-stream/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.Run(t, func(*testing.T) storage.SessionStorage {
		return storage.NewMemoryStorage()
	})
}

func TestMemoryStorageReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	now := time.Now()

	if err := s.CreateSession(ctx, storage.Session{ID: "s1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	payload := json.RawMessage(`{"a":1}`)
	if _, err := s.AppendEvent(ctx, "s1", storage.Event{Method: "m", Payload: payload}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	payload[2] = 'b'

	events, err := s.GetEventsSince(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	events[0].Payload[2] = 'c'

	events, err = s.GetEventsSince(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if string(events[0].Payload) != `{"a":1}` {
		t.Errorf("expected stored payload to be unchanged, got %s", events[0].Payload)
	}
}

func TestMemoryStorageClosed(t *testing.T) {
	s := storage.NewMemoryStorage()
	if err := s.Close(); err != nil {
		t.Fatalf("failed to close storage: %v", err)
	}

	_, err := s.GetSession(context.Background(), "s1")
	if !errors.Is(err, storage.ErrIO) {
		t.Errorf("expected ErrIO after close, got %v", err)
	}
}
