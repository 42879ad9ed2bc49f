package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"board-api/domain"
)

type stubBackend struct {
	loadFn func(ctx context.Context, recordID string) (domain.BoardRecord, error)
	saveFn func(ctx context.Context, rec domain.BoardRecord) error
}

func (s *stubBackend) LoadBoard(ctx context.Context, recordID string) (domain.BoardRecord, error) {
	if s.loadFn == nil {
		return domain.BoardRecord{}, errors.New("unexpected LoadBoard call")
	}
	return s.loadFn(ctx, recordID)
}

func (s *stubBackend) SaveBoard(ctx context.Context, rec domain.BoardRecord) error {
	if s.saveFn == nil {
		return errors.New("unexpected SaveBoard call")
	}
	return s.saveFn(ctx, rec)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheLoadBoardMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	expected := domain.BoardRecord{RecordID: "rec-1", Payload: []byte(`{"columns":[]}`), Revision: 7}

	var calls int
	cache := NewCache(&stubBackend{
		loadFn: func(ctx context.Context, recordID string) (domain.BoardRecord, error) {
			calls++
			if recordID != "rec-1" {
				t.Fatalf("unexpected record id: %s", recordID)
			}
			return expected, nil
		},
	}, client, time.Minute)

	for i := 0; i < 2; i++ {
		rec, err := cache.LoadBoard(ctx, "rec-1")
		if err != nil {
			t.Fatalf("load board: %v", err)
		}
		if diff := cmp.Diff(expected, rec); diff != "" {
			t.Fatalf("unexpected record (-want +got):\n%s", diff)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 call to backend, got %d", calls)
	}
	if ttl := mr.TTL(boardCacheKey("rec-1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
}

func TestCacheLoadBoardCachesAbsentPayload(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	var calls int
	cache := NewCache(&stubBackend{
		loadFn: func(ctx context.Context, recordID string) (domain.BoardRecord, error) {
			calls++
			return domain.BoardRecord{RecordID: recordID}, nil
		},
	}, client, time.Minute)

	for i := 0; i < 2; i++ {
		rec, err := cache.LoadBoard(ctx, "empty")
		if err != nil {
			t.Fatalf("load board: %v", err)
		}
		if rec.Payload != nil {
			t.Fatalf("expected nil payload, got %q", rec.Payload)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 call to backend, got %d", calls)
	}
}

func TestCacheLoadBoardCorruptEntryFallsBack(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	if err := mr.Set(boardCacheKey("rec-1"), "{not json"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	cache := NewCache(&stubBackend{
		loadFn: func(ctx context.Context, recordID string) (domain.BoardRecord, error) {
			return domain.BoardRecord{RecordID: recordID, Payload: []byte("x"), Revision: 1}, nil
		},
	}, client, time.Minute)

	rec, err := cache.LoadBoard(ctx, "rec-1")
	if err != nil {
		t.Fatalf("load board: %v", err)
	}
	if string(rec.Payload) != "x" {
		t.Fatalf("expected backend payload, got %q", rec.Payload)
	}
}

func TestCacheLoadBoardPropagatesBackendError(t *testing.T) {
	_, client := newTestRedis(t)
	boom := errors.New("boom")
	cache := NewCache(&stubBackend{
		loadFn: func(ctx context.Context, recordID string) (domain.BoardRecord, error) {
			return domain.BoardRecord{}, boom
		},
	}, client, time.Minute)

	if _, err := cache.LoadBoard(context.Background(), "rec-1"); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestCacheSaveBoardWritesThrough(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	var saved []domain.BoardRecord
	cache := NewCache(&stubBackend{
		saveFn: func(ctx context.Context, rec domain.BoardRecord) error {
			saved = append(saved, rec)
			return nil
		},
	}, client, time.Minute)

	newer := domain.BoardRecord{RecordID: "rec-1", Payload: []byte("new"), Revision: 10}
	older := domain.BoardRecord{RecordID: "rec-1", Payload: []byte("old"), Revision: 5}
	if err := cache.SaveBoard(ctx, newer); err != nil {
		t.Fatalf("save newer: %v", err)
	}
	if err := cache.SaveBoard(ctx, older); err != nil {
		t.Fatalf("save older: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("expected both writes to reach the backend, got %d", len(saved))
	}

	rec, ok := cache.loadFromCache(ctx, "rec-1")
	if !ok {
		t.Fatalf("expected cached record")
	}
	if rec.Revision != 10 || string(rec.Payload) != "new" {
		t.Fatalf("expected newest revision to stay cached, got %d %q", rec.Revision, rec.Payload)
	}
}

func TestCacheSaveBoardFailureEvicts(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	boom := errors.New("boom")
	cache := NewCache(&stubBackend{
		saveFn: func(ctx context.Context, rec domain.BoardRecord) error { return boom },
	}, client, time.Minute)
	cache.store(ctx, domain.BoardRecord{RecordID: "rec-1", Payload: []byte("cached"), Revision: 1})

	if err := cache.SaveBoard(ctx, domain.BoardRecord{RecordID: "rec-1", Revision: 2}); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if mr.Exists(boardCacheKey("rec-1")) {
		t.Fatalf("expected cache entry to be evicted")
	}
}

func TestCacheWithoutRedisDelegates(t *testing.T) {
	var calls int
	cache := NewCache(&stubBackend{
		loadFn: func(ctx context.Context, recordID string) (domain.BoardRecord, error) {
			calls++
			return domain.BoardRecord{RecordID: recordID}, nil
		},
	}, nil, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := cache.LoadBoard(context.Background(), "rec-1"); err != nil {
			t.Fatalf("load board: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected every load to hit the backend, got %d", calls)
	}
}
