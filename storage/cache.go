package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"board-api/domain"
)

type backend interface {
	LoadBoard(ctx context.Context, recordID string) (domain.BoardRecord, error)
	SaveBoard(ctx context.Context, rec domain.BoardRecord) error
}

// Cache wraps a backend with a Redis read cache. Redis failures never fail a
// call; reads fall back to the backend and writes are best effort.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

type cachedBoard struct {
	Payload  string `json:"payload"`
	Revision int64  `json:"revision"`
}

func (c *Cache) LoadBoard(ctx context.Context, recordID string) (domain.BoardRecord, error) {
	if rec, ok := c.loadFromCache(ctx, recordID); ok {
		return rec, nil
	}

	rec, err := c.base.LoadBoard(ctx, recordID)
	if err != nil {
		return domain.BoardRecord{}, err
	}

	c.store(ctx, rec)
	return rec, nil
}

// SaveBoard writes through to the backend and refreshes the cached copy
// unless the cache already holds a newer revision.
func (c *Cache) SaveBoard(ctx context.Context, rec domain.BoardRecord) error {
	if err := c.base.SaveBoard(ctx, rec); err != nil {
		c.evict(ctx, rec.RecordID)
		return err
	}
	if cur, ok := c.loadFromCache(ctx, rec.RecordID); ok && cur.Revision > rec.Revision {
		return nil
	}
	c.store(ctx, rec)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context, recordID string) (domain.BoardRecord, bool) {
	if c.redis == nil {
		return domain.BoardRecord{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(recordID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(recordID)).Err()
		}
		return domain.BoardRecord{}, false
	}
	var cached cachedBoard
	if err := sonic.Unmarshal(data, &cached); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(recordID)).Err()
		return domain.BoardRecord{}, false
	}
	rec := domain.BoardRecord{RecordID: recordID, Revision: cached.Revision}
	if cached.Payload != "" {
		rec.Payload = []byte(cached.Payload)
	}
	return rec, true
}

func (c *Cache) store(ctx context.Context, rec domain.BoardRecord) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(cachedBoard{Payload: string(rec.Payload), Revision: rec.Revision})
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(rec.RecordID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, recordID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, boardCacheKey(recordID)).Err()
}

func boardCacheKey(recordID string) string {
	return "board:" + recordID
}
