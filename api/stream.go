package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

const (
	streamHeartbeat  = 25 * time.Second
	subscriberBuffer = 8
)

// updateBroker fans board revisions out to stream subscribers of this
// instance.
type updateBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan int64]struct{}
}

func newUpdateBroker() *updateBroker {
	return &updateBroker{subs: make(map[string]map[chan int64]struct{})}
}

func (b *updateBroker) subscribe(recordID string) (<-chan int64, func()) {
	ch := make(chan int64, subscriberBuffer)
	b.mu.Lock()
	if b.subs[recordID] == nil {
		b.subs[recordID] = make(map[chan int64]struct{})
	}
	b.subs[recordID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[recordID], ch)
			if len(b.subs[recordID]) == 0 {
				delete(b.subs, recordID)
			}
			b.mu.Unlock()
		})
	}
}

// notify never blocks; a subscriber that is behind only needs the latest
// revision, which it reads from the session when it catches up.
func (b *updateBroker) notify(recordID string, revision int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[recordID] {
		select {
		case ch <- revision:
		default:
		}
	}
}

// RedisUpdates publishes board-saved notifications on a Redis channel and
// applies the ones published by other instances.
type RedisUpdates struct {
	client  *redis.Client
	channel string
}

// NewRedisUpdates creates a publisher/listener on the given channel.
func NewRedisUpdates(client *redis.Client, channel string) *RedisUpdates {
	return &RedisUpdates{client: client, channel: channel}
}

// Publish announces a saved board revision.
func (r *RedisUpdates) Publish(ctx context.Context, ev domain.BoardSaved) error {
	payload, err := sonic.MarshalString(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Listen drops sessions made stale by writes elsewhere and wakes local
// stream subscribers until ctx is cancelled.
func (r *RedisUpdates) Listen(ctx context.Context, boards *Boards, logger *log.Logger) {
	for {
		r.listenOnce(ctx, boards, logger)
		if ctx.Err() != nil {
			return
		}
		logger.Error("board updates channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *RedisUpdates) listenOnce(ctx context.Context, boards *Boards, logger *log.Logger) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev domain.BoardSaved
			if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil || ev.RecordID == "" {
				logger.WithField("payload", msg.Payload).Warn("ignoring malformed board update")
				continue
			}
			boards.Invalidate(ev.RecordID, ev.Revision)
		}
	}
}

func streamBoard(boards *Boards, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		recordID := c.Param("recordId")
		ctx := c.Request().Context()

		updates, cancel := boards.Subscribe(recordID)
		defer cancel()

		view, err := boards.Get(ctx, recordID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)

		if err := writeFrame(c, flusher, view); err != nil {
			return nil
		}
		sent := view.Revision

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-heartbeat.C:
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case rev := <-updates:
				if rev <= sent {
					continue
				}
				view, err := boards.Get(ctx, recordID)
				if err != nil {
					logger.WithField("record_id", recordID).WithError(err).Warn("stream refresh failed")
					continue
				}
				if view.Revision <= sent {
					continue
				}
				if err := writeFrame(c, flusher, view); err != nil {
					return nil
				}
				sent = view.Revision
			}
		}
	}
}

func writeFrame(c echo.Context, flusher http.Flusher, view BoardView) error {
	data, err := sonic.Marshal(view)
	if err != nil {
		return err
	}
	w := c.Response()
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
