package api

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

var (
	lastRevision int64
)

// nextRevision returns a process-wide increasing stamp that is also greater
// than after, which is the revision the board currently carries.
func nextRevision(after int64) int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastRevision)
		if now <= last {
			now = last + 1
		}
		if now <= after {
			now = after + 1
		}
		if atomic.CompareAndSwapInt64(&lastRevision, last, now) {
			return now
		}
	}
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
