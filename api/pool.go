package api

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

const savedRevisionsSize = 4096

// PersistConfig sizes the board persistence pool.
type PersistConfig struct {
	Workers        int
	Buffer         int
	SaveTimeout    time.Duration
	HandoffTimeout time.Duration
}

// PersistConfigFromEnv reads PERSIST_WORKERS, PERSIST_BUFFER, PERSIST_TIMEOUT
// and PERSIST_HANDOFF_TIMEOUT.
func PersistConfigFromEnv() PersistConfig {
	return PersistConfig{
		Workers:        envInt("PERSIST_WORKERS", 8),
		Buffer:         envInt("PERSIST_BUFFER", 256),
		SaveTimeout:    envDur("PERSIST_TIMEOUT", 30*time.Second),
		HandoffTimeout: envDur("PERSIST_HANDOFF_TIMEOUT", 15*time.Millisecond),
	}
}

type persistJob struct {
	rec domain.BoardRecord
}

type persistShard struct {
	jobs chan persistJob
	// mu serializes saves of the shard's records across the worker and
	// inline fallbacks.
	mu sync.Mutex
}

// persister writes board snapshots in the background. Jobs for one record
// always land on the same shard and a snapshot older than the last one saved
// for its record is dropped.
type persister struct {
	store     Storage
	logger    *log.Logger
	cfg       PersistConfig
	lastSaved *lru.Cache[string, int64]
	onSaved   func(domain.BoardRecord)

	mu     sync.RWMutex
	shards []*persistShard
	closed bool
	wg     sync.WaitGroup
}

// onSaved, when set, runs after every successful save.
func newPersister(store Storage, logger *log.Logger, cfg PersistConfig, onSaved func(domain.BoardRecord)) *persister {
	if store == nil {
		panic("storage is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 30 * time.Second
	}
	lastSaved, err := lru.New[string, int64](savedRevisionsSize)
	if err != nil {
		panic(err)
	}
	p := &persister{store: store, logger: logger, cfg: cfg, lastSaved: lastSaved, onSaved: onSaved}
	p.shards = make([]*persistShard, cfg.Workers)
	for i := range p.shards {
		p.shards[i] = &persistShard{jobs: make(chan persistJob, cfg.Buffer)}
		p.wg.Add(1)
		go p.worker(i, p.shards[i])
	}
	logger.Infof("board persister started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.SaveTimeout, cfg.HandoffTimeout)
	return p
}

func (p *persister) worker(id int, shard *persistShard) {
	defer p.wg.Done()
	for j := range shard.jobs {
		if err := p.save(shard, j); err != nil {
			p.logger.WithFields(log.Fields{
				"record_id": j.rec.RecordID,
				"revision":  j.rec.Revision,
				"worker":    id,
			}).WithError(err).Error("board save failed")
		}
	}
}

func (p *persister) save(shard *persistShard, j persistJob) error {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if last, ok := p.lastSaved.Get(j.rec.RecordID); ok && last >= j.rec.Revision {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SaveTimeout)
	defer cancel()
	if err := p.store.SaveBoard(ctx, j.rec); err != nil {
		return err
	}
	p.lastSaved.Add(j.rec.RecordID, j.rec.Revision)
	if p.onSaved != nil {
		p.onSaved(j.rec)
	}
	return nil
}

// submit hands the snapshot to its worker, waiting at most the handoff
// timeout, and saves inline when the worker is saturated or stopped.
func (p *persister) submit(rec domain.BoardRecord) error {
	job := persistJob{rec: rec}
	shard := p.shardFor(rec.RecordID)
	if p.tryEnqueueJob(shard, job) {
		return nil
	}
	p.logger.WithField("record_id", rec.RecordID).Warn("persist buffer saturated; saving inline")
	return p.save(shard, job)
}

// savedRevision reports the newest revision saved for a record, if known.
func (p *persister) savedRevision(recordID string) (int64, bool) {
	return p.lastSaved.Peek(recordID)
}

func (p *persister) shardFor(recordID string) *persistShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(recordID))
	return p.shards[int(h.Sum32()%uint32(len(p.shards)))]
}

func (p *persister) tryEnqueueJob(shard *persistShard, job persistJob) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case shard.jobs <- job:
		return true
	default:
	}

	if p.cfg.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(p.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case shard.jobs <- job:
		return true
	case <-timer.C:
		return false
	}
}

// close drains queued snapshots and stops the workers.
func (p *persister) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, shard := range p.shards {
		close(shard.jobs)
	}
	p.wg.Wait()
}
