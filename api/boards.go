package api

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

const publishTimeout = 5 * time.Second

// DragPhase is one signal of a drag gesture.
type DragPhase string

const (
	PhaseStart  DragPhase = "start"
	PhaseOver   DragPhase = "over"
	PhaseEnd    DragPhase = "end"
	PhaseCancel DragPhase = "cancel"
)

// DragSignal is a drag event received from a client.
type DragSignal struct {
	Phase  DragPhase
	Active domain.Entity
	Over   *domain.Entity
}

// BoardView is the canonical board of a record as served to clients.
type BoardView struct {
	RecordID string          `json:"recordId"`
	Revision int64           `json:"revision"`
	Columns  []domain.Column `json:"columns"`
	Tasks    []domain.Task   `json:"tasks"`
}

// DragOutcome reports the board after a drag signal.
type DragOutcome struct {
	Board   BoardView `json:"board"`
	Applied bool      `json:"applied"`
	State   string    `json:"state"`
}

// BoardsConfig sizes the session cache and the persistence pool.
type BoardsConfig struct {
	Sessions int
	Persist  PersistConfig
}

// BoardsConfigFromEnv reads BOARD_SESSIONS and the PERSIST_* variables.
func BoardsConfigFromEnv() BoardsConfig {
	return BoardsConfig{
		Sessions: envInt("BOARD_SESSIONS", 1024),
		Persist:  PersistConfigFromEnv(),
	}
}

type session struct {
	mu       sync.Mutex
	recordID string
	board    domain.Board
	revision int64
	drag     domain.DragMachine

	// Read by the eviction callback, which must not take mu. inflight counts
	// callers holding or waiting for mu; committed is the newest revision
	// handed to the persister and saved the newest one it confirmed.
	inflight  atomic.Int32
	committed atomic.Int64
	saved     atomic.Int64
	stale     atomic.Bool
}

func newSession(recordID string, board domain.Board, revision int64) *session {
	s := &session{recordID: recordID, board: board, revision: revision}
	s.committed.Store(revision)
	s.saved.Store(revision)
	return s
}

// busy reports whether dropping the session could lose a change.
func (s *session) busy() bool {
	return s.inflight.Load() > 0 || s.saved.Load() < s.committed.Load()
}

func (s *session) view() BoardView {
	b := s.board.Clone()
	return BoardView{RecordID: s.recordID, Revision: s.revision, Columns: b.Columns, Tasks: b.Tasks}
}

// Boards owns the in-memory board of every active record. Calls for one
// record are serialized on its session; changes are persisted in the
// background and announced to stream subscribers.
type Boards struct {
	store    Storage
	ids      domain.IDGenerator
	logger   *log.Logger
	notifier Notifier
	updates  *updateBroker

	// mu guards sessions and retired. retired holds sessions pushed out of
	// the cache while busy; lookups resume them before reading the store.
	mu       sync.Mutex
	sessions *lru.Cache[string, *session]
	retired  map[string]*session
	persist  *persister
}

// NewBoards creates the board service. notifier may be nil and ids defaults
// to random UUIDs.
func NewBoards(store Storage, ids domain.IDGenerator, notifier Notifier, logger *log.Logger, cfg BoardsConfig) (*Boards, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if ids == nil {
		ids = domain.UUIDGenerator{}
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1024
	}
	b := &Boards{
		store:    store,
		ids:      ids,
		logger:   logger,
		notifier: notifier,
		updates:  newUpdateBroker(),
		retired:  make(map[string]*session),
	}
	sessions, err := lru.NewWithEvict[string, *session](cfg.Sessions, b.evicted)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	b.sessions = sessions
	b.persist = newPersister(store, logger, cfg.Persist, b.published)
	return b, nil
}

// Close flushes pending writes.
func (b *Boards) Close() {
	b.persist.close()
}

func (b *Boards) published(rec domain.BoardRecord) {
	b.markSaved(rec)
	if b.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	ev := domain.BoardSaved{RecordID: rec.RecordID, Revision: rec.Revision, Type: domain.BoardSavedType}
	if err := b.notifier.Publish(ctx, ev); err != nil {
		b.logger.WithFields(log.Fields{
			"record_id": rec.RecordID,
			"revision":  rec.Revision,
		}).WithError(err).Warn("board update publish failed")
	}
}

// evicted runs under b.mu from every cache removal.
func (b *Boards) evicted(recordID string, s *session) {
	if !s.stale.Load() && s.busy() {
		b.retired[recordID] = s
	}
}

// settleLocked forgets a retired session once it is idle and saved.
func (b *Boards) settleLocked(s *session) {
	if b.retired[s.recordID] == s && !s.busy() {
		delete(b.retired, s.recordID)
	}
}

func (b *Boards) markSaved(rec domain.BoardRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions.Peek(rec.RecordID)
	if !ok {
		if s, ok = b.retired[rec.RecordID]; !ok {
			return
		}
	}
	for {
		cur := s.saved.Load()
		if cur >= rec.Revision || s.saved.CompareAndSwap(cur, rec.Revision) {
			break
		}
	}
	b.settleLocked(s)
}

func (b *Boards) lookupLocked(recordID string) (*session, bool) {
	if s, ok := b.sessions.Get(recordID); ok {
		return s, true
	}
	s, ok := b.retired[recordID]
	if !ok {
		return nil, false
	}
	delete(b.retired, recordID)
	b.sessions.Add(recordID, s)
	return s, true
}

func (b *Boards) session(ctx context.Context, recordID string) (*session, error) {
	b.mu.Lock()
	s, ok := b.lookupLocked(recordID)
	b.mu.Unlock()
	if ok {
		return s, nil
	}
	for {
		rec, err := b.store.LoadBoard(ctx, recordID)
		if err != nil {
			return nil, fmt.Errorf("load board %s: %w", recordID, err)
		}
		n := domain.Normalize(rec.Payload)

		b.mu.Lock()
		if s, ok := b.lookupLocked(recordID); ok {
			b.mu.Unlock()
			return s, nil
		}
		// A save of this instance landed after the read.
		if saved, known := b.persist.savedRevision(recordID); known && saved > rec.Revision {
			b.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		s := newSession(recordID, n.Board, rec.Revision)
		b.sessions.Add(recordID, s)
		b.mu.Unlock()

		if n.Err != nil {
			b.logger.WithField("record_id", recordID).WithError(n.Err).Warn("stored board unusable; using default board")
		}
		return s, nil
	}
}

// acquire returns the record's current session with its lock held. Callers
// must hand it back with release.
func (b *Boards) acquire(ctx context.Context, recordID string) (*session, error) {
	for {
		s, err := b.session(ctx, recordID)
		if err != nil {
			return nil, err
		}
		s.inflight.Add(1)
		s.mu.Lock()
		if !s.stale.Load() && b.current(s) {
			return s, nil
		}
		b.release(s)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (b *Boards) release(s *session) {
	s.mu.Unlock()
	s.inflight.Add(-1)
	b.mu.Lock()
	b.settleLocked(s)
	b.mu.Unlock()
}

func (b *Boards) current(s *session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.sessions.Peek(s.recordID); ok {
		return cur == s
	}
	return b.retired[s.recordID] == s
}

// mutate runs fn on the record's session and commits the board it returns
// when changed is true.
func (b *Boards) mutate(ctx context.Context, recordID string, fn func(s *session) (next domain.Board, changed bool, err error)) (BoardView, error) {
	s, err := b.acquire(ctx, recordID)
	if err != nil {
		return BoardView{}, err
	}
	defer b.release(s)
	next, changed, err := fn(s)
	if err != nil {
		return s.view(), err
	}
	if changed {
		b.commit(s, next)
	}
	return s.view(), nil
}

func (b *Boards) commit(s *session, next domain.Board) {
	s.board = next
	s.revision = nextRevision(s.revision)
	s.committed.Store(s.revision)
	logger := b.logger.WithFields(log.Fields{"record_id": s.recordID, "revision": s.revision})

	payload, err := sonic.Marshal(next)
	if err != nil {
		logger.WithError(err).Error("encode board failed")
	} else if err := b.persist.submit(domain.BoardRecord{RecordID: s.recordID, Payload: payload, Revision: s.revision}); err != nil {
		logger.WithError(err).Error("board save failed")
	}
	b.updates.notify(s.recordID, s.revision)
}

// Get returns the canonical board of a record.
func (b *Boards) Get(ctx context.Context, recordID string) (BoardView, error) {
	s, err := b.acquire(ctx, recordID)
	if err != nil {
		return BoardView{}, err
	}
	defer b.release(s)
	return s.view(), nil
}

// Import replaces the board with the normalized form of payload and abandons
// any drag gesture in progress.
func (b *Boards) Import(ctx context.Context, recordID string, payload []byte) (BoardView, domain.Normalized, error) {
	n := domain.Normalize(payload)
	if n.Err != nil {
		b.logger.WithField("record_id", recordID).WithError(n.Err).Warn("imported board unusable; using default board")
	}
	view, err := b.mutate(ctx, recordID, func(s *session) (domain.Board, bool, error) {
		s.drag.Cancel()
		return n.Board, true, nil
	})
	return view, n, err
}

// CreateColumn appends a new column.
func (b *Boards) CreateColumn(ctx context.Context, recordID string) (BoardView, domain.Column, error) {
	var col domain.Column
	view, err := b.mutate(ctx, recordID, func(s *session) (domain.Board, bool, error) {
		var next domain.Board
		next, col = s.board.CreateColumn(b.ids)
		return next, true, nil
	})
	return view, col, err
}

// RenameColumn sets the title of a column.
func (b *Boards) RenameColumn(ctx context.Context, recordID, columnID, title string) (BoardView, error) {
	return b.mutate(ctx, recordID, func(s *session) (domain.Board, bool, error) {
		next, err := s.board.RenameColumn(columnID, title)
		return next, err == nil, err
	})
}

// DeleteColumn removes a column with its tasks.
func (b *Boards) DeleteColumn(ctx context.Context, recordID, columnID string) (BoardView, error) {
	return b.mutate(ctx, recordID, func(s *session) (domain.Board, bool, error) {
		next, err := s.board.DeleteColumn(columnID)
		return next, err == nil, err
	})
}

// CreateTask appends a new task to a column.
func (b *Boards) CreateTask(ctx context.Context, recordID, columnID string) (BoardView, domain.Task, error) {
	var task domain.Task
	view, err := b.mutate(ctx, recordID, func(s *session) (domain.Board, bool, error) {
		next, t, err := s.board.CreateTask(b.ids, columnID)
		task = t
		return next, err == nil, err
	})
	return view, task, err
}

// UpdateTask sets the content of a task.
func (b *Boards) UpdateTask(ctx context.Context, recordID, taskID, content string) (BoardView, error) {
	return b.mutate(ctx, recordID, func(s *session) (domain.Board, bool, error) {
		next, err := s.board.UpdateTaskContent(taskID, content)
		return next, err == nil, err
	})
}

// DeleteTask removes a task.
func (b *Boards) DeleteTask(ctx context.Context, recordID, taskID string) (BoardView, error) {
	return b.mutate(ctx, recordID, func(s *session) (domain.Board, bool, error) {
		next, err := s.board.DeleteTask(taskID)
		return next, err == nil, err
	})
}

// Drag feeds a signal to the record's drag machine. Signals that do not apply
// leave the board and its revision unchanged.
func (b *Boards) Drag(ctx context.Context, recordID string, sig DragSignal) (DragOutcome, error) {
	var applied bool
	var state domain.DragState
	view, err := b.mutate(ctx, recordID, func(s *session) (domain.Board, bool, error) {
		defer func() { state = s.drag.State() }()
		var res domain.DragResult
		switch sig.Phase {
		case PhaseStart:
			s.drag.Start(sig.Active)
			return s.board, false, nil
		case PhaseOver:
			res = s.drag.Over(s.board, sig.Active, sig.Over)
		case PhaseEnd:
			res = s.drag.End(s.board, sig.Active, sig.Over)
		case PhaseCancel:
			s.drag.Cancel()
			return s.board, false, nil
		default:
			return s.board, false, fmt.Errorf("unknown drag phase %q", sig.Phase)
		}
		applied = res.Applied
		return res.Board, res.Applied, nil
	})
	return DragOutcome{Board: view, Applied: applied, State: state.String()}, err
}

// Subscribe returns a channel receiving the revisions of changes to a record
// and a function releasing it.
func (b *Boards) Subscribe(recordID string) (<-chan int64, func()) {
	return b.updates.subscribe(recordID)
}

// Invalidate handles a change saved elsewhere: a session holding an older
// revision is dropped so the next call reloads it, and stream subscribers
// are woken.
func (b *Boards) Invalidate(recordID string, revision int64) {
	b.mu.Lock()
	s, ok := b.sessions.Peek(recordID)
	if !ok {
		s, ok = b.retired[recordID]
	}
	b.mu.Unlock()
	if ok {
		s.mu.Lock()
		if s.revision < revision {
			s.stale.Store(true)
			b.mu.Lock()
			if cur, ok := b.sessions.Peek(recordID); ok && cur == s {
				b.sessions.Remove(recordID)
			}
			if b.retired[recordID] == s {
				delete(b.retired, recordID)
			}
			b.mu.Unlock()
		}
		s.mu.Unlock()
	}
	b.updates.notify(recordID, revision)
}
