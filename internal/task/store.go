package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrTaskNotFound = fmt.Errorf("task not found")
	ErrTaskTerminal = fmt.Errorf("task already in a terminal state")
)

// CommitListener receives every committed view, in per-task commit order.
// It must not block: the store invokes it while holding the record lock.
type CommitListener func(View)

// Store is the process-lifetime home of all task records. Mutation passes
// through Update, which serializes per record and hands each committed view
// to the listener; reads return whole-record snapshots.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*entry
	order    []string // insertion order, for List
	onCommit CommitListener
	logger   *zap.Logger
}

type entry struct {
	mu  sync.Mutex
	rec *Record
}

// NewStore creates an empty task store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		records: make(map[string]*entry),
		logger:  logger,
	}
}

// OnCommit registers the commit listener. Set once, before tasks flow.
func (s *Store) OnCommit(fn CommitListener) {
	s.onCommit = fn
}

// CreateParams carries the submission data for a new record.
type CreateParams struct {
	ID           string // allocated when empty
	Instructions string
	Document     Document
	Steps        []string
}

// Create inserts a Pending record and publishes its initial view.
func (s *Store) Create(p CreateParams) View {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now()
	rec := &Record{
		ID:           p.ID,
		Status:       StatusPending,
		Steps:        append([]string(nil), p.Steps...),
		Instructions: p.Instructions,
		Document:     p.Document,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	rec.AddLog("", LevelInfo, fmt.Sprintf("task created for document %q", p.Document.Name))

	e := &entry{rec: rec}
	e.mu.Lock()

	s.mu.Lock()
	s.records[rec.ID] = e
	s.order = append(s.order, rec.ID)
	s.mu.Unlock()

	v := snapshot(rec)
	if s.onCommit != nil {
		s.onCommit(v)
	}
	e.mu.Unlock()

	s.logger.Info("task created",
		zap.String("task", rec.ID),
		zap.String("document", rec.Document.Name))
	return v
}

// Get returns a consistent snapshot of the record.
func (s *Store) Get(id string) (View, error) {
	s.mu.RLock()
	e, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return View{}, ErrTaskNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.rec), nil
}

// List returns snapshots of all records, newest first.
func (s *Store) List() []View {
	s.mu.RLock()
	ids := append([]string(nil), s.order...)
	s.mu.RUnlock()

	views := make([]View, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if v, err := s.Get(ids[i]); err == nil {
			views = append(views, v)
		}
	}
	return views
}

// Update applies a serialized mutation to the record. A mutator error aborts
// the commit and is returned unchanged; on success the committed view is
// published to the listener before the record lock is released, so listeners
// observe views in exactly commit order.
func (s *Store) Update(id string, mutate func(*Record) error) (View, error) {
	s.mu.RLock()
	e, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return View{}, ErrTaskNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := mutate(e.rec); err != nil {
		return snapshot(e.rec), err
	}
	e.rec.UpdatedAt = time.Now()

	v := snapshot(e.rec)
	if s.onCommit != nil {
		s.onCommit(v)
	}
	return v, nil
}
