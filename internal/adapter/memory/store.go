package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"focus-sync/internal/domain"
)

// Store implements ports.Store in process memory. It backs the CLI when no
// MySQL DSN is configured and the unit tests.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]domain.Task
	sessions map[string]domain.Session
	ops      map[string]domain.SyncOperation
	seq      int64
	cursor   *domain.SyncCursor
}

func NewStore() *Store {
	return &Store{
		tasks:    make(map[string]domain.Task),
		sessions: make(map[string]domain.Session),
		ops:      make(map[string]domain.SyncOperation),
	}
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	t.TagIDs = append([]string(nil), t.TagIDs...)
	return t, nil
}

func (s *Store) PutTask(ctx context.Context, t domain.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.TagIDs = append([]string(nil), t.TagIDs...)
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return sess, nil
}

func (s *Store) PutSession(ctx context.Context, sess domain.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *Store) ListSessionsByTask(ctx context.Context, taskID string) ([]domain.Session, error) {
	return s.filterSessions(func(sess domain.Session) bool { return sess.TaskID == taskID }), nil
}

func (s *Store) ListSessionsPlannedBetween(ctx context.Context, r domain.TimeRange) ([]domain.Session, error) {
	return s.filterSessions(func(sess domain.Session) bool {
		return !sess.PlannedStart.Before(r.From) && sess.PlannedStart.Before(r.To)
	}), nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]domain.Session, error) {
	return s.filterSessions(func(sess domain.Session) bool { return sess.IsActive }), nil
}

func (s *Store) FindSessionByEventID(ctx context.Context, eventID string) (domain.Session, error) {
	if eventID != "" {
		matches := s.filterSessions(func(sess domain.Session) bool {
			return sess.OwnedEventID == eventID || sess.ImportedEventID == eventID
		})
		if len(matches) > 0 {
			return matches[0], nil
		}
	}
	return domain.Session{}, fmt.Errorf("session for event %s: %w", eventID, domain.ErrNotFound)
}

func (s *Store) filterSessions(keep func(domain.Session) bool) []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PlannedStart.Equal(out[j].PlannedStart) {
			return out[i].PlannedStart.Before(out[j].PlannedStart)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) AppendOperation(ctx context.Context, op domain.SyncOperation) (domain.SyncOperation, error) {
	if op.ID == "" {
		return op, fmt.Errorf("operation: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	op.Seq = s.seq
	s.ops[op.ID] = op
	return op, nil
}

func (s *Store) GetOperation(ctx context.Context, id string) (domain.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return domain.SyncOperation{}, fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	return op, nil
}

func (s *Store) PutOperation(ctx context.Context, op domain.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; !ok {
		return fmt.Errorf("operation %s: %w", op.ID, domain.ErrNotFound)
	}
	s.ops[op.ID] = op
	return nil
}

func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, id)
	return nil
}

func (s *Store) ListOperations(ctx context.Context) ([]domain.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SyncOperation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) GetCursor(ctx context.Context) (domain.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cursor == nil {
		return domain.SyncCursor{}, fmt.Errorf("cursor: %w", domain.ErrNotFound)
	}
	return *s.cursor, nil
}

func (s *Store) PutCursor(ctx context.Context, c domain.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = &c
	return nil
}

func (s *Store) ClearCursor(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = nil
	return nil
}
