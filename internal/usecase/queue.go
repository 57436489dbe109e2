package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"focus-sync/internal/domain"
	"focus-sync/internal/lock"
	"focus-sync/internal/ports"
)

// Enqueuer accepts outbound calendar operations.
type Enqueuer interface {
	Enqueue(ctx context.Context, op domain.SyncOperation) error
}

// PushResult counts what one queue pass did.
type PushResult struct {
	Creates   int
	Updates   int
	Deletes   int
	Unlinked  int // update/delete found the remote event already gone
	Dropped   int // nothing left to do remotely
	Retried   int
	Failed    int // at the retry ceiling, kept but inert
	Remaining int
}

// QueueConfig holds the dependencies of NewQueue.
type QueueConfig struct {
	Log        *slog.Logger
	Operations ports.OperationRepository
	Sessions   ports.SessionRepository
	Gateway    ports.CalendarGateway
	Locks      *lock.Keyed
	Policy     *PolicySource
	Clock      ports.Clock
}

// Queue is the persisted FIFO of pending calendar operations.
type Queue struct {
	log      *slog.Logger
	ops      ports.OperationRepository
	sessions ports.SessionRepository
	gateway  ports.CalendarGateway
	locks    *lock.Keyed
	policy   *PolicySource
	now      ports.Clock

	online atomic.Bool
	group  singleflight.Group
	kick   chan struct{}

	// mu guards inflight and the coalescing read-modify-write in Enqueue.
	mu       sync.Mutex
	inflight string
}

func NewQueue(cfg QueueConfig) *Queue {
	q := &Queue{
		log:      cfg.Log,
		ops:      cfg.Operations,
		sessions: cfg.Sessions,
		gateway:  cfg.Gateway,
		locks:    cfg.Locks,
		policy:   cfg.Policy,
		now:      cfg.Clock,
		kick:     make(chan struct{}, 1),
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	if q.locks == nil {
		q.locks = lock.NewKeyed()
	}
	if q.policy == nil {
		q.policy = NewPolicySource(domain.DefaultPolicy())
	}
	if q.now == nil {
		q.now = time.Now
	}
	q.online.Store(true)
	return q
}

// Enqueue persists op and kicks background processing when online.
//
// An update for a session whose create has not gone out yet is folded into
// that create; a delete for such a session cancels the create instead of
// being queued.
func (q *Queue) Enqueue(ctx context.Context, op domain.SyncOperation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.now().UTC()
	}

	q.mu.Lock()
	queued, err := q.coalesceLocked(ctx, op)
	if err == nil && !queued {
		_, err = q.ops.AppendOperation(ctx, op)
	}
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("enqueue %s for session %s: %w", op.Kind, op.SessionID, err)
	}

	q.log.Debug("operation enqueued",
		slog.String("kind", string(op.Kind)),
		slog.String("session", op.SessionID),
		slog.Bool("coalesced", queued),
	)
	if q.online.Load() {
		q.Kick()
	}
	return nil
}

func (q *Queue) coalesceLocked(ctx context.Context, op domain.SyncOperation) (bool, error) {
	if op.SessionID == "" || op.Kind == domain.OpCreate {
		return false, nil
	}
	if op.Kind == domain.OpUpdate && op.EventID != "" {
		return false, nil
	}
	pending, err := q.ops.ListOperations(ctx)
	if err != nil {
		return false, err
	}
	var create *domain.SyncOperation
	for i := range pending {
		p := pending[i]
		if p.SessionID == op.SessionID && p.Kind == domain.OpCreate && p.ID != q.inflight {
			create = &p
			break
		}
	}
	if create == nil {
		return false, nil
	}

	switch op.Kind {
	case domain.OpUpdate:
		create.Payload = op.Payload
		return true, q.ops.PutOperation(ctx, *create)
	case domain.OpDelete:
		if op.EventID != "" {
			return false, nil
		}
		for _, p := range pending {
			if p.SessionID == op.SessionID && p.ID != q.inflight && p.Kind != domain.OpDelete {
				if err := q.ops.DeleteOperation(ctx, p.ID); err != nil {
					return false, err
				}
			}
		}
		return true, nil
	}
	return false, nil
}

// SetOnline records connectivity; regaining it kicks processing.
func (q *Queue) SetOnline(online bool) {
	was := q.online.Swap(online)
	if online && !was {
		q.log.Info("connectivity regained, resuming queue")
		q.Kick()
	}
}

func (q *Queue) Online() bool { return q.online.Load() }

// Kick asks the background worker for a pass. Never blocks.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run processes the queue whenever it is kicked until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
			if _, err := q.Process(ctx); err != nil && !errors.Is(err, domain.ErrOffline) {
				q.log.Error("queue pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Process drains the queue once. Concurrent callers share the in-flight pass.
func (q *Queue) Process(ctx context.Context) (PushResult, error) {
	v, err, shared := q.group.Do("process", func() (any, error) {
		return q.process(ctx)
	})
	if shared {
		q.log.Debug("joined in-flight queue pass")
	}
	res, _ := v.(PushResult)
	return res, err
}

func (q *Queue) process(ctx context.Context) (PushResult, error) {
	var res PushResult
	if !q.online.Load() {
		return res, domain.ErrOffline
	}
	pending, err := q.ops.ListOperations(ctx)
	if err != nil {
		return res, fmt.Errorf("list operations: %w", err)
	}
	maxRetries := q.policy.Get().MaxRetries

	for _, snapshot := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if snapshot.Exhausted(maxRetries) {
			res.Failed++
			continue
		}

		q.setInflight(snapshot.ID)
		op, err := q.ops.GetOperation(ctx, snapshot.ID)
		if errors.Is(err, domain.ErrNotFound) {
			q.setInflight("")
			continue
		}
		if err != nil {
			q.setInflight("")
			return res, fmt.Errorf("load operation %s: %w", snapshot.ID, err)
		}
		outcome, err := q.dispatch(ctx, op)
		q.setInflight("")

		if err == nil {
			if derr := q.ops.DeleteOperation(ctx, op.ID); derr != nil {
				return res, fmt.Errorf("delete operation %s: %w", op.ID, derr)
			}
			res.count(op.Kind, outcome)
			continue
		}
		if errors.Is(err, domain.ErrAuthExpired) {
			q.log.Warn("calendar authorization expired, pausing queue", slog.String("op", op.ID))
			return res, err
		}

		op.Retries++
		op.LastError = err.Error()
		if perr := q.ops.PutOperation(ctx, op); perr != nil {
			return res, fmt.Errorf("persist retry of %s: %w", op.ID, perr)
		}
		if op.Exhausted(maxRetries) {
			res.Failed++
			q.log.Error("operation failed permanently",
				slog.String("op", op.ID),
				slog.String("kind", string(op.Kind)),
				slog.String("error", fmt.Errorf("%w: %v", domain.ErrMaxRetriesExceeded, err).Error()),
			)
		} else {
			res.Retried++
			q.log.Warn("operation failed, will retry",
				slog.String("op", op.ID),
				slog.Int("retries", op.Retries),
				slog.String("error", err.Error()),
			)
		}
	}

	left, err := q.ops.ListOperations(ctx)
	if err != nil {
		return res, fmt.Errorf("list operations: %w", err)
	}
	res.Remaining = len(left)
	return res, nil
}

func (q *Queue) setInflight(id string) {
	q.mu.Lock()
	q.inflight = id
	q.mu.Unlock()
}

type dispatchOutcome int

const (
	applied dispatchOutcome = iota
	alreadyGone
	dropped
)

func (r *PushResult) count(kind domain.OperationKind, o dispatchOutcome) {
	switch o {
	case alreadyGone:
		r.Unlinked++
		return
	case dropped:
		r.Dropped++
		return
	}
	switch kind {
	case domain.OpCreate:
		r.Creates++
	case domain.OpUpdate:
		r.Updates++
	case domain.OpDelete:
		r.Deletes++
	}
}

func (q *Queue) dispatch(ctx context.Context, op domain.SyncOperation) (dispatchOutcome, error) {
	switch op.Kind {
	case domain.OpCreate:
		return q.dispatchCreate(ctx, op)
	case domain.OpUpdate:
		return q.dispatchUpdate(ctx, op)
	case domain.OpDelete:
		return q.dispatchDelete(ctx, op)
	default:
		return dropped, nil
	}
}

func (q *Queue) dispatchCreate(ctx context.Context, op domain.SyncOperation) (dispatchOutcome, error) {
	sess, err := q.sessions.GetSession(ctx, op.SessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return dropped, nil
	}
	if err != nil {
		return applied, err
	}
	if sess.IsDiscarded || sess.ImportedEventID != "" {
		return dropped, nil
	}
	if sess.OwnedEventID != "" {
		// Already created by an earlier pass; treat as an update.
		op.EventID = sess.OwnedEventID
		return q.dispatchUpdate(ctx, op)
	}

	id, err := q.gateway.CreateEvent(ctx, domain.EventInput{
		Title: op.Payload.Title,
		Start: op.Payload.Start,
		End:   op.Payload.End,
		Color: op.Payload.Color,
		Link:  domain.LinkMetadata{TaskID: op.TaskID, SessionID: op.SessionID},
	})
	if err != nil {
		return applied, err
	}

	var orphan bool
	err = q.locks.With(op.SessionID, func() error {
		cur, err := q.sessions.GetSession(ctx, op.SessionID)
		if errors.Is(err, domain.ErrNotFound) {
			orphan = true
			return nil
		}
		if err != nil {
			return err
		}
		if cur.IsDiscarded || cur.ImportedEventID != "" {
			orphan = true
			return nil
		}
		if err := cur.LinkOwned(id, op.Payload.Start, op.Payload.End); err != nil {
			return err
		}
		return q.sessions.PutSession(ctx, cur)
	})
	if err != nil {
		// The event exists remotely; reconciliation relinks it via its metadata.
		q.log.Error("write back created event id", slog.String("session", op.SessionID), slog.String("event", id), slog.String("error", err.Error()))
		return applied, nil
	}
	if orphan {
		q.log.Info("session gone after create, deleting event", slog.String("session", op.SessionID), slog.String("event", id))
		if err := q.Enqueue(ctx, domain.SyncOperation{Kind: domain.OpDelete, TaskID: op.TaskID, SessionID: op.SessionID, EventID: id}); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (q *Queue) dispatchUpdate(ctx context.Context, op domain.SyncOperation) (dispatchOutcome, error) {
	eventID := op.EventID
	if eventID == "" {
		sess, err := q.sessions.GetSession(ctx, op.SessionID)
		if errors.Is(err, domain.ErrNotFound) {
			return dropped, nil
		}
		if err != nil {
			return applied, err
		}
		eventID = sess.OwnedEventID
	}
	if eventID == "" {
		pending, err := q.hasPendingCreate(ctx, op.SessionID, op.ID)
		if err != nil {
			return applied, err
		}
		if pending {
			return applied, fmt.Errorf("%w: create for session %s still pending", domain.ErrTransient, op.SessionID)
		}
		return dropped, nil
	}

	title, color := op.Payload.Title, op.Payload.Color
	start, end := op.Payload.Start, op.Payload.End
	err := q.gateway.UpdateEvent(ctx, eventID, domain.EventPatch{Title: &title, Start: &start, End: &end, Color: &color})
	if errors.Is(err, domain.ErrRemoteNotFound) {
		return alreadyGone, q.clearOwned(ctx, op.SessionID, eventID)
	}
	if err != nil {
		return applied, err
	}
	return applied, q.withSession(ctx, op.SessionID, func(s *domain.Session) bool {
		if s.OwnedEventID != eventID {
			return false
		}
		s.MarkPushed(start, end)
		return true
	})
}

func (q *Queue) dispatchDelete(ctx context.Context, op domain.SyncOperation) (dispatchOutcome, error) {
	if op.EventID == "" {
		return dropped, nil
	}
	outcome := applied
	err := q.gateway.DeleteEvent(ctx, op.EventID)
	if errors.Is(err, domain.ErrRemoteNotFound) {
		outcome = alreadyGone
	} else if err != nil {
		return applied, err
	}
	return outcome, q.clearOwned(ctx, op.SessionID, op.EventID)
}

func (q *Queue) hasPendingCreate(ctx context.Context, sessionID, except string) (bool, error) {
	pending, err := q.ops.ListOperations(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range pending {
		if p.ID != except && p.SessionID == sessionID && p.Kind == domain.OpCreate {
			return true, nil
		}
	}
	return false, nil
}

func (q *Queue) clearOwned(ctx context.Context, sessionID, eventID string) error {
	return q.withSession(ctx, sessionID, func(s *domain.Session) bool {
		if s.OwnedEventID != eventID {
			return false
		}
		s.OwnedEventID = ""
		s.PushedStart = nil
		s.PushedEnd = nil
		return true
	})
}

// withSession applies fn under the session lock and saves when fn reports a
// change. A missing session is not an error.
func (q *Queue) withSession(ctx context.Context, sessionID string, fn func(*domain.Session) bool) error {
	if sessionID == "" {
		return nil
	}
	return q.locks.With(sessionID, func() error {
		s, err := q.sessions.GetSession(ctx, sessionID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(&s) {
			return nil
		}
		s.UpdatedAt = q.now().UTC()
		return q.sessions.PutSession(ctx, s)
	})
}

// Failed lists operations that reached the retry ceiling.
func (q *Queue) Failed(ctx context.Context) ([]domain.SyncOperation, error) {
	all, err := q.ops.ListOperations(ctx)
	if err != nil {
		return nil, err
	}
	maxRetries := q.policy.Get().MaxRetries
	var out []domain.SyncOperation
	for _, op := range all {
		if op.Exhausted(maxRetries) {
			out = append(out, op)
		}
	}
	return out, nil
}

// RetryFailed resets failed operations so the next pass tries them again.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	failed, err := q.Failed(ctx)
	if err != nil {
		return 0, err
	}
	for _, op := range failed {
		op.Retries = 0
		op.LastError = ""
		if err := q.ops.PutOperation(ctx, op); err != nil {
			return 0, fmt.Errorf("reset operation %s: %w", op.ID, err)
		}
	}
	if len(failed) > 0 && q.online.Load() {
		q.Kick()
	}
	return len(failed), nil
}
