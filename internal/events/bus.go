// Package events carries session lifecycle notifications to consumers outside
// the core (notifications, UI).
package events

import (
	"log/slog"
	"sync"
	"time"

	"focus-sync/internal/domain"
)

// Type identifies a lifecycle transition.
type Type string

const (
	SessionStarted           Type = "session_started"
	SessionStopped           Type = "session_stopped"
	SessionAutoEnded         Type = "session_auto_ended"
	SessionReachedPlannedEnd Type = "session_reached_planned_end"
)

// Outcome describes how a stop resolved. Empty for non-stop events.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeReset     Outcome = "reset"
)

// Event is a snapshot of a task and session at a lifecycle transition.
type Event struct {
	Type      Type
	Timestamp time.Time
	Task      domain.Task
	Session   domain.Session
	Outcome   Outcome
}

// Handler receives events on its own goroutine.
type Handler func(Event)

// Publisher is what the core depends on.
type Publisher interface {
	Publish(e Event)
}

// Bus is a non-blocking publish/subscribe fan-out. Each subscriber has a
// buffered channel; when it is full the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	bufferSize  int
	log         *slog.Logger
}

func NewBus(bufferSize int, log *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subscribers: make(map[Type][]chan Event),
		bufferSize:  bufferSize,
		log:         log,
	}
}

// Subscribe registers fn for the given types and returns an unsubscribe func.
func (b *Bus) Subscribe(fn Handler, types ...Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for e := range ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.log.Error("event handler panicked", slog.String("type", string(e.Type)), slog.Any("panic", r))
					}
				}()
				fn(e)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			found := false
			for _, t := range types {
				subs := b.subscribers[t]
				for i, c := range subs {
					if c == ch {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						found = true
						break
					}
				}
			}
			// Close already closed it otherwise.
			if found {
				close(ch)
			}
		})
	}
}

// Publish delivers e to every subscriber of e.Type without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[e.Type] {
		select {
		case ch <- e:
		default:
			b.log.Warn("event dropped, subscriber full", slog.String("type", string(e.Type)))
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Event]bool)
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
		delete(b.subscribers, t)
	}
}
