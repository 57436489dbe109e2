package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focus-sync/internal/domain"
)

func TestBus_DeliversOnlySubscribedTypes(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	got := make(chan Event, 4)
	unsub := bus.Subscribe(func(e Event) { got <- e }, SessionStarted, SessionStopped)
	defer unsub()

	bus.Publish(Event{Type: SessionAutoEnded})
	bus.Publish(Event{Type: SessionStarted, Session: domain.Session{ID: "s1"}})

	select {
	case e := <-got:
		assert.Equal(t, SessionStarted, e.Type)
		assert.Equal(t, "s1", e.Session.ID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-got:
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	got := make(chan string, 2)
	bus.Subscribe(func(e Event) {
		if e.Session.ID == "boom" {
			panic("handler failure")
		}
		got <- e.Session.ID
	}, SessionStopped)

	bus.Publish(Event{Type: SessionStopped, Session: domain.Session{ID: "boom"}})
	bus.Publish(Event{Type: SessionStopped, Session: domain.Session{ID: "ok"}})

	select {
	case id := <-got:
		require.Equal(t, "ok", id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event after panic")
	}
}

func TestBus_UnsubscribeAfterClose(t *testing.T) {
	bus := NewBus(1, nil)
	unsub := bus.Subscribe(func(Event) {}, SessionStarted)
	bus.Close()
	assert.NotPanics(t, unsub)
	assert.NotPanics(t, func() { bus.Publish(Event{Type: SessionStarted}) })
}
