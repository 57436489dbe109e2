package usecase

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focus-sync/internal/domain"
)

func TestQueue_CreateWritesBackOwnedLink(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s, err := h.planner.Schedule(h.ctx, tk.ID, h.at(9, 0), h.at(10, 0), true, h.now)
	require.NoError(t, err)

	res, err := h.queue.Process(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Creates)
	assert.Zero(t, res.Remaining)

	got := h.session(s.ID)
	assert.Equal(t, "ev-1", got.OwnedEventID)
	require.NotNil(t, got.PushedStart)
	assert.Equal(t, h.at(9, 0), *got.PushedStart)

	require.Len(t, h.gw.created, 1)
	assert.Equal(t, domain.LinkMetadata{TaskID: tk.ID, SessionID: s.ID}, h.gw.created[0].Link)
	assert.Equal(t, "Write", h.gw.created[0].Title)
}

func TestQueue_TransientFailuresRetryUntilCeiling(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	_, err := h.planner.Schedule(h.ctx, tk.ID, h.at(9, 0), h.at(10, 0), true, h.now)
	require.NoError(t, err)
	h.gw.createErr = fmt.Errorf("503: %w", domain.ErrTransient)

	for i := 0; i < domain.DefaultPolicy().MaxRetries; i++ {
		_, err := h.queue.Process(h.ctx)
		require.NoError(t, err)
	}
	ops := h.ops()
	require.Len(t, ops, 1)
	assert.Equal(t, 5, ops[0].Retries)
	assert.Contains(t, ops[0].LastError, "503")

	failed, err := h.queue.Failed(h.ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	// Inert at the ceiling: the gateway is not called again.
	h.gw.createErr = nil
	res, err := h.queue.Process(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, h.gw.createdCount())

	n, err := h.queue.RetryFailed(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	res, err = h.queue.Process(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Creates)
	assert.Empty(t, h.ops())
}

func TestQueue_AuthExpiredPausesWithoutChargingRetry(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	_, err := h.planner.Schedule(h.ctx, tk.ID, h.at(9, 0), h.at(10, 0), true, h.now)
	require.NoError(t, err)
	h.gw.createErr = domain.ErrAuthExpired

	_, err = h.queue.Process(h.ctx)
	assert.ErrorIs(t, err, domain.ErrAuthExpired)
	ops := h.ops()
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].Retries)
}

func TestQueue_OfflineSkipsProcessing(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	_, err := h.planner.Schedule(h.ctx, tk.ID, h.at(9, 0), h.at(10, 0), true, h.now)
	require.NoError(t, err)

	h.queue.SetOnline(false)
	_, err = h.queue.Process(h.ctx)
	assert.ErrorIs(t, err, domain.ErrOffline)
	assert.Len(t, h.ops(), 1)

	h.queue.SetOnline(true)
	res, err := h.queue.Process(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Creates)
}

func TestQueue_DeleteCancelsPendingCreate(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s, err := h.planner.Schedule(h.ctx, tk.ID, h.at(9, 0), h.at(10, 0), true, h.now)
	require.NoError(t, err)

	require.NoError(t, h.planner.Unschedule(h.ctx, s.ID, h.now))
	assert.Empty(t, h.ops())

	_, err = h.queue.Process(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.gw.createdCount())
	assert.True(t, h.session(s.ID).IsDiscarded)
}

func TestQueue_UpdateOnRemotelyDeletedEventUnlinks(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s := h.scheduleLinked(tk.ID, h.at(9, 0), h.at(10, 0), true)
	delete(h.gw.events, s.OwnedEventID)

	require.NoError(t, h.queue.Enqueue(h.ctx, domain.SyncOperation{
		Kind: domain.OpUpdate, TaskID: tk.ID, SessionID: s.ID, EventID: s.OwnedEventID,
		Payload: domain.EventPayload{Title: "Write", Start: h.at(9, 0), End: h.at(10, 30)},
	}))
	res, err := h.queue.Process(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unlinked)
	assert.Empty(t, h.ops())

	got := h.session(s.ID)
	assert.Empty(t, got.OwnedEventID)
	assert.Nil(t, got.PushedStart)
}

func TestQueue_DeleteOfMissingEventSucceeds(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.queue.Enqueue(h.ctx, domain.SyncOperation{Kind: domain.OpDelete, SessionID: "gone", EventID: "ev-404"}))

	res, err := h.queue.Process(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unlinked)
	assert.Empty(t, h.ops())
}

func TestQueue_ConcurrentProcessSharesOnePass(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	_, err := h.planner.Schedule(h.ctx, tk.ID, h.at(9, 0), h.at(10, 0), true, h.now)
	require.NoError(t, err)

	h.gw.entered = make(chan struct{}, 1)
	h.gw.block = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = h.queue.Process(h.ctx)
	}()
	<-h.gw.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = h.queue.Process(h.ctx)
	}()
	close(h.gw.block)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, h.gw.createdCount())
	assert.Empty(t, h.ops())
}

func TestQueue_SessionDiscardedDuringCreateDeletesOrphan(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s, err := h.planner.Schedule(h.ctx, tk.ID, h.at(9, 0), h.at(10, 0), true, h.now)
	require.NoError(t, err)

	h.gw.entered = make(chan struct{}, 1)
	h.gw.block = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := h.queue.Process(h.ctx)
		done <- err
	}()
	<-h.gw.entered

	require.NoError(t, h.planner.Unschedule(h.ctx, s.ID, h.now))
	close(h.gw.block)
	require.NoError(t, <-done)

	h.gw.entered, h.gw.block = nil, nil
	_, err = h.queue.Process(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-1"}, h.gw.deleted)
	assert.Empty(t, h.ops())
	assert.Empty(t, h.session(s.ID).OwnedEventID)
}
