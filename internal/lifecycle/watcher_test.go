package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
	"github.com/wajeehaljunaid491/mimi-calls/internal/config"
)

func withFastPolling(t *testing.T) {
	t.Helper()

	savedInterval := config.Conf.StatusPollIntervalMs
	config.Conf.StatusPollIntervalMs = 10

	t.Cleanup(func() {
		config.Conf.StatusPollIntervalMs = savedInterval
	})
}

type statusLog struct {
	mu       sync.Mutex
	observed []string
}

func (log *statusLog) record(status string) {
	log.mu.Lock()
	defer log.mu.Unlock()

	log.observed = append(log.observed, status)
}

func (log *statusLog) snapshot() []string {
	log.mu.Lock()
	defer log.mu.Unlock()

	return append([]string(nil), log.observed...)
}

func runWatcherUntilDone(t *testing.T, watcher *Watcher) {
	t.Helper()

	done := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		watcher.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop in time")
	}

	require.NoError(t, ctx.Err(), "watcher should stop on terminal status, not on context timeout")
}

func TestWatcherReportsChangesAndStopsOnTerminal(t *testing.T) {
	withFastPolling(t)

	service, store, _, _ := newTestService()
	ctx := context.Background()

	record, err := service.Initiate(ctx, "alice", "bob", callstore.CallTypeVideo)
	require.NoError(t, err)

	log := &statusLog{}
	watcher := NewWatcher(record.ID, false, service, log.record)

	go func() {
		time.Sleep(50 * time.Millisecond)

		view, getErr := store.GetCall(ctx, record.ID)
		if getErr == nil {
			_ = service.Ring(ctx, view)
		}

		time.Sleep(50 * time.Millisecond)

		view, getErr = store.GetCall(ctx, record.ID)
		if getErr == nil {
			_ = service.Cancel(ctx, view)
		}
	}()

	runWatcherUntilDone(t, watcher)

	observed := log.snapshot()
	require.NotEmpty(t, observed)
	require.Equal(t, callstore.StatusCancelled, observed[len(observed)-1])
	require.Contains(t, observed, callstore.StatusRinging)
}

func TestCallerCancelsUnansweredCallAfterRingTimeout(t *testing.T) {
	withFastPolling(t)

	service, store, _, sink := newTestService()
	ctx := context.Background()

	record, err := service.Initiate(ctx, "alice", "bob", callstore.CallTypeVideo)
	require.NoError(t, err)

	// Backdate the start so the ring window has already elapsed.
	expired := time.Now().UTC().Add(-time.Duration(config.Conf.RingTimeoutSeconds+5) * time.Second)
	store.mu.Lock()
	store.records[record.ID].StartedAt = &expired
	store.mu.Unlock()

	log := &statusLog{}
	watcher := NewWatcher(record.ID, true, service, log.record)

	runWatcherUntilDone(t, watcher)

	require.Equal(t, callstore.StatusCancelled, store.status(t, record.ID))
	require.Contains(t, sink.statuses(), callstore.StatusCancelled)
}

func TestNonAnsweringReceiverMarksMissedAfterRingTimeout(t *testing.T) {
	withFastPolling(t)

	service, store, _, sink := newTestService()
	ctx := context.Background()

	record, err := service.Initiate(ctx, "alice", "bob", callstore.CallTypeVideo)
	require.NoError(t, err)
	require.NoError(t, service.Ring(ctx, record))

	expired := time.Now().UTC().Add(-time.Duration(config.Conf.RingTimeoutSeconds+5) * time.Second)
	store.mu.Lock()
	store.records[record.ID].StartedAt = &expired
	store.mu.Unlock()

	watcher := NewWatcher(record.ID, false, service, nil)
	watcher.MissedOnTimeout = true

	runWatcherUntilDone(t, watcher)

	require.Equal(t, callstore.StatusMissed, store.status(t, record.ID))
	require.Contains(t, sink.statuses(), callstore.StatusMissed)

	stored, err := store.GetCall(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EndedAt)
}

func TestReceiverSideNeverEnforcesRingTimeout(t *testing.T) {
	withFastPolling(t)

	service, store, _, _ := newTestService()
	ctx := context.Background()

	record, err := service.Initiate(ctx, "alice", "bob", callstore.CallTypeVideo)
	require.NoError(t, err)

	expired := time.Now().UTC().Add(-time.Duration(config.Conf.RingTimeoutSeconds+5) * time.Second)
	store.mu.Lock()
	store.records[record.ID].StartedAt = &expired
	store.mu.Unlock()

	watcher := NewWatcher(record.ID, false, service, nil)

	runCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	watcher.Run(runCtx)

	require.Equal(t, callstore.StatusCalling, store.status(t, record.ID))
}

func TestWatcherToleratesStoreErrors(t *testing.T) {
	withFastPolling(t)

	service, store, _, _ := newTestService()
	ctx := context.Background()

	record, err := service.Initiate(ctx, "alice", "bob", callstore.CallTypeVideo)
	require.NoError(t, err)

	log := &statusLog{}
	watcher := NewWatcher("no-such-call", false, service, log.record)

	runCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Polling a missing record just retries until the context expires.
	watcher.Run(runCtx)

	require.Empty(t, log.snapshot())
	require.Equal(t, callstore.StatusCalling, store.status(t, record.ID))
}
