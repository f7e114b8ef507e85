package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
	"github.com/wajeehaljunaid491/mimi-calls/internal/config"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	"go.uber.org/zap"
)

// Watcher polls one call's status and reports changes to its consumer. The
// caller side additionally enforces the ring timeout: an unanswered call is
// cancelled once the timeout elapses, so the other side observes the same
// terminal status through its own watcher. A receiver that decided not to
// answer sets MissedOnTimeout to record the expired call as missed instead;
// whichever side writes first wins and the loser tolerates the conflict.
type Watcher struct {
	CallID          string
	IsCaller        bool
	MissedOnTimeout bool
	Lifecycle       *Service
	OnStatus        func(status string)

	interval    time.Duration
	ringTimeout time.Duration
	ringStart   time.Time
	lastStatus  string

	stopOnce sync.Once
	stopped  chan struct{}
}

func NewWatcher(callID string, isCaller bool, service *Service, onStatus func(status string)) *Watcher {
	return &Watcher{
		CallID:      callID,
		IsCaller:    isCaller,
		Lifecycle:   service,
		OnStatus:    onStatus,
		interval:    time.Duration(config.Conf.StatusPollIntervalMs) * time.Millisecond,
		ringTimeout: time.Duration(config.Conf.RingTimeoutSeconds) * time.Second,
		ringStart:   time.Now(),
		stopped:     make(chan struct{}),
	}
}

// Run polls until the call reaches a terminal status, the watcher is stopped
// or the context is canceled. Blocking; callers run it in a goroutine.
func (watcher *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(watcher.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.stopped:
			return
		case <-ticker.C:
			if watcher.tick(ctx) {
				return
			}
		}
	}
}

func (watcher *Watcher) Stop() {
	watcher.stopOnce.Do(func() {
		close(watcher.stopped)
	})
}

// tick returns true once the watcher observed a terminal status and should
// exit its loop.
func (watcher *Watcher) tick(ctx context.Context) bool {
	record, err := watcher.Lifecycle.Store.GetCall(ctx, watcher.CallID)
	if err != nil {
		// Transient store errors are tolerated, the next tick retries.
		logging.Logger.Warn("[tick] failed to read call status",
			zap.String("call_id", watcher.CallID),
			zap.String("error", err.Error()),
		)

		return false
	}

	if record.Status != watcher.lastStatus {
		watcher.lastStatus = record.Status

		if watcher.OnStatus != nil {
			watcher.OnStatus(record.Status)
		}
	}

	if callstore.IsTerminalStatus(record.Status) {
		watcher.Stop()
		return true
	}

	watcher.enforceRingTimeout(ctx, record)

	return false
}

func (watcher *Watcher) enforceRingTimeout(ctx context.Context, record *callstore.CallRecord) {
	if !watcher.IsCaller && !watcher.MissedOnTimeout {
		return
	}

	if record.Status != callstore.StatusCalling && record.Status != callstore.StatusRinging {
		return
	}

	ringStart := watcher.ringStart
	if record.StartedAt != nil {
		ringStart = *record.StartedAt
	}

	if time.Since(ringStart) < watcher.ringTimeout {
		return
	}

	var err error

	if watcher.IsCaller {
		logging.Logger.Info("[enforceRingTimeout] ring timeout elapsed, cancelling call",
			zap.String("call_id", watcher.CallID),
		)

		err = watcher.Lifecycle.Cancel(ctx, record)
	} else {
		logging.Logger.Info("[enforceRingTimeout] ring timeout elapsed, marking call missed",
			zap.String("call_id", watcher.CallID),
		)

		err = watcher.Lifecycle.MarkMissed(ctx, record)
	}

	if err != nil && !errors.Is(err, callstore.ErrStatusConflict) {
		logging.Logger.Warn("[enforceRingTimeout] failed to terminate timed out call",
			zap.String("call_id", watcher.CallID),
			zap.String("error", err.Error()),
		)
	}
}
