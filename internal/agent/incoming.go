package agent

import (
	"context"
	"errors"
	"time"

	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
	"github.com/wajeehaljunaid491/mimi-calls/internal/config"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	"go.uber.org/zap"
)

// watchIncoming polls for calls ringing at this agent and hands each new one
// to the worker pool. Blocks until the context is canceled.
func (app *App) watchIncoming(ctx context.Context) {
	interval := time.Duration(config.Conf.StatusPollIntervalMs) * time.Millisecond

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.pollIncoming(ctx, seen)
		}
	}
}

func (app *App) pollIncoming(ctx context.Context, seen map[string]struct{}) {
	records, err := app.Calls.ListIncoming(ctx, app.UserID)
	if err != nil {
		logging.Logger.Warn("[pollIncoming] failed to list incoming calls",
			zap.String("error", err.Error()),
		)

		return
	}

	for i := range records {
		record := records[i]

		_, handled := seen[record.ID]
		if handled {
			continue
		}

		seen[record.ID] = struct{}{}

		logging.Logger.Info("[pollIncoming] incoming call detected",
			zap.String("call_id", record.ID),
			zap.String("caller_id", record.CallerID),
			zap.String("call_type", record.CallType),
		)

		err = app.WorkerPool.Submit(func() {
			app.handleIncoming(ctx, &record)
		})
		if err != nil {
			logging.Logger.Error("[pollIncoming] failed to submit incoming call to worker pool",
				zap.String("call_id", record.ID),
				zap.String("error", err.Error()),
			)

			delete(seen, record.ID)
		}
	}
}

// handleIncoming answers or refuses one incoming call. A second call arriving
// while a session is live gets the busy terminal, the one slot per agent is
// deliberate.
func (app *App) handleIncoming(ctx context.Context, record *callstore.CallRecord) {
	if !app.reserveSession(record.ID) {
		err := app.Lifecycle.MarkBusy(ctx, record)
		if err != nil && !errors.Is(err, callstore.ErrStatusConflict) {
			logging.Logger.Warn("[handleIncoming] failed to mark call busy",
				zap.String("call_id", record.ID),
				zap.String("error", err.Error()),
			)
		}

		return
	}
	defer app.untrackSession(record.ID)

	err := app.Lifecycle.Ring(ctx, record)
	if err != nil {
		if errors.Is(err, callstore.ErrStatusConflict) {
			// Caller hung up before we noticed; nothing to do.
			return
		}

		logging.Logger.Error("[handleIncoming] failed to mark call ringing",
			zap.String("call_id", record.ID),
			zap.String("error", err.Error()),
		)

		return
	}

	session := NewSession(app.Lifecycle, app.Calls, record, false, config.Conf.AgentAutoAnswer)
	app.trackSession(record.ID, session)

	session.Run(ctx)
}
