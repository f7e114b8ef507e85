package agent

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
	"github.com/wajeehaljunaid491/mimi-calls/internal/engine"
	"github.com/wajeehaljunaid491/mimi-calls/internal/lifecycle"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	"github.com/wajeehaljunaid491/mimi-calls/internal/signaling"
	"go.uber.org/zap"
)

// Session drives one call from this agent's side: the peer connection engine,
// the status watcher and the lifecycle writes belonging to this side. A
// receiver-side session without answering runs watcher-only, it observes the
// call until the caller's ring timeout or cancel terminates it.
type Session struct {
	Record    *callstore.CallRecord
	IsCaller  bool
	Answer    bool
	Lifecycle *lifecycle.Service
	Store     signaling.RecordStore

	engine *engine.Engine
}

func NewSession(
	service *lifecycle.Service,
	store signaling.RecordStore,
	record *callstore.CallRecord,
	isCaller, answer bool,
) *Session {
	return &Session{
		Record:    record,
		IsCaller:  isCaller,
		Answer:    answer,
		Lifecycle: service,
		Store:     store,
	}
}

// Run blocks until the call reaches a terminal status or the context is
// canceled, then tears the engine down.
func (session *Session) Run(ctx context.Context) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !session.IsCaller && session.Answer {
		err := session.Lifecycle.Accept(ctx, session.Record)
		if err != nil {
			if errors.Is(err, callstore.ErrStatusConflict) {
				logging.Logger.Info("[Run] call already left ringing, not answering",
					zap.String("call_id", session.Record.ID),
				)

				return
			}

			logging.Logger.Error("[Run] failed to accept call",
				zap.String("call_id", session.Record.ID),
				zap.String("error", err.Error()),
			)

			return
		}
	}

	if session.IsCaller || session.Answer {
		session.engine = engine.New(
			session.Record.ID,
			session.Record.CallType,
			session.IsCaller,
			session.Store,
			engine.Callbacks{
				OnConnectionState:  session.onConnectionState,
				OnError:            session.onEngineError,
				OnPermissionDenied: session.onPermissionDenied,
			},
		)

		err := session.engine.Start(sessionCtx)
		if err != nil {
			logging.Logger.Error("[Run] failed to start call engine",
				zap.String("call_id", session.Record.ID),
				zap.String("error", err.Error()),
			)

			session.failCall(ctx)
			return
		}
	}

	watcher := lifecycle.NewWatcher(session.Record.ID, session.IsCaller, session.Lifecycle, session.onStatus)
	// A receiver that is not answering records the expired call as missed.
	watcher.MissedOnTimeout = !session.IsCaller && !session.Answer
	watcher.Run(sessionCtx)

	if session.engine != nil {
		session.engine.Cleanup()
	}
}

func (session *Session) onStatus(status string) {
	logging.Logger.Info("[onStatus] call status observed",
		zap.String("call_id", session.Record.ID),
		zap.String("status", status),
	)

	session.Record.Status = status
}

func (session *Session) onConnectionState(state webrtc.PeerConnectionState) {
	logging.Logger.Info("[onConnectionState] peer connection state",
		zap.String("call_id", session.Record.ID),
		zap.String("state", state.String()),
	)
}

func (session *Session) onEngineError(err error) {
	logging.Logger.Error("[onEngineError] engine error",
		zap.String("call_id", session.Record.ID),
		zap.String("error", err.Error()),
	)

	if errors.Is(err, engine.ErrConnectionLost) {
		session.failCall(context.Background())
	}
}

// onPermissionDenied is a degradation notice, not a failure: capture falls
// back through reduced constraints down to receive-only, so the call keeps
// going with whatever media survived. Only a failed engine start fails the
// call.
func (session *Session) onPermissionDenied(device string) {
	logging.Logger.Warn("[onPermissionDenied] media device permission denied, continuing degraded",
		zap.String("call_id", session.Record.ID),
		zap.String("device", device),
	)
}

// failCall writes the failed terminal status, tolerating losing the race to a
// peer that already terminated the call.
func (session *Session) failCall(ctx context.Context) {
	err := session.Lifecycle.Fail(ctx, session.Record)
	if err != nil && !errors.Is(err, callstore.ErrStatusConflict) {
		logging.Logger.Error("[failCall] failed to mark call failed",
			zap.String("call_id", session.Record.ID),
			zap.String("error", err.Error()),
		)
	}
}
