package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
	"github.com/wajeehaljunaid491/mimi-calls/internal/events"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	prometheusCalls "github.com/wajeehaljunaid491/mimi-calls/internal/prometheus"
	"go.uber.org/zap"
)

var (
	ErrSelfCall             = errors.New("caller and receiver must be different users")
	ErrInvalidCallType      = errors.New("call type must be voice or video")
	ErrTransitionNotAllowed = errors.New("transition not allowed from current status")
	ErrParentCallNotActive  = errors.New("participants can only change on a non-terminal call")
)

type RecordStore interface {
	CreateCall(ctx context.Context, record *callstore.CallRecord) error
	GetCall(ctx context.Context, callID string) (*callstore.CallRecord, error)
	UpdateStatus(ctx context.Context, callID, status string, extra map[string]any, fromStatuses []string) error
	ClearNegotiation(ctx context.Context, callID string) error
	HasActiveCall(ctx context.Context, userID string) (bool, error)
}

type ParticipantStore interface {
	CreateParticipant(ctx context.Context, callID, userID string) (*callstore.CallParticipant, error)
	UpdateParticipantStatus(ctx context.Context, callID, userID, status string, extra map[string]any, fromStatuses []string) error
	ListParticipants(ctx context.Context, callID string) ([]callstore.CallParticipant, error)
}

type EventSink interface {
	Publish(ctx context.Context, event events.CallEvent) error
}

type Service struct {
	Store        RecordStore
	Participants ParticipantStore
	Events       EventSink
}

func NewService(store RecordStore, participants ParticipantStore, sink EventSink) *Service {
	return &Service{
		Store:        store,
		Participants: participants,
		Events:       sink,
	}
}

// Initiate creates the call record in calling state. The record id doubles as
// the signaling channel id for both peers.
func (service *Service) Initiate(
	ctx context.Context,
	callerID, receiverID, callType string,
) (*callstore.CallRecord, error) {
	if callerID == receiverID {
		return nil, ErrSelfCall
	}

	if callType != callstore.CallTypeVoice && callType != callstore.CallTypeVideo {
		return nil, ErrInvalidCallType
	}

	now := time.Now().UTC()
	record := &callstore.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   callType,
		Status:     callstore.StatusCalling,
		StartedAt:  &now,
		CreatedAt:  &now,
	}

	err := service.Store.CreateCall(ctx, record)
	if err != nil {
		return nil, err
	}

	logging.Logger.Info("[Initiate] call created",
		zap.String("call_id", record.ID),
		zap.String("caller_id", callerID),
		zap.String("receiver_id", receiverID),
		zap.String("call_type", callType),
	)

	prometheusCalls.StatusTransitions.WithLabelValues(callstore.StatusCalling).Inc()
	service.publishEvent(ctx, record, callstore.StatusCalling)

	return record, nil
}

// Ring marks the receiver side as having noticed the incoming call.
func (service *Service) Ring(ctx context.Context, record *callstore.CallRecord) error {
	return service.transition(ctx, record, callstore.StatusRinging, nil)
}

// Accept moves the call to accepted and stamps answered_at, the anchor for
// duration accounting at End.
func (service *Service) Accept(ctx context.Context, record *callstore.CallRecord) error {
	now := time.Now().UTC()

	err := service.transition(ctx, record, callstore.StatusAccepted, map[string]any{
		"answered_at": now,
	})
	if err != nil {
		return err
	}

	record.AnsweredAt = &now

	return nil
}

// Reject is the receiver declining a ringing call.
func (service *Service) Reject(ctx context.Context, record *callstore.CallRecord) error {
	return service.transition(ctx, record, callstore.StatusRejected, nil)
}

// Cancel is the caller giving up before the call is answered. Negotiation
// payloads are dropped so the channel does not replay on the abandoned row.
func (service *Service) Cancel(ctx context.Context, record *callstore.CallRecord) error {
	err := service.transition(ctx, record, callstore.StatusCancelled, nil)
	if err != nil {
		return err
	}

	err = service.Store.ClearNegotiation(ctx, record.ID)
	if err != nil {
		logging.Logger.Warn("[Cancel] failed to clear negotiation payloads",
			zap.String("call_id", record.ID),
			zap.String("error", err.Error()),
		)
	}

	return nil
}

// End terminates an accepted call. Duration counts from answered_at and is
// clamped at zero against clock skew between the two stamps.
func (service *Service) End(ctx context.Context, record *callstore.CallRecord) error {
	now := time.Now().UTC()
	duration := 0

	if record.AnsweredAt != nil {
		duration = int(now.Sub(*record.AnsweredAt).Seconds())
		if duration < 0 {
			duration = 0
		}
	}

	err := service.transition(ctx, record, callstore.StatusEnded, map[string]any{
		"ended_at":         now,
		"duration_seconds": duration,
	})
	if err != nil {
		return err
	}

	prometheusCalls.CallDuration.Observe(float64(duration))

	return nil
}

// MarkMissed records that the receiver never answered, written when the
// unanswered call expires on the receiving side.
func (service *Service) MarkMissed(ctx context.Context, record *callstore.CallRecord) error {
	return service.transition(ctx, record, callstore.StatusMissed, nil)
}

// MarkBusy is written by the receiving side when it is already on another
// non-terminal call.
func (service *Service) MarkBusy(ctx context.Context, record *callstore.CallRecord) error {
	return service.transition(ctx, record, callstore.StatusBusy, nil)
}

// Fail terminates a call on an unrecoverable error in any live state.
func (service *Service) Fail(ctx context.Context, record *callstore.CallRecord) error {
	return service.transition(ctx, record, callstore.StatusFailed, nil)
}

func (service *Service) transition(
	ctx context.Context,
	record *callstore.CallRecord,
	to string,
	extra map[string]any,
) error {
	if !CanTransition(record.Status, to) {
		// The in-memory view may be stale; the guarded write below is
		// the authority, so only refuse when no live status allows it.
		if callstore.IsTerminalStatus(record.Status) {
			return ErrTransitionNotAllowed
		}
	}

	// Every terminal status closes the record, ended_at is stamped exactly
	// once by whichever side wins the guarded write.
	if callstore.IsTerminalStatus(to) {
		if extra == nil {
			extra = make(map[string]any)
		}

		if _, ok := extra["ended_at"]; !ok {
			extra["ended_at"] = time.Now().UTC()
		}
	}

	err := service.Store.UpdateStatus(ctx, record.ID, to, extra, fromStatuses(to))
	if err != nil {
		return err
	}

	record.Status = to

	logging.Logger.Info("[transition] call status updated",
		zap.String("call_id", record.ID),
		zap.String("status", to),
	)

	prometheusCalls.StatusTransitions.WithLabelValues(to).Inc()
	service.publishEvent(ctx, record, to)

	return nil
}

// publishEvent is best effort: a broken event stream must never block a
// status transition that already committed.
func (service *Service) publishEvent(ctx context.Context, record *callstore.CallRecord, status string) {
	if service.Events == nil {
		return
	}

	err := service.Events.Publish(ctx, events.CallEvent{
		CallID:     record.ID,
		CallerID:   record.CallerID,
		ReceiverID: record.ReceiverID,
		CallType:   record.CallType,
		Status:     status,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		logging.Logger.Warn("[publishEvent] failed to publish call event",
			zap.String("call_id", record.ID),
			zap.String("status", status),
			zap.String("error", err.Error()),
		)
	}
}

// Invite adds a user to an ongoing call as a ringing participant. Each invited
// participant negotiates a separate peer connection against the inviter.
func (service *Service) Invite(ctx context.Context, callID, userID string) (*callstore.CallParticipant, error) {
	record, err := service.Store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	if callstore.IsTerminalStatus(record.Status) {
		return nil, ErrParentCallNotActive
	}

	return service.Participants.CreateParticipant(ctx, callID, userID)
}

// JoinParticipant moves an invited participant to joined.
func (service *Service) JoinParticipant(ctx context.Context, callID, userID string) error {
	now := time.Now().UTC()

	return service.Participants.UpdateParticipantStatus(
		ctx, callID, userID, callstore.ParticipantJoined,
		map[string]any{"joined_at": now},
		[]string{callstore.ParticipantRinging},
	)
}

// DeclineParticipant records an invited participant refusing to join.
func (service *Service) DeclineParticipant(ctx context.Context, callID, userID string) error {
	return service.Participants.UpdateParticipantStatus(
		ctx, callID, userID, callstore.ParticipantDeclined,
		nil,
		[]string{callstore.ParticipantRinging},
	)
}

// LeaveParticipant records a joined participant dropping out. The parent call
// keeps running for the remaining pair.
func (service *Service) LeaveParticipant(ctx context.Context, callID, userID string) error {
	now := time.Now().UTC()

	return service.Participants.UpdateParticipantStatus(
		ctx, callID, userID, callstore.ParticipantLeft,
		map[string]any{"left_at": now},
		[]string{callstore.ParticipantJoined},
	)
}
