package callstore

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"github.com/wajeehaljunaid491/mimi-calls/internal/config"
	"github.com/wajeehaljunaid491/mimi-calls/internal/database"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidCallRecordResult = errors.New("invalid result type, it should be pointer to CallRecord struct")
	ErrStatusConflict          = errors.New("call status update refused, record already left the expected status")
	ErrCallNotFound            = errors.New("call record not found")
)

type CallRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewCallRepository(dbConn *gorm.DB) *CallRepository {
	cbSettings := database.GetCircuitBreakerSettings()

	return &CallRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// CreateCall persists a freshly initiated call record.
func (callRepository *CallRepository) CreateCall(ctx context.Context, record *CallRecord) error {
	_, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		if ctx.Err() != nil {
			logging.Logger.Warn("[CreateCall] Context canceled before DB operation",
				zap.String("call_id", record.ID),
				zap.Error(ctx.Err()),
			)

			return nil, ctx.Err()
		}

		err := callRepository.DBConn.WithContext(ctx).Create(record).Error
		if err != nil {
			logging.Logger.Error("[CreateCall] Failed to create call record - may cause circuit breaker trip",
				zap.String("call_id", record.ID),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		return record, nil
	})

	return err
}

// GetCall retrieves a CallRecord by its id.
func (callRepository *CallRepository) GetCall(ctx context.Context, callID string) (*CallRecord, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var record CallRecord

		err := callRepository.DBConn.WithContext(ctx).
			Where("id = ?", callID).
			First(&record).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				logging.Logger.Error("[GetCall] Failed to fetch call record - may cause circuit breaker trip",
					zap.String("call_id", callID),
					zap.String("error", err.Error()),
					zap.Bool("is_context_error", ctx.Err() != nil),
				)
			}

			return nil, err
		}

		return &record, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}

		return nil, err
	}

	record, ok := result.(*CallRecord)
	if !ok {
		return nil, ErrInvalidCallRecordResult
	}

	return record, nil
}

// UpdateStatus moves a call to status, applying extra column updates in the
// same write. The update only succeeds while the record is still in one of
// fromStatuses; zero affected rows means another writer got there first and
// the caller receives ErrStatusConflict. This is what keeps terminal
// transitions single-shot even with two peers racing to terminate.
func (callRepository *CallRepository) UpdateStatus(
	ctx context.Context,
	callID string,
	status string,
	extra map[string]any,
	fromStatuses []string,
) error {
	updates := map[string]any{"status": status}
	for column, value := range extra {
		updates[column] = value
	}

	_, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		tx := callRepository.DBConn.WithContext(ctx).
			Model(&CallRecord{}).
			Where("id = ? AND status IN ?", callID, fromStatuses).
			Updates(updates)

		if tx.Error != nil {
			logging.Logger.Error("[UpdateStatus] Failed to update call status - may cause circuit breaker trip",
				zap.String("call_id", callID),
				zap.String("status", status),
				zap.String("error", tx.Error.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, tx.Error
		}

		if tx.RowsAffected == 0 {
			return nil, ErrStatusConflict
		}

		return nil, nil
	})

	return err
}

// SetOffer writes the local session description into the offer column.
// Idempotent overwrite, used for initial negotiation and for ICE restart.
func (callRepository *CallRepository) SetOffer(ctx context.Context, callID string, offer datatypes.JSON) error {
	return callRepository.setColumn(ctx, callID, "offer", offer)
}

// SetAnswer writes the responding side's session description.
func (callRepository *CallRepository) SetAnswer(ctx context.Context, callID string, answer datatypes.JSON) error {
	return callRepository.setColumn(ctx, callID, "answer", answer)
}

func (callRepository *CallRepository) setColumn(
	ctx context.Context,
	callID string,
	column string,
	value any,
) error {
	_, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		err := callRepository.DBConn.WithContext(ctx).
			Model(&CallRecord{}).
			Where("id = ?", callID).
			Update(column, value).Error
		if err != nil {
			logging.Logger.Error("[setColumn] Failed to update call record column - may cause circuit breaker trip",
				zap.String("call_id", callID),
				zap.String("column", column),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		return nil, nil
	})

	return err
}

// AppendIceCandidate appends one entry to the candidate list with a bounded
// retry around the read-modify-write. The write is not atomic against the
// remote peer, but each side only appends entries tagged with its own origin
// and consumers tolerate duplicates, so a lost race costs one retry at most.
func (callRepository *CallRepository) AppendIceCandidate(
	ctx context.Context,
	callID string,
	entry IceCandidateEntry,
) error {
	return retry.Do(
		func() error {
			return callRepository.appendIceCandidateOnce(ctx, callID, entry)
		},
		retry.Attempts(config.Conf.CandidateAppendRetryCount),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (callRepository *CallRepository) appendIceCandidateOnce(
	ctx context.Context,
	callID string,
	entry IceCandidateEntry,
) error {
	record, err := callRepository.GetCall(ctx, callID)
	if err != nil {
		return err
	}

	var entries []IceCandidateEntry
	if len(record.IceCandidates) > 0 {
		err = json.Unmarshal(record.IceCandidates, &entries)
		if err != nil {
			logging.Logger.Warn("[AppendIceCandidate] Dropping unreadable candidate list",
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
			)

			entries = nil
		}
	}

	entries = append(entries, entry)

	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	return callRepository.setColumn(ctx, callID, "ice_candidates", datatypes.JSON(payload))
}

// IceCandidateList decodes the candidate column of a record.
func (record *CallRecord) IceCandidateList() ([]IceCandidateEntry, error) {
	if len(record.IceCandidates) == 0 {
		return nil, nil
	}

	var entries []IceCandidateEntry

	err := json.Unmarshal(record.IceCandidates, &entries)
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// ClearCandidates empties the candidate list, used when an ICE restart begins
// so stale candidates don't mix into the new negotiation round.
func (callRepository *CallRepository) ClearCandidates(ctx context.Context, callID string) error {
	return callRepository.setColumn(ctx, callID, "ice_candidates", gorm.Expr("NULL"))
}

// ClearNegotiation wipes offer, answer and candidates, used on cancellation to
// stop any in-flight negotiation.
func (callRepository *CallRepository) ClearNegotiation(ctx context.Context, callID string) error {
	_, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		err := callRepository.DBConn.WithContext(ctx).
			Model(&CallRecord{}).
			Where("id = ?", callID).
			Updates(map[string]any{
				"offer":          gorm.Expr("NULL"),
				"answer":         gorm.Expr("NULL"),
				"ice_candidates": gorm.Expr("NULL"),
			}).Error
		if err != nil {
			logging.Logger.Error("[ClearNegotiation] Failed to clear negotiation payloads - may cause circuit breaker trip",
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		return nil, nil
	})

	return err
}

// ListIncoming returns non-terminal calls addressed to receiverID, oldest
// first. This is the receiver agent's discovery path for ringing calls.
func (callRepository *CallRepository) ListIncoming(ctx context.Context, receiverID string) ([]CallRecord, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var records []CallRecord

		err := callRepository.DBConn.WithContext(ctx).
			Where("receiver_id = ? AND status IN ?", receiverID, []string{StatusCalling, StatusRinging}).
			Order("started_at ASC").
			Find(&records).Error
		if err != nil {
			logging.Logger.Error("[ListIncoming] Failed to list incoming calls - may cause circuit breaker trip",
				zap.String("receiver_id", receiverID),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]CallRecord)
	if !ok {
		return nil, ErrInvalidCallRecordResult
	}

	return records, nil
}

// HasActiveCall reports whether userID currently participates in any
// non-terminal call, used by the receiver agent to answer busy.
func (callRepository *CallRepository) HasActiveCall(ctx context.Context, userID string) (bool, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var count int64

		err := callRepository.DBConn.WithContext(ctx).
			Model(&CallRecord{}).
			Where("(caller_id = ? OR receiver_id = ?) AND status IN ?", userID, userID, NonTerminalStatuses()).
			Count(&count).Error
		if err != nil {
			return nil, err
		}

		return count > 0, nil
	})
	if err != nil {
		return false, err
	}

	active, _ := result.(bool)

	return active, nil
}

// ListRecent returns the latest call records visible to userID, honoring the
// per-side soft-delete flags.
func (callRepository *CallRepository) ListRecent(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var records []CallRecord

		err := callRepository.DBConn.WithContext(ctx).
			Where("(caller_id = ? AND is_deleted_by_caller = false) OR (receiver_id = ? AND is_deleted_by_receiver = false)",
				userID, userID).
			Order("started_at DESC").
			Limit(limit).
			Find(&records).Error
		if err != nil {
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]CallRecord)
	if !ok {
		return nil, ErrInvalidCallRecordResult
	}

	return records, nil
}

// HideForSide flips the soft-delete flag for one side. Visibility only, the
// state machine never reads these columns.
func (callRepository *CallRepository) HideForSide(ctx context.Context, callID, userID string) error {
	record, err := callRepository.GetCall(ctx, callID)
	if err != nil {
		return err
	}

	column := ""

	switch userID {
	case record.CallerID:
		column = "is_deleted_by_caller"
	case record.ReceiverID:
		column = "is_deleted_by_receiver"
	default:
		return gorm.ErrRecordNotFound
	}

	return callRepository.setColumn(ctx, callID, column, true)
}
