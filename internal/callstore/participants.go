package callstore

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wajeehaljunaid491/mimi-calls/internal/database"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidParticipantResult = errors.New("invalid result type, it should be pointer to CallParticipant struct")

type ParticipantRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewParticipantRepository(dbConn *gorm.DB) *ParticipantRepository {
	cbSettings := database.GetCircuitBreakerSettings()

	return &ParticipantRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// CreateParticipant records an invitation: one (call, user) row in ringing state.
func (participantRepository *ParticipantRepository) CreateParticipant(
	ctx context.Context,
	callID, userID string,
) (*CallParticipant, error) {
	now := time.Now().UTC()
	participant := CallParticipant{
		CallID:    callID,
		UserID:    userID,
		Status:    ParticipantRinging,
		CreatedAt: &now,
	}

	result, err := participantRepository.CircuitBreaker.Execute(func() (any, error) {
		err := participantRepository.DBConn.WithContext(ctx).Create(&participant).Error
		if err != nil {
			logging.Logger.Error("[CreateParticipant] Failed to create participant - may cause circuit breaker trip",
				zap.String("call_id", callID),
				zap.String("user_id", userID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return &participant, nil
	})
	if err != nil {
		return nil, err
	}

	created, ok := result.(*CallParticipant)
	if !ok {
		return nil, ErrInvalidParticipantResult
	}

	return created, nil
}

// UpdateParticipantStatus transitions a participant row, guarded by the set of
// statuses the row may still be in.
func (participantRepository *ParticipantRepository) UpdateParticipantStatus(
	ctx context.Context,
	callID, userID, status string,
	extra map[string]any,
	fromStatuses []string,
) error {
	updates := map[string]any{"status": status}
	for column, value := range extra {
		updates[column] = value
	}

	_, err := participantRepository.CircuitBreaker.Execute(func() (any, error) {
		tx := participantRepository.DBConn.WithContext(ctx).
			Model(&CallParticipant{}).
			Where("call_id = ? AND user_id = ? AND status IN ?", callID, userID, fromStatuses).
			Updates(updates)

		if tx.Error != nil {
			logging.Logger.Error("[UpdateParticipantStatus] Failed to update participant - may cause circuit breaker trip",
				zap.String("call_id", callID),
				zap.String("user_id", userID),
				zap.String("status", status),
				zap.String("error", tx.Error.Error()),
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

// ListParticipants returns all invited participants of a call.
func (participantRepository *ParticipantRepository) ListParticipants(
	ctx context.Context,
	callID string,
) ([]CallParticipant, error) {
	result, err := participantRepository.CircuitBreaker.Execute(func() (any, error) {
		var participants []CallParticipant

		err := participantRepository.DBConn.WithContext(ctx).
			Where("call_id = ?", callID).
			Order("created_at ASC").
			Find(&participants).Error
		if err != nil {
			return nil, err
		}

		return participants, nil
	})
	if err != nil {
		return nil, err
	}

	participants, ok := result.([]CallParticipant)
	if !ok {
		return nil, ErrInvalidParticipantResult
	}

	return participants, nil
}
