package healthchecker

import (
	"github.com/wajeehaljunaid491/mimi-calls/internal/events"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	"go.uber.org/zap"
)

// CheckKafkaProducer verifies broker connectivity by opening a fresh producer.
// No probe message is sent, the call event topic stays clean.
func CheckKafkaProducer() error {
	kafkaProducer, err := events.NewProducer()
	if err != nil {
		logging.Logger.Error("failed to create new kafka producer client", zap.String("error", err.Error()))
		return err
	}

	return kafkaProducer.Close()
}
