package events

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func newMockedProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()

	client := mocks.NewSyncProducer(t, nil)

	return &Producer{
		Client:         client,
		CircuitBreaker: newCallEventCircuitBreaker(),
	}, client
}

func TestPublishMarshalsEventKeyedByCallID(t *testing.T) {
	producer, client := newMockedProducer(t)

	client.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var event CallEvent

		err := json.Unmarshal(value, &event)
		if err != nil {
			return err
		}

		if event.CallID != "call-1" || event.Status != "calling" {
			return fmt.Errorf("unexpected event payload: %+v", event)
		}

		return nil
	})

	err := producer.Publish(context.Background(), CallEvent{
		CallID:     "call-1",
		CallerID:   "alice",
		ReceiverID: "bob",
		CallType:   "video",
		Status:     "calling",
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestPublishPropagatesBrokerError(t *testing.T) {
	producer, client := newMockedProducer(t)

	brokerErr := errors.New("broker unavailable")
	client.ExpectSendMessageAndFail(brokerErr)

	err := producer.Publish(context.Background(), CallEvent{CallID: "call-1", Status: "ended"})
	require.ErrorIs(t, err, brokerErr)
}

func TestPublishHonorsCanceledContext(t *testing.T) {
	producer, _ := newMockedProducer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := producer.Publish(ctx, CallEvent{CallID: "call-1", Status: "ended"})
	require.ErrorIs(t, err, context.Canceled)
}
