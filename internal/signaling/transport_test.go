package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
	"gorm.io/datatypes"
)

type memoryStore struct {
	mu       sync.Mutex
	record   callstore.CallRecord
	failNext bool
}

func newMemoryStore(callID string) *memoryStore {
	return &memoryStore{
		record: callstore.CallRecord{
			ID:     callID,
			Status: callstore.StatusAccepted,
		},
	}
}

func (store *memoryStore) GetCall(_ context.Context, _ string) (*callstore.CallRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.failNext {
		store.failNext = false
		return nil, errors.New("store unavailable")
	}

	record := store.record

	return &record, nil
}

func (store *memoryStore) SetOffer(_ context.Context, _ string, offer datatypes.JSON) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.record.Offer = offer

	return nil
}

func (store *memoryStore) SetAnswer(_ context.Context, _ string, answer datatypes.JSON) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.record.Answer = answer

	return nil
}

func (store *memoryStore) AppendIceCandidate(_ context.Context, _ string, entry callstore.IceCandidateEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	var entries []callstore.IceCandidateEntry
	if len(store.record.IceCandidates) > 0 {
		err := json.Unmarshal(store.record.IceCandidates, &entries)
		if err != nil {
			return err
		}
	}

	entries = append(entries, entry)

	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	store.record.IceCandidates = datatypes.JSON(payload)

	return nil
}

func (store *memoryStore) ClearCandidates(_ context.Context, _ string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.record.IceCandidates = nil

	return nil
}

func (store *memoryStore) setStatus(status string) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.record.Status = status
}

func (store *memoryStore) setRawCandidates(raw string) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.record.IceCandidates = datatypes.JSON(raw)
}

type recordingConsumer struct {
	mu              sync.Mutex
	offers          []callstore.SessionDescription
	answers         []callstore.SessionDescription
	candidates      []callstore.IceCandidateEntry
	negotiationErrs []error
	terminal        []string
}

func (consumer *recordingConsumer) HandleRemoteOffer(desc callstore.SessionDescription) error {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()

	consumer.offers = append(consumer.offers, desc)

	return nil
}

func (consumer *recordingConsumer) HandleRemoteAnswer(desc callstore.SessionDescription) error {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()

	consumer.answers = append(consumer.answers, desc)

	return nil
}

func (consumer *recordingConsumer) HandleRemoteCandidate(entry callstore.IceCandidateEntry) error {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()

	consumer.candidates = append(consumer.candidates, entry)

	return nil
}

func (consumer *recordingConsumer) HandleNegotiationError(err error) {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()

	consumer.negotiationErrs = append(consumer.negotiationErrs, err)
}

func (consumer *recordingConsumer) HandleTerminal(status string) {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()

	consumer.terminal = append(consumer.terminal, status)
}

func newTestTransport(role string) (*Transport, *memoryStore, *recordingConsumer) {
	store := newMemoryStore("call-1")
	consumer := &recordingConsumer{}
	transport := NewTransport("call-1", role, store, consumer)

	return transport, store, consumer
}

func mustEncode(t *testing.T, descType, sdp string) datatypes.JSON {
	t.Helper()

	payload, err := EncodeSessionDescription(callstore.SessionDescription{Type: descType, SDP: sdp})
	require.NoError(t, err)

	return payload
}

func TestAnswererConsumesOfferExactlyOnce(t *testing.T) {
	transport, store, consumer := newTestTransport(RoleAnswerer)
	ctx := context.Background()

	store.record.Offer = mustEncode(t, "offer", "v=0 offer-a")

	transport.tick(ctx)
	transport.tick(ctx)

	require.Len(t, consumer.offers, 1)
	require.Equal(t, "v=0 offer-a", consumer.offers[0].SDP)
}

func TestRestartOfferIsReDetected(t *testing.T) {
	transport, store, consumer := newTestTransport(RoleAnswerer)
	ctx := context.Background()

	store.record.Offer = mustEncode(t, "offer", "v=0 offer-a")
	transport.tick(ctx)

	store.record.Offer = mustEncode(t, "offer", "v=0 offer-restarted")
	transport.tick(ctx)
	transport.tick(ctx)

	require.Len(t, consumer.offers, 2)
	require.Equal(t, "v=0 offer-restarted", consumer.offers[1].SDP)
}

func TestCallerConsumesAnswer(t *testing.T) {
	transport, store, consumer := newTestTransport(RoleCaller)
	ctx := context.Background()

	store.record.Answer = mustEncode(t, "answer", "v=0 answer-b")

	transport.tick(ctx)
	transport.tick(ctx)

	require.Len(t, consumer.answers, 1)
	require.Empty(t, consumer.offers)
}

func TestCandidatesArriveInOrderAndDeduped(t *testing.T) {
	transport, store, consumer := newTestTransport(RoleAnswerer)
	ctx := context.Background()

	for _, candidate := range []string{"candidate:1", "candidate:2", "candidate:1"} {
		err := store.AppendIceCandidate(ctx, "call-1", callstore.IceCandidateEntry{
			Candidate: candidate,
			From:      callstore.OriginCaller,
		})
		require.NoError(t, err)
	}

	transport.tick(ctx)
	transport.tick(ctx)

	require.Len(t, consumer.candidates, 2)
	require.Equal(t, "candidate:1", consumer.candidates[0].Candidate)
	require.Equal(t, "candidate:2", consumer.candidates[1].Candidate)
}

func TestOwnOriginCandidatesAreIgnored(t *testing.T) {
	transport, store, consumer := newTestTransport(RoleAnswerer)
	ctx := context.Background()

	err := transport.PublishCandidate(ctx, "candidate:own", "0", 0)
	require.NoError(t, err)

	err = store.AppendIceCandidate(ctx, "call-1", callstore.IceCandidateEntry{
		Candidate: "candidate:remote",
		From:      callstore.OriginCaller,
	})
	require.NoError(t, err)

	transport.tick(ctx)

	require.Len(t, consumer.candidates, 1)
	require.Equal(t, "candidate:remote", consumer.candidates[0].Candidate)
}

func TestMalformedCandidateEntryIsSkipped(t *testing.T) {
	transport, store, consumer := newTestTransport(RoleAnswerer)
	ctx := context.Background()

	store.setRawCandidates(`[{"candidate":"","from":"caller"},{"candidate":"candidate:ok","from":"caller"}]`)

	transport.tick(ctx)

	require.Len(t, consumer.candidates, 1)
	require.Equal(t, "candidate:ok", consumer.candidates[0].Candidate)
}

func TestMalformedPayloadsReportNegotiationError(t *testing.T) {
	transport, store, consumer := newTestTransport(RoleAnswerer)
	ctx := context.Background()

	store.record.Offer = datatypes.JSON(`{"type":"bogus","sdp":""}`)
	store.setRawCandidates(`not json`)

	transport.tick(ctx)

	require.Len(t, consumer.negotiationErrs, 2)
	require.ErrorIs(t, consumer.negotiationErrs[0], ErrMalformedDescription)
	require.Empty(t, consumer.offers)
}

func TestTerminalStatusStopsTransport(t *testing.T) {
	transport, store, consumer := newTestTransport(RoleCaller)
	ctx := context.Background()

	store.setStatus(callstore.StatusEnded)

	transport.tick(ctx)

	require.Equal(t, []string{callstore.StatusEnded}, consumer.terminal)

	select {
	case <-transport.stopped:
	default:
		t.Fatal("transport should be stopped after observing a terminal status")
	}

	// Run on a stopped transport returns immediately.
	transport.Run(ctx)
}

func TestPollErrorIsToleratedAndRetried(t *testing.T) {
	transport, store, consumer := newTestTransport(RoleAnswerer)
	ctx := context.Background()

	store.record.Offer = mustEncode(t, "offer", "v=0 offer-a")
	store.failNext = true

	transport.tick(ctx)
	require.Empty(t, consumer.offers)

	transport.tick(ctx)
	require.Len(t, consumer.offers, 1)
}

func TestResetForRestartReplaysFreshCandidates(t *testing.T) {
	transport, store, consumer := newTestTransport(RoleAnswerer)
	ctx := context.Background()

	err := store.AppendIceCandidate(ctx, "call-1", callstore.IceCandidateEntry{
		Candidate: "candidate:1",
		From:      callstore.OriginCaller,
	})
	require.NoError(t, err)

	transport.tick(ctx)
	require.Len(t, consumer.candidates, 1)

	err = transport.ResetForRestart(ctx)
	require.NoError(t, err)
	require.Empty(t, store.record.IceCandidates)

	// The same candidate string published for the new round is consumed again.
	err = store.AppendIceCandidate(ctx, "call-1", callstore.IceCandidateEntry{
		Candidate: "candidate:1",
		From:      callstore.OriginCaller,
	})
	require.NoError(t, err)

	transport.tick(ctx)
	require.Len(t, consumer.candidates, 2)
}

func TestPublishCandidateTagsOrigin(t *testing.T) {
	callerTransport, store, _ := newTestTransport(RoleCaller)
	ctx := context.Background()

	err := callerTransport.PublishCandidate(ctx, "candidate:x", "0", 0)
	require.NoError(t, err)

	entries, err := store.record.IceCandidateList()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, callstore.OriginCaller, entries[0].From)
}

func TestPublishCandidateRejectsEmptyCandidate(t *testing.T) {
	transport, _, _ := newTestTransport(RoleCaller)

	err := transport.PublishCandidate(context.Background(), "", "0", 0)
	require.ErrorIs(t, err, ErrMalformedCandidate)
}
