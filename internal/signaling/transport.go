package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
	"github.com/wajeehaljunaid491/mimi-calls/internal/config"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	prometheusCalls "github.com/wajeehaljunaid491/mimi-calls/internal/prometheus"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	RoleCaller   = "caller"
	RoleAnswerer = "answerer"
)

// RecordStore is the slice of the call record store the transport needs.
// callstore.CallRepository satisfies it; tests use an in-memory fake.
type RecordStore interface {
	GetCall(ctx context.Context, callID string) (*callstore.CallRecord, error)
	SetOffer(ctx context.Context, callID string, offer datatypes.JSON) error
	SetAnswer(ctx context.Context, callID string, answer datatypes.JSON) error
	AppendIceCandidate(ctx context.Context, callID string, entry callstore.IceCandidateEntry) error
	ClearCandidates(ctx context.Context, callID string) error
}

// Consumer receives remote payloads in arrival order. The peer connection
// engine implements it.
type Consumer interface {
	HandleRemoteOffer(desc callstore.SessionDescription) error
	HandleRemoteAnswer(desc callstore.SessionDescription) error
	HandleRemoteCandidate(entry callstore.IceCandidateEntry) error
	HandleNegotiationError(err error)
	HandleTerminal(status string)
}

// Transport polls one call record and routes payloads between it and a
// Consumer. One instance per call per peer; all state here is scoped to the
// call and dropped on Stop.
type Transport struct {
	CallID   string
	Role     string
	Store    RecordStore
	Consumer Consumer
	Interval time.Duration

	mu                sync.Mutex
	seenCandidates    map[string]struct{}
	consumedOfferSDP  string
	consumedAnswerSDP string

	stopOnce sync.Once
	stopped  chan struct{}
}

func NewTransport(callID, role string, store RecordStore, consumer Consumer) *Transport {
	return &Transport{
		CallID:         callID,
		Role:           role,
		Store:          store,
		Consumer:       consumer,
		Interval:       time.Duration(config.Conf.SignalingPollIntervalMs) * time.Millisecond,
		seenCandidates: make(map[string]struct{}),
		stopped:        make(chan struct{}),
	}
}

// Origin returns the tag this side writes into candidate entries.
func (transport *Transport) Origin() string {
	if transport.Role == RoleCaller {
		return callstore.OriginCaller
	}

	return callstore.OriginAnswerer
}

func (transport *Transport) remoteOrigin() string {
	if transport.Role == RoleCaller {
		return callstore.OriginAnswerer
	}

	return callstore.OriginCaller
}

// PublishOffer writes the local offer. Idempotent overwrite, used for the
// initial round and for ICE restart.
func (transport *Transport) PublishOffer(ctx context.Context, desc callstore.SessionDescription) error {
	payload, err := EncodeSessionDescription(desc)
	if err != nil {
		return err
	}

	return transport.Store.SetOffer(ctx, transport.CallID, payload)
}

// PublishAnswer writes the local answer.
func (transport *Transport) PublishAnswer(ctx context.Context, desc callstore.SessionDescription) error {
	payload, err := EncodeSessionDescription(desc)
	if err != nil {
		return err
	}

	return transport.Store.SetAnswer(ctx, transport.CallID, payload)
}

// PublishCandidate appends one locally gathered candidate, tagged with this
// side's origin.
func (transport *Transport) PublishCandidate(ctx context.Context, candidate string, mid string, mLineIndex uint16) error {
	entry := callstore.IceCandidateEntry{
		Candidate:  candidate,
		Mid:        mid,
		MLineIndex: mLineIndex,
		From:       transport.Origin(),
	}

	err := ValidateCandidate(entry)
	if err != nil {
		return err
	}

	return transport.Store.AppendIceCandidate(ctx, transport.CallID, entry)
}

// ResetForRestart prepares a fresh negotiation round: the published candidate
// list is cleared and the consumed answer/candidate tracking is reset so the
// new round is processed from scratch. The consumed offer fingerprint is kept,
// the restart offer differs from it and is re-detected naturally.
func (transport *Transport) ResetForRestart(ctx context.Context) error {
	err := transport.Store.ClearCandidates(ctx, transport.CallID)
	if err != nil {
		return err
	}

	transport.mu.Lock()
	transport.seenCandidates = make(map[string]struct{})
	transport.consumedAnswerSDP = ""
	transport.mu.Unlock()

	return nil
}

// Run polls until the call reaches a terminal status, Stop is called, or ctx
// is cancelled. Poll failures are logged and skipped; the next tick retries at
// the same fixed interval.
func (transport *Transport) Run(ctx context.Context) {
	ticker := time.NewTicker(transport.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-transport.stopped:
			return
		case <-ticker.C:
			transport.tick(ctx)
		}
	}
}

// Stop halts the poll loop. Safe to call multiple times and from any state.
func (transport *Transport) Stop() {
	transport.stopOnce.Do(func() {
		close(transport.stopped)
	})
}

func (transport *Transport) tick(ctx context.Context) {
	record, err := transport.Store.GetCall(ctx, transport.CallID)
	if err != nil {
		prometheusCalls.SignalingPollErrors.WithLabelValues(transport.Role).Inc()
		logging.Logger.Warn("[tick] Signaling poll failed, retrying next tick",
			zap.String("call_id", transport.CallID),
			zap.String("role", transport.Role),
			zap.String("error", err.Error()),
		)

		return
	}

	if callstore.IsTerminalStatus(record.Status) {
		transport.Consumer.HandleTerminal(record.Status)
		transport.Stop()

		return
	}

	if transport.Role == RoleAnswerer {
		transport.consumeDescription(record.Offer, &transport.consumedOfferSDP, transport.Consumer.HandleRemoteOffer)
	} else {
		transport.consumeDescription(record.Answer, &transport.consumedAnswerSDP, transport.Consumer.HandleRemoteAnswer)
	}

	transport.consumeCandidates(record)
}

// consumeDescription hands a not-yet-consumed remote description to the
// consumer. Descriptions are fingerprinted by SDP so a restart offer, which
// overwrites the old one in place, is independently re-detected.
func (transport *Transport) consumeDescription(
	raw []byte,
	consumedSDP *string,
	handle func(callstore.SessionDescription) error,
) {
	if len(raw) == 0 {
		return
	}

	desc, err := DecodeSessionDescription(raw)
	if err != nil {
		transport.Consumer.HandleNegotiationError(err)
		return
	}

	transport.mu.Lock()
	alreadyConsumed := *consumedSDP == desc.SDP
	if !alreadyConsumed {
		*consumedSDP = desc.SDP
	}
	transport.mu.Unlock()

	if alreadyConsumed {
		return
	}

	err = handle(desc)
	if err != nil {
		logging.Logger.Error("[consumeDescription] Engine rejected remote description",
			zap.String("call_id", transport.CallID),
			zap.String("role", transport.Role),
			zap.String("type", desc.Type),
			zap.String("error", err.Error()),
		)
	}
}

// consumeCandidates hands over every unseen candidate written by the other
// side, in list order. Dedup is by raw candidate string.
func (transport *Transport) consumeCandidates(record *callstore.CallRecord) {
	entries, err := record.IceCandidateList()
	if err != nil {
		transport.Consumer.HandleNegotiationError(err)
		return
	}

	remote := transport.remoteOrigin()

	for _, entry := range entries {
		if entry.From != remote {
			continue
		}

		transport.mu.Lock()
		_, seen := transport.seenCandidates[entry.Candidate]
		if !seen {
			transport.seenCandidates[entry.Candidate] = struct{}{}
		}
		transport.mu.Unlock()

		if seen {
			continue
		}

		err = ValidateCandidate(entry)
		if err != nil {
			logging.Logger.Warn("[consumeCandidates] Skipping malformed candidate entry",
				zap.String("call_id", transport.CallID),
				zap.String("error", err.Error()),
			)

			continue
		}

		err = transport.Consumer.HandleRemoteCandidate(entry)
		if err != nil {
			logging.Logger.Error("[consumeCandidates] Engine rejected remote candidate",
				zap.String("call_id", transport.CallID),
				zap.String("error", err.Error()),
			)
		}
	}
}
