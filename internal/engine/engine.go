// Package engine owns exactly one native WebRTC peer connection per call and
// exposes a callback contract to its consumer. Instances are constructed at
// call start and discarded on cleanup; nothing is shared across calls.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
	"github.com/wajeehaljunaid491/mimi-calls/internal/config"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	prometheusCalls "github.com/wajeehaljunaid491/mimi-calls/internal/prometheus"
	"github.com/wajeehaljunaid491/mimi-calls/internal/signaling"
	"go.uber.org/zap"
)

// Callbacks is the contract between the engine and its consumer. Errors are
// always delivered through OnError, never as panics across the boundary.
type Callbacks struct {
	OnLocalMedia       func(stream mediadevices.MediaStream)
	OnRemoteTrack      func(track *webrtc.TrackRemote)
	OnConnectionState  func(state webrtc.PeerConnectionState)
	OnError            func(err error)
	OnPermissionDenied func(device string)
}

type Engine struct {
	callID      string
	callType    string
	isInitiator bool
	callbacks   Callbacks
	transport   *signaling.Transport

	mu                sync.Mutex
	pc                *webrtc.PeerConnection
	locals            []localTrack
	mediaStop         func()
	muted             bool
	videoOff          bool
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
	started           bool
	closed            bool
	connectedSeen     bool
	graceTimer        *time.Timer

	startedAt time.Time
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New builds an engine for one call. The initiator side produces the offer
// and owns reconnection; the other side answers.
func New(
	callID string,
	callType string,
	isInitiator bool,
	store signaling.RecordStore,
	callbacks Callbacks,
) *Engine {
	role := signaling.RoleAnswerer
	if isInitiator {
		role = signaling.RoleCaller
	}

	e := &Engine{
		callID:      callID,
		callType:    callType,
		isInitiator: isInitiator,
		callbacks:   callbacks,
	}
	e.transport = signaling.NewTransport(callID, role, store, e)

	return e
}

// Start acquires local media, wires the peer connection handlers, publishes
// the initial offer when this side initiates, and starts the signaling poll
// loop scoped to this call.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.startedAt = time.Now()

	pc, locals, mediaStop, stream, err := initMediaPC(e.callID, e.callType, e.reportMediaError)
	if err != nil {
		e.runCancel()
		return fmt.Errorf("failed to initialize peer connection: %w", err)
	}

	e.mu.Lock()
	e.pc = pc
	e.locals = locals
	e.mediaStop = mediaStop
	e.mu.Unlock()

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logging.Logger.Info("[Start] remote track arrived",
			zap.String("call_id", e.callID),
			zap.String("kind", track.Kind().String()),
		)

		if e.callbacks.OnRemoteTrack != nil {
			e.callbacks.OnRemoteTrack(track)
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}

		e.publishLocalCandidate(candidate)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logging.Logger.Info("[Start] connection state changed",
			zap.String("call_id", e.callID),
			zap.String("state", state.String()),
		)

		if e.callbacks.OnConnectionState != nil {
			e.callbacks.OnConnectionState(state)
		}

		if state == webrtc.PeerConnectionStateConnected {
			e.observeConnected()
		}

		if state == webrtc.PeerConnectionStateFailed {
			e.attemptReconnect()
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateFailed:
			e.attemptReconnect()
		case webrtc.ICEConnectionStateDisconnected:
			// Transient disconnects often self-heal, wait a grace
			// period before restarting ICE.
			e.scheduleGraceReconnect()
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			e.cancelGraceReconnect()
		default:
		}
	})

	if stream != nil && e.callbacks.OnLocalMedia != nil {
		e.callbacks.OnLocalMedia(stream)
	}

	if e.isInitiator {
		err = e.publishInitialOffer(pc)
		if err != nil {
			e.runCancel()
			e.emitError(err)

			return err
		}
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	prometheusCalls.ActiveCalls.Inc()

	go e.transport.Run(e.runCtx)

	return nil
}

func (e *Engine) publishInitialOffer(pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	err = pc.SetLocalDescription(offer)
	if err != nil {
		return fmt.Errorf("failed to apply local offer: %w", err)
	}

	err = e.transport.PublishOffer(e.runCtx, callstore.SessionDescription{
		Type: "offer",
		SDP:  offer.SDP,
	})
	if err != nil {
		return fmt.Errorf("failed to publish offer: %w", err)
	}

	return nil
}

func (e *Engine) publishLocalCandidate(candidate *webrtc.ICECandidate) {
	init := candidate.ToJSON()

	mid := ""
	if init.SDPMid != nil {
		mid = *init.SDPMid
	}

	var mLineIndex uint16
	if init.SDPMLineIndex != nil {
		mLineIndex = *init.SDPMLineIndex
	}

	err := e.transport.PublishCandidate(e.runCtx, init.Candidate, mid, mLineIndex)
	if err != nil {
		// Non fatal: the next gathered candidate or the TURN relay path
		// can still complete connectivity.
		logging.Logger.Warn("[publishLocalCandidate] failed to publish candidate",
			zap.String("call_id", e.callID),
			zap.String("error", err.Error()),
		)
	}
}

// HandleRemoteOffer sets the remote description, flushes candidates queued
// before it existed, and publishes an answer. Also invoked for restart offers
// re-detected by the transport.
func (e *Engine) HandleRemoteOffer(desc callstore.SessionDescription) error {
	pc := e.livePC()
	if pc == nil {
		return nil
	}

	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  desc.SDP,
	})
	if err != nil {
		err = fmt.Errorf("failed to apply remote offer: %w", err)
		e.emitError(err)

		return err
	}

	e.flushPendingCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		err = fmt.Errorf("failed to create answer: %w", err)
		e.emitError(err)

		return err
	}

	err = pc.SetLocalDescription(answer)
	if err != nil {
		err = fmt.Errorf("failed to apply local answer: %w", err)
		e.emitError(err)

		return err
	}

	err = e.transport.PublishAnswer(e.runCtx, callstore.SessionDescription{
		Type: "answer",
		SDP:  answer.SDP,
	})
	if err != nil {
		err = fmt.Errorf("failed to publish answer: %w", err)
		e.emitError(err)

		return err
	}

	return nil
}

// HandleRemoteAnswer completes the exchange on the offering side.
func (e *Engine) HandleRemoteAnswer(desc callstore.SessionDescription) error {
	pc := e.livePC()
	if pc == nil {
		return nil
	}

	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  desc.SDP,
	})
	if err != nil {
		err = fmt.Errorf("failed to apply remote answer: %w", err)
		e.emitError(err)

		return err
	}

	e.flushPendingCandidates(pc)

	return nil
}

// HandleRemoteCandidate applies a candidate, or queues it when the remote
// description is not set yet. Queued candidates are never dropped and replay
// in arrival order.
func (e *Engine) HandleRemoteCandidate(entry callstore.IceCandidateEntry) error {
	init := webrtc.ICECandidateInit{Candidate: entry.Candidate}

	if entry.Mid != "" {
		mid := entry.Mid
		init.SDPMid = &mid
	}

	mLineIndex := entry.MLineIndex
	init.SDPMLineIndex = &mLineIndex

	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return nil
	}

	if !e.remoteDescSet {
		e.pendingCandidates = append(e.pendingCandidates, init)
		e.mu.Unlock()

		return nil
	}

	pc := e.pc
	e.mu.Unlock()

	return pc.AddICECandidate(init)
}

// HandleNegotiationError surfaces malformed payloads detected at the
// signaling boundary.
func (e *Engine) HandleNegotiationError(err error) {
	e.emitError(err)
}

// HandleTerminal reacts to the record reaching a terminal status written by
// the other side: full local cleanup without re-writing the status.
func (e *Engine) HandleTerminal(status string) {
	logging.Logger.Info("[HandleTerminal] call reached terminal status, cleaning up",
		zap.String("call_id", e.callID),
		zap.String("status", status),
	)

	e.Cleanup()
}

func (e *Engine) flushPendingCandidates(pc *webrtc.PeerConnection) {
	e.mu.Lock()
	e.remoteDescSet = true
	pending := e.pendingCandidates
	e.pendingCandidates = nil
	e.mu.Unlock()

	for _, init := range pending {
		err := pc.AddICECandidate(init)
		if err != nil {
			logging.Logger.Warn("[flushPendingCandidates] failed to apply queued candidate",
				zap.String("call_id", e.callID),
				zap.String("error", err.Error()),
			)
		}
	}
}

// attemptReconnect runs one ICE restart round. Only the initiator side
// renegotiates; a failure to create or publish the restart offer is terminal
// for the attempt and surfaces as a connection-lost error, with no automatic
// retry loop.
func (e *Engine) attemptReconnect() {
	if !e.isInitiator {
		logging.Logger.Info("[attemptReconnect] waiting for initiator side to restart ICE",
			zap.String("call_id", e.callID),
		)

		return
	}

	pc := e.livePC()
	if pc == nil {
		return
	}

	prometheusCalls.IceRestarts.Inc()
	logging.Logger.Warn("[attemptReconnect] restarting ICE",
		zap.String("call_id", e.callID),
	)

	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		e.emitError(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		return
	}

	err = pc.SetLocalDescription(offer)
	if err != nil {
		e.emitError(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		return
	}

	// Stale candidates must not mix into the new round.
	err = e.transport.ResetForRestart(e.runCtx)
	if err != nil {
		e.emitError(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		return
	}

	e.mu.Lock()
	e.remoteDescSet = false
	e.pendingCandidates = nil
	e.mu.Unlock()

	err = e.transport.PublishOffer(e.runCtx, callstore.SessionDescription{
		Type: "offer",
		SDP:  offer.SDP,
	})
	if err != nil {
		e.emitError(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		return
	}
}

func (e *Engine) scheduleGraceReconnect() {
	grace := time.Duration(config.Conf.DisconnectedGraceSeconds) * time.Second

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.graceTimer != nil {
		return
	}

	e.graceTimer = time.AfterFunc(grace, func() {
		e.mu.Lock()
		e.graceTimer = nil
		pc := e.pc
		closed := e.closed
		e.mu.Unlock()

		if closed || pc == nil {
			return
		}

		state := pc.ICEConnectionState()
		if state == webrtc.ICEConnectionStateDisconnected || state == webrtc.ICEConnectionStateFailed {
			e.attemptReconnect()
		}
	})
}

func (e *Engine) cancelGraceReconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
}

// ToggleMute flips the local audio track in place, no renegotiation. Returns
// the resulting muted state.
func (e *Engine) ToggleMute() bool {
	return e.toggleKind(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the local video track in place. Returns the resulting
// camera-off state.
func (e *Engine) ToggleVideo() bool {
	return e.toggleKind(webrtc.RTPCodecTypeVideo)
}

func (e *Engine) toggleKind(kind webrtc.RTPCodecType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	var off *bool
	if kind == webrtc.RTPCodecTypeAudio {
		off = &e.muted
	} else {
		off = &e.videoOff
	}

	*off = !*off

	for i := range e.locals {
		lt := &e.locals[i]
		if lt.kind != kind {
			continue
		}

		var err error
		if *off {
			err = lt.sender.ReplaceTrack(nil)
		} else {
			err = lt.sender.ReplaceTrack(lt.track)
		}

		if err != nil {
			logging.Logger.Warn("[toggleKind] ReplaceTrack failed",
				zap.String("call_id", e.callID),
				zap.String("kind", kind.String()),
				zap.String("error", err.Error()),
			)
		}
	}

	return *off
}

// Cleanup stops the poll loop, releases local media, closes the connection
// and clears all ephemeral state. Safe to call multiple times and from any
// state; it never raises.
func (e *Engine) Cleanup() {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return
	}

	e.closed = true
	started := e.started
	pc := e.pc
	mediaStop := e.mediaStop

	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}

	e.pendingCandidates = nil
	e.remoteDescSet = false
	e.locals = nil
	e.mu.Unlock()

	e.transport.Stop()

	if e.runCancel != nil {
		e.runCancel()
	}

	if mediaStop != nil {
		mediaStop()
	}

	if pc != nil {
		err := pc.Close()
		if err != nil {
			logging.Logger.Warn("[Cleanup] failed to close peer connection",
				zap.String("call_id", e.callID),
				zap.String("error", err.Error()),
			)
		}
	}

	if started {
		prometheusCalls.ActiveCalls.Dec()
	}

	logging.Logger.Info("[Cleanup] engine torn down", zap.String("call_id", e.callID))
}

func (e *Engine) livePC() *webrtc.PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	return e.pc
}

func (e *Engine) observeConnected() {
	e.mu.Lock()
	first := !e.connectedSeen
	e.connectedSeen = true
	e.mu.Unlock()

	if first {
		prometheusCalls.CallSetupDuration.Observe(time.Since(e.startedAt).Seconds())
	}
}

func (e *Engine) reportMediaError(mediaError *MediaError) {
	if mediaError.Kind == ErrKindPermissionDenied && e.callbacks.OnPermissionDenied != nil {
		e.callbacks.OnPermissionDenied(mediaError.Device)
		return
	}

	e.emitError(mediaError)
}

func (e *Engine) emitError(err error) {
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(err)
	}
}
