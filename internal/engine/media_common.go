package engine

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/wajeehaljunaid491/mimi-calls/internal/config"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	"go.uber.org/zap"
)

// localTrack pairs one captured local track with the RTP sender it is
// attached to, so mute/camera toggles can swap the track without touching
// negotiation.
type localTrack struct {
	kind   webrtc.RTPCodecType
	track  webrtc.TrackLocal
	sender *webrtc.RTPSender
}

// newICEConfiguration builds the connection configuration: a pool of public
// STUN relays plus at least one TURN relay for restrictive NATs, with a
// generous pre-gathered candidate pool to cut negotiation latency.
func newICEConfiguration() webrtc.Configuration {
	servers := []webrtc.ICEServer{
		{URLs: config.Conf.STUNServerList()},
	}

	turnServers := config.Conf.TURNServerList()
	if len(turnServers) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnServers,
			Username:   config.Conf.TURNUsername,
			Credential: config.Conf.TURNPassword,
		})
	}

	return webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: uint8(config.Conf.ICECandidatePoolSize),
	}
}

// newSettingEngine relaxes the ICE timeouts. The default disconnected timeout
// is too short for relay paths that see brief outages during re-keying or
// failover; 30s gives ICE room to self-heal before the grace logic kicks in.
func newSettingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return se
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials
// even when no local media could be captured.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		logging.Logger.Error("[addRecvOnlyTransceivers] AddTransceiver(video) failed",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		logging.Logger.Error("[addRecvOnlyTransceivers] AddTransceiver(audio) failed",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)
	}
}
