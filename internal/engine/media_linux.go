//go:build linux && cgo

package engine

import (
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	"go.uber.org/zap"
)

// initMediaPC creates the peer connection with VP8+Opus codecs and captures
// local camera/mic via pion/mediadevices (V4L2 + malgo). Capture degrades
// through a constraint ladder instead of failing as a unit: full constraints
// first, then a reduced set, then audio only, and finally receive-only
// transceivers so the call can still receive remote media. Every failed rung
// is classified and handed to report so the consumer can show targeted
// remediation.
func initMediaPC(
	callID string,
	callType string,
	report func(*MediaError),
) (*webrtc.PeerConnection, []localTrack, func(), mediadevices.MediaStream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}

	err = webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(newSettingEngine()),
	)

	pc, err := api.NewPeerConnection(newICEConfiguration())
	if err != nil {
		return nil, nil, nil, nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		logging.Logger.Warn("[initMediaPC] no media devices found",
			zap.String("call_id", callID),
		)
	}

	for _, device := range devices {
		logging.Logger.Debug("[initMediaPC] media device",
			zap.String("call_id", callID),
			zap.Any("kind", device.Kind),
			zap.String("label", device.Label),
		)
	}

	wantVideo := callType == callstore.CallTypeVideo

	type attempt struct {
		video   bool
		audio   bool
		reduced bool
		label   string
	}

	attempts := []attempt{
		{wantVideo, true, false, "full"},
		{wantVideo, true, true, "reduced"},
		{false, true, false, "audio-only"},
	}

	if !wantVideo {
		attempts = []attempt{
			{false, true, false, "audio-only"},
			{false, true, true, "audio-reduced"},
		}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			reduced := a.reduced
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG camera nodes, malformed JPEG frames poison
				// the VP8 encoder and break SDP negotiation.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				if reduced {
					c.Width = prop.IntRanged{Max: 320}
					c.Height = prop.IntRanged{Max: 240}
				} else {
					c.Width = prop.IntRanged{Max: 640}
					c.Height = prop.IntRanged{Max: 480}
				}
			}
		}

		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			device := DeviceMicrophone
			if a.video {
				device = DeviceCamera
			}

			classified := classifyMediaError(device, err)
			logging.Logger.Warn("[initMediaPC] GetUserMedia attempt failed",
				zap.String("call_id", callID),
				zap.String("attempt", a.label),
				zap.String("kind", string(classified.Kind)),
				zap.String("error", err.Error()),
			)

			if report != nil {
				report(classified)
			}

			continue
		}

		tracks := stream.GetTracks()
		locals := make([]localTrack, 0, len(tracks))

		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					logging.Logger.Warn("[initMediaPC] local track ended",
						zap.String("call_id", callID),
						zap.String("error", err.Error()),
					)
				}
			})

			sender, err := pc.AddTrack(track)
			if err != nil {
				logging.Logger.Error("[initMediaPC] AddTrack failed",
					zap.String("call_id", callID),
					zap.String("error", err.Error()),
				)

				continue
			}

			locals = append(locals, localTrack{
				kind:   track.Kind(),
				track:  track,
				sender: sender,
			})
		}

		logging.Logger.Info("[initMediaPC] local media captured",
			zap.String("call_id", callID),
			zap.String("attempt", a.label),
			zap.Int("tracks", len(tracks)),
		)

		closeFn := func() {
			for _, t := range tracks {
				t.Close()
			}
		}

		return pc, locals, closeFn, stream, nil
	}

	// All attempts failed, proceed receive-only so the call can still
	// receive remote media without local capture.
	logging.Logger.Warn("[initMediaPC] all media capture attempts failed, proceeding receive-only",
		zap.String("call_id", callID),
	)
	addRecvOnlyTransceivers(callID, pc)

	return pc, nil, nil, nil, nil
}
