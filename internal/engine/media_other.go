//go:build !linux || !cgo

package engine

import (
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// initMediaPC on non-Linux platforms has no capture drivers wired in: the
// call proceeds receive-only and the consumer gets a classified
// unsupported-platform error instead of a generic failure.
func initMediaPC(
	callID string,
	callType string,
	report func(*MediaError),
) (*webrtc.PeerConnection, []localTrack, func(), mediadevices.MediaStream, error) {
	api := webrtc.NewAPI(webrtc.WithSettingEngine(newSettingEngine()))

	pc, err := api.NewPeerConnection(newICEConfiguration())
	if err != nil {
		return nil, nil, nil, nil, err
	}

	if report != nil {
		report(&MediaError{
			Kind: ErrKindUnsupported,
			Err:  errors.New("local media capture is not supported on this platform"),
		})
	}

	addRecvOnlyTransceivers(callID, pc)

	return pc, nil, nil, nil, nil
}
