package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConnectionLost is surfaced when an ICE restart attempt itself fails.
// There is no further automatic retry beyond it.
var ErrConnectionLost = errors.New("connection lost, ice restart failed")

type ErrorKind string

const (
	ErrKindPermissionDenied ErrorKind = "permission_denied"
	ErrKindDeviceNotFound   ErrorKind = "device_not_found"
	ErrKindDeviceBusy       ErrorKind = "device_busy"
	ErrKindUnsupported      ErrorKind = "unsupported_platform"
	ErrKindNegotiation      ErrorKind = "negotiation"
	ErrKindGeneric          ErrorKind = "generic"
)

const (
	DeviceMicrophone = "microphone"
	DeviceCamera     = "camera"
)

// MediaError carries the classified cause of a media acquisition failure so
// the consumer can give targeted remediation instead of a raw driver message.
type MediaError struct {
	Kind   ErrorKind
	Device string
	Err    error
}

func (mediaError *MediaError) Error() string {
	if mediaError.Device != "" {
		return fmt.Sprintf("media error (%s, %s): %v", mediaError.Kind, mediaError.Device, mediaError.Err)
	}

	return fmt.Sprintf("media error (%s): %v", mediaError.Kind, mediaError.Err)
}

func (mediaError *MediaError) Unwrap() error {
	return mediaError.Err
}

// classifyMediaError maps a raw capture error onto the error taxonomy. Driver
// errors are plain strings, so classification is by message content.
func classifyMediaError(device string, err error) *MediaError {
	msg := strings.ToLower(err.Error())

	kind := ErrKindGeneric

	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "access denied"),
		strings.Contains(msg, "operation not permitted"):
		kind = ErrKindPermissionDenied
	case strings.Contains(msg, "no such device"),
		strings.Contains(msg, "no such file"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "failed to find"):
		kind = ErrKindDeviceNotFound
	case strings.Contains(msg, "device or resource busy"),
		strings.Contains(msg, "in use"):
		kind = ErrKindDeviceBusy
	case strings.Contains(msg, "not supported"),
		strings.Contains(msg, "unsupported"):
		kind = ErrKindUnsupported
	}

	return &MediaError{Kind: kind, Device: device, Err: err}
}
