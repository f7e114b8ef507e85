// Package signaling bridges the durable call record to the in-memory peer
// connection engine. There is no push channel: each peer polls the record on a
// short fixed interval and writes its own payloads back opportunistically.
package signaling

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/wajeehaljunaid491/mimi-calls/internal/callstore"
	"gorm.io/datatypes"
)

var (
	ErrMalformedDescription = errors.New("malformed session description payload")
	ErrMalformedCandidate   = errors.New("malformed ice candidate entry")
)

var validate = validator.New()

// DecodeSessionDescription parses and validates an offer/answer payload read
// from the record. Payloads fail fast here instead of propagating partial
// structures into the engine.
func DecodeSessionDescription(raw []byte) (callstore.SessionDescription, error) {
	var desc callstore.SessionDescription

	err := json.Unmarshal(raw, &desc)
	if err != nil {
		return desc, fmt.Errorf("%w: %w", ErrMalformedDescription, err)
	}

	err = validate.Struct(&desc)
	if err != nil {
		return desc, fmt.Errorf("%w: %w", ErrMalformedDescription, err)
	}

	return desc, nil
}

// EncodeSessionDescription validates and marshals a local description before
// it is written to the record.
func EncodeSessionDescription(desc callstore.SessionDescription) (datatypes.JSON, error) {
	err := validate.Struct(&desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDescription, err)
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}

	return datatypes.JSON(payload), nil
}

// ValidateCandidate checks a candidate entry at the transport boundary.
func ValidateCandidate(entry callstore.IceCandidateEntry) error {
	err := validate.Struct(&entry)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedCandidate, err)
	}

	return nil
}
