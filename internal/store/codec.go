package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrCorruptCheckpoint is returned for bytes that are not a well-formed
	// envelope.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

	// ErrUnsupportedVersion is returned for envelopes written in a format
	// this build cannot read.
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
)

// Encode serializes env as indented JSON.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("checkpoint cannot be nil")
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	return data, nil
}

// Decode parses an envelope. The version is read before anything else so
// that future formats fail with ErrUnsupportedVersion rather than as
// corrupt data.
func Decode(data []byte) (*Envelope, error) {
	var header struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if header.Version == nil {
		return nil, fmt.Errorf("%w: missing version", ErrCorruptCheckpoint)
	}
	if *header.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, *header.Version)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
	}
	return &env, nil
}
