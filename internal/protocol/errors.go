package protocol

import "errors"

// Sentinel errors for Envelope validation. Comparable with errors.Is.
var (
	ErrUnknownType  = errors.New("protocol: unknown message type")
	ErrMissingField = errors.New("protocol: missing required field")
)
