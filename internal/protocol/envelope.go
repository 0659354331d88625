// Package protocol defines the wire-level message envelope exchanged
// between coordinator and participant nodes, and the per-type field
// validation that the messaging fabric applies before dispatch.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of payload carried in an Envelope.
type MessageType string

const (
	// TypeComputation proposes a new computation to a participant or
	// coordinator. Carries the full ComputationDescriptor fields.
	TypeComputation MessageType = "computation"

	// TypeShare carries one participant's secret share to a coordinator.
	TypeShare MessageType = "share"

	// TypeInitConfirm is sent by a secondary coordinator to the primary
	// once it has initialized its local aggregation state.
	TypeInitConfirm MessageType = "init_confirm"

	// TypeRevealRequest is sent by the primary coordinator to a secondary,
	// asking it to report its partial sum and participant count.
	TypeRevealRequest MessageType = "reveal_request"

	// TypeRevealResponse is the secondary's reply to TypeRevealRequest.
	TypeRevealResponse MessageType = "reveal_response"
)

// Envelope is the JSON structure exchanged over POST /message. Sender
// and timestamp are populated by the sending node; payload fields are
// validated per Type against requiredFields by Validate, which the
// /message handlers call before dispatching it.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Type      MessageType     `json:"type"`
	SenderUID string          `json:"sender_uid,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope builds an Envelope with the timestamp set to now and the
// payload marshaled from v.
func NewEnvelope(msgType MessageType, senderUID string, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal payload for %s: %w", msgType, err)
	}
	return Envelope{
		Type:      msgType,
		SenderUID: senderUID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// requiredFields lists the payload keys that must be present (and, for
// strings, non-empty) for each message type, mirroring the reference
// messaging layer's per-type validation table.
var requiredFields = map[MessageType][]string{
	TypeComputation: {
		"comp_id", "proposer_uid", "coordinators",
		"computation_prompt", "response_schema", "deadline", "min_participants",
	},
	TypeShare:          {"comp_id", "sender_uid", "share_value"},
	TypeInitConfirm:    {"comp_id", "sender_uid"},
	TypeRevealRequest:  {"comp_id", "sender_uid"},
	TypeRevealResponse: {"comp_id", "sender_uid", "partial_sum", "participant_count", "status"},
}

// Validate checks that env.Payload decodes as a JSON object and contains
// every field requiredFields names for env.Type. An unrecognized type
// yields an error comparable with errors.Is against ErrUnknownType; a
// non-object payload or a missing field yields one comparable against
// ErrMissingField, naming the first offending field.
func (env Envelope) Validate() error {
	fields, known := requiredFields[env.Type]
	if !known {
		return fmt.Errorf("%w: unknown message type %q", ErrUnknownType, env.Type)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &obj); err != nil {
		return fmt.Errorf("%w: payload is not a JSON object: %v", ErrMissingField, err)
	}

	for _, f := range fields {
		raw, present := obj[f]
		if !present || isJSONEmpty(raw) {
			return fmt.Errorf("%w: %q missing from %s payload", ErrMissingField, f, env.Type)
		}
	}
	return nil
}

func isJSONEmpty(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", `""`:
		return true
	default:
		return false
	}
}
