package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestNewEnvelopeRoundTrip(t *testing.T) {
	payload := SharePayload{CompID: "comp-1", SenderUID: "light-1", ShareValue: 42}
	env, err := NewEnvelope(TypeShare, "light-1", payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Type != TypeShare {
		t.Errorf("expected type %q, got %q", TypeShare, env.Type)
	}
	if env.SenderUID != "light-1" {
		t.Errorf("expected sender_uid light-1, got %q", env.SenderUID)
	}
	if env.Timestamp.IsZero() {
		t.Error("expected NewEnvelope to stamp a timestamp")
	}
	if err := env.Validate(); err != nil {
		t.Errorf("expected valid envelope, got error: %v", err)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	env := Envelope{Type: "bogus", Payload: []byte(`{}`)}
	err := env.Validate()
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestValidateRejectsMissingField(t *testing.T) {
	env, err := NewEnvelope(TypeInitConfirm, "heavy-1", InitConfirmPayload{CompID: "comp-1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	err = env.Validate()
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField for empty sender_uid, got %v", err)
	}
}

func TestValidateRejectsNonObjectPayload(t *testing.T) {
	env := Envelope{Type: TypeShare, Payload: []byte(`"not an object"`)}
	err := env.Validate()
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField for non-object payload, got %v", err)
	}
}

func TestValidateAcceptsFullRevealResponse(t *testing.T) {
	payload := RevealResponsePayload{
		CompID:           "comp-1",
		SenderUID:        "heavy-2",
		Status:           "ok",
		PartialSum:       7,
		ParticipantCount: 3,
	}
	env, err := NewEnvelope(TypeRevealResponse, "heavy-2", payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Errorf("expected valid envelope, got error: %v", err)
	}
}

func TestValidateAcceptsZeroParticipantCount(t *testing.T) {
	// participant_count is a required field; a JSON 0 is not "empty" by
	// isJSONEmpty's string-literal check, so a genuinely zero count must
	// still pass validation (only absence/null/"" counts as missing).
	payload := RevealResponsePayload{
		CompID:           "comp-1",
		SenderUID:        "heavy-2",
		Status:           "ok",
		PartialSum:       0,
		ParticipantCount: 0,
	}
	env, err := NewEnvelope(TypeRevealResponse, "heavy-2", payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Errorf("expected zero-valued numeric fields to pass validation, got: %v", err)
	}
}

func TestNewEnvelopeTimestampIsUTC(t *testing.T) {
	env, err := NewEnvelope(TypeInitConfirm, "heavy-1", InitConfirmPayload{CompID: "c", SenderUID: "heavy-1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Timestamp.Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got location %v", env.Timestamp.Location())
	}
}
