package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dreamware/formix/internal/protocol"
	"github.com/dreamware/formix/internal/registry"
)

func TestHandleComputationIgnoresUndesignatedNode(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	srv := newServer("heavy-1", "http://heavy-1", reg)

	payload := protocol.ComputationPayload{
		CompID:       "comp-1",
		Coordinators: [3]string{"heavy-2", "heavy-3", "heavy-4"},
		Deadline:     time.Now().Add(time.Hour),
	}
	srv.handleComputation(context.Background(), payload)

	if _, ok := srv.lookupAggregation("comp-1"); ok {
		t.Error("expected no aggregation to be created for an undesignated node")
	}
}

func TestHandleComputationCreatesAggregationOnce(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	srv := newServer("heavy-1", "http://heavy-1", reg)

	payload := protocol.ComputationPayload{
		CompID:          "comp-1",
		Coordinators:    [3]string{"heavy-1", "heavy-2", "heavy-3"},
		Deadline:        time.Now().Add(time.Hour),
		MinParticipants: 1,
	}
	srv.handleComputation(context.Background(), payload)
	agg, ok := srv.lookupAggregation("comp-1")
	if !ok {
		t.Fatal("expected an aggregation to be created for a designated node")
	}

	srv.handleComputation(context.Background(), payload)
	again, _ := srv.lookupAggregation("comp-1")
	if agg != again {
		t.Error("expected handleComputation to be idempotent for a repeated comp_id")
	}

	if _, err := reg.GetComputation(context.Background(), "comp-1"); err != nil {
		t.Errorf("expected computation to be recorded in the registry: %v", err)
	}
}

func TestHandleMessageRejectsInvalidEnvelope(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	srv := newServer("heavy-1", "http://heavy-1", reg)

	req := httptest.NewRequest("POST", "/message", bytes.NewBufferString(`{"type":"bogus","payload":{}}`))
	w := httptest.NewRecorder()
	srv.handleMessage(w, req)

	if w.Code != 400 {
		t.Errorf("expected 400 for an unknown message type, got %d", w.Code)
	}
}

func TestHandleMessageAcceptsComputation(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	srv := newServer("heavy-1", "http://heavy-1", reg)

	payload := protocol.ComputationPayload{
		CompID:            "comp-1",
		ProposerUID:       "proposer-1",
		ComputationPrompt: "average age",
		ResponseSchema:    "integer",
		Coordinators:      [3]string{"heavy-1", "heavy-2", "heavy-3"},
		Deadline:          time.Now().Add(time.Hour),
		MinParticipants:   1,
	}
	env, err := protocol.NewEnvelope(protocol.TypeComputation, "proposer-1", payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	req := httptest.NewRequest("POST", "/message", bytes.NewBuffer(body))
	w := httptest.NewRecorder()
	srv.handleMessage(w, req)

	if w.Code != 200 {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := srv.lookupAggregation("comp-1"); !ok {
		t.Error("expected handleMessage to have created an aggregation")
	}
}
