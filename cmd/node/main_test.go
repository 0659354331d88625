package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dreamware/formix/internal/participant"
	"github.com/dreamware/formix/internal/protocol"
	"github.com/dreamware/formix/internal/registry"
	"github.com/dreamware/formix/internal/store"
	"github.com/dreamware/formix/internal/transport"
)

func TestRegisterWithRetrySucceedsImmediately(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	if err := registerWithRetry(context.Background(), reg, "light-1", "http://light-1"); err != nil {
		t.Fatalf("registerWithRetry: %v", err)
	}
	node, err := reg.LookupNode(context.Background(), "light-1")
	if err != nil {
		t.Fatalf("LookupNode: %v", err)
	}
	if node.Role != registry.RoleParticipant {
		t.Errorf("expected role %s, got %s", registry.RoleParticipant, node.Role)
	}
}

func TestMessageHandlerDispatchesComputation(t *testing.T) {
	fabric := transport.New("light-1", transport.DefaultConfig())
	reg := registry.NewMemoryRegistry()
	pipeline := participant.NewPipeline("light-1", fabric, reg, store.NewMemoryParticipantStore()).
		WithResponseGenerator(func(_ context.Context, _ protocol.ComputationPayload) (uint32, error) { return 10, nil })
	handler := newMessageHandler("light-1", pipeline)

	payload := protocol.ComputationPayload{
		CompID:            "comp-1",
		ProposerUID:       "proposer-1",
		ComputationPrompt: "average age",
		ResponseSchema:    "integer",
		Coordinators:      [3]string{"heavy-1", "heavy-2", "heavy-3"},
		Deadline:          time.Now().Add(time.Hour),
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
	handler(w, req)

	if w.Code != 500 {
		t.Errorf("expected 500 when no coordinator UID resolves in the registry, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMessageHandlerIgnoresNonComputationEnvelope(t *testing.T) {
	fabric := transport.New("light-1", transport.DefaultConfig())
	reg := registry.NewMemoryRegistry()
	pipeline := participant.NewPipeline("light-1", fabric, reg, store.NewMemoryParticipantStore())
	handler := newMessageHandler("light-1", pipeline)

	env, err := protocol.NewEnvelope(protocol.TypeInitConfirm, "heavy-2", protocol.InitConfirmPayload{CompID: "comp-1", SenderUID: "heavy-2"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	req := httptest.NewRequest("POST", "/message", bytes.NewBuffer(body))
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != 200 {
		t.Errorf("expected 200 for a non-computation envelope, got %d", w.Code)
	}
}
