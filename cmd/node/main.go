// Command node runs a Formix light node: the participant side of the
// secure-average protocol. It reacts to a proposed computation by
// generating a response value, splitting it into three additive shares,
// and sending one share to each of the computation's coordinators.
//
// Configuration is environment-variable driven, following the teacher's
// getenv(key, default) convention:
//
//	NODE_ADDR               listen address (default ":8081")
//	NODE_ENDPOINT           address other nodes use to reach this one
//	                        (default "http://localhost"+NODE_ADDR)
//	NODE_UID                this node's registry UID (default "light-" plus a random uuid)
//	REGISTRY_BACKEND        "memory" or "postgres" (default "memory")
//	POSTGRES_DSN            required when REGISTRY_BACKEND=postgres
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/dreamware/formix/internal/nodeapp"
	"github.com/dreamware/formix/internal/participant"
	"github.com/dreamware/formix/internal/protocol"
	"github.com/dreamware/formix/internal/registry"
	"github.com/dreamware/formix/internal/store"
	"github.com/dreamware/formix/internal/transport"
)

func main() {
	ctx := context.Background()

	addr := nodeapp.Getenv("NODE_ADDR", ":8081")
	endpoint := nodeapp.Getenv("NODE_ENDPOINT", "http://localhost"+addr)
	uid := nodeapp.Getenv("NODE_UID", "light-"+uuid.NewString())

	reg, err := openRegistry(ctx)
	if err != nil {
		log.Fatalf("opening registry: %v", err)
	}

	if err := registerWithRetry(ctx, reg, uid, endpoint); err != nil {
		log.Fatalf("participant %s: failed to register: %v", uid, err)
	}

	fabric := transport.New(uid, transport.DefaultConfig())
	pipeline := participant.NewPipeline(uid, fabric, reg, store.NewMemoryParticipantStore())

	app := nodeapp.New(uid, addr)
	app.Handle("/message", newMessageHandler(uid, pipeline))

	if err := app.Run(ctx); err != nil {
		log.Fatalf("participant %s: %v", uid, err)
	}

	if err := reg.RemoveNode(context.Background(), uid); err != nil {
		log.Printf("participant %s: removing self from registry: %v", uid, err)
	}
}

func openRegistry(ctx context.Context) (registry.Registry, error) {
	switch nodeapp.Getenv("REGISTRY_BACKEND", "memory") {
	case "postgres":
		dsn := nodeapp.Getenv("POSTGRES_DSN", "")
		if dsn == "" {
			return nil, fmt.Errorf("REGISTRY_BACKEND=postgres requires POSTGRES_DSN")
		}
		return registry.OpenPostgresRegistry(ctx, dsn)
	default:
		return registry.NewMemoryRegistry(), nil
	}
}

// registerWithRetry adds this node to the registry, following the
// teacher's register() retry pattern: up to four attempts rather than
// giving up on the first transient failure. The attempts run back to
// back, with no pause between them.
func registerWithRetry(ctx context.Context, reg registry.Registry, uid, endpoint string) error {
	var lastErr error
	for i := 0; i < 4; i++ {
		lastErr = reg.RegisterNode(ctx, registry.NodeRecord{UID: uid, Role: registry.RoleParticipant, Endpoint: endpoint})
		if lastErr == nil {
			log.Printf("participant %s: registered at %s", uid, endpoint)
			return nil
		}
		log.Printf("participant %s: register attempt %d failed: %v", uid, i+1, lastErr)
	}
	return lastErr
}

// newMessageHandler returns the POST /message handler: it only needs to
// react to TypeComputation envelopes, matching the reference LightNode's
// narrower message vocabulary compared to a heavy node.
func newMessageHandler(selfUID string, pipeline *participant.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env protocol.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := env.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if env.Type != protocol.TypeComputation {
			writeOK(w)
			return
		}

		var payload protocol.ComputationPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		if err := pipeline.HandleComputation(r.Context(), payload); err != nil {
			log.Printf("participant %s: handling computation %s: %v", selfUID, payload.CompID, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeOK(w)
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{Status: "ok"})
}
