// Command coordinator runs a Formix heavy node: the coordinator side of
// the secure-average protocol. It collects participant shares for every
// computation that designates it, exchanges partial sums with its two
// peer coordinators, and reconstructs (when primary) the final result.
//
// Configuration is environment-variable driven, following the teacher's
// getenv(key, default) convention:
//
//	COORDINATOR_ADDR        listen address (default ":8080")
//	COORDINATOR_ENDPOINT    address other nodes use to reach this one
//	                        (default "http://localhost"+COORDINATOR_ADDR)
//	COORDINATOR_UID         this node's registry UID (default "heavy-" plus a random uuid)
//	REGISTRY_BACKEND        "memory" or "postgres" (default "memory")
//	POSTGRES_DSN            required when REGISTRY_BACKEND=postgres
//	HEALTH_CHECK_INTERVAL   duration string (default "5s")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/formix/internal/coordinator"
	"github.com/dreamware/formix/internal/nodeapp"
	"github.com/dreamware/formix/internal/protocol"
	"github.com/dreamware/formix/internal/registry"
	"github.com/dreamware/formix/internal/store"
	"github.com/dreamware/formix/internal/transport"
)

func main() {
	ctx := context.Background()

	addr := nodeapp.Getenv("COORDINATOR_ADDR", ":8080")
	endpoint := nodeapp.Getenv("COORDINATOR_ENDPOINT", "http://localhost"+addr)
	uid := nodeapp.Getenv("COORDINATOR_UID", "heavy-"+uuid.NewString())

	reg, err := openRegistry(ctx)
	if err != nil {
		log.Fatalf("opening registry: %v", err)
	}

	healthInterval := 5 * time.Second
	if parsed, err := time.ParseDuration(nodeapp.Getenv("HEALTH_CHECK_INTERVAL", "5s")); err == nil {
		healthInterval = parsed
	}

	srv := newServer(uid, endpoint, reg)
	srv.healthMonitor = coordinator.NewHealthMonitor(healthInterval)
	srv.healthMonitor.SetOnUnhealthy(func(nodeID string) {
		log.Printf("coordinator %s: peer %s is unhealthy", uid, nodeID)
		if err := reg.SetNodeStatus(context.Background(), nodeID, registry.StatusInactive); err != nil {
			log.Printf("coordinator %s: recording %s inactive: %v", uid, nodeID, err)
		}
		srv.notifyAggregationsPeerUnhealthy(nodeID)
	})
	srv.healthMonitor.SetOnRecovered(func(nodeID string) {
		log.Printf("coordinator %s: peer %s recovered", uid, nodeID)
		if err := reg.SetNodeStatus(context.Background(), nodeID, registry.StatusActive); err != nil {
			log.Printf("coordinator %s: recording %s active: %v", uid, nodeID, err)
		}
	})
	go srv.healthMonitor.Start(ctx, func() []registry.NodeRecord {
		nodes, err := reg.ListNodes(ctx)
		if err != nil {
			log.Printf("coordinator %s: listing nodes for health monitor: %v", uid, err)
			return nil
		}
		return nodes
	})

	if err := reg.RegisterNode(ctx, registry.NodeRecord{UID: uid, Role: registry.RoleCoordinator, Endpoint: endpoint}); err != nil {
		log.Fatalf("registering node: %v", err)
	}

	app := nodeapp.New(uid, addr)
	app.Handle("/message", srv.handleMessage)

	if err := app.Run(ctx); err != nil {
		log.Fatalf("coordinator %s: %v", uid, err)
	}

	srv.healthMonitor.Stop()
	if err := reg.RemoveNode(context.Background(), uid); err != nil {
		log.Printf("coordinator %s: removing self from registry: %v", uid, err)
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

// server holds one coordinator node's runtime state: the shared registry
// and store, the messaging fabric, and one Aggregation instance per
// computation this node has been designated for.
type server struct {
	reg          registry.Registry
	fabric       *transport.Fabric
	store        store.CoordinatorStore
	healthMonitor *coordinator.HealthMonitor
	selfUID      string
	selfEndpoint string

	aggMu        sync.Mutex
	aggregations map[string]*coordinator.Aggregation
}

func newServer(uid, endpoint string, reg registry.Registry) *server {
	return &server{
		reg:          reg,
		fabric:       transport.New(uid, transport.DefaultConfig()),
		store:        store.NewMemoryCoordinatorStore(),
		selfUID:      uid,
		selfEndpoint: endpoint,
		aggregations: make(map[string]*coordinator.Aggregation),
	}
}

// handleMessage dispatches POST /message by envelope type, matching
// spec.md §6's single request/reply endpoint per node.
func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := env.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	switch env.Type {
	case protocol.TypeComputation:
		var payload protocol.ComputationPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		s.handleComputation(ctx, payload)
		writeOK(w)

	case protocol.TypeShare:
		var payload protocol.SharePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		if agg, ok := s.lookupAggregation(payload.CompID); ok {
			agg.HandleShare(ctx, payload.SenderUID, payload.ShareValue)
		} else {
			log.Printf("coordinator %s: no active aggregation for share on %s", s.selfUID, payload.CompID)
		}
		writeOK(w)

	case protocol.TypeInitConfirm:
		var payload protocol.InitConfirmPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		if agg, ok := s.lookupAggregation(payload.CompID); ok {
			agg.HandleInitConfirm(payload.SenderUID)
		}
		writeOK(w)

	case protocol.TypeRevealRequest:
		var payload protocol.RevealRequestPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		agg, ok := s.lookupAggregation(payload.CompID)
		if !ok {
			http.Error(w, "no aggregator found", http.StatusNotFound)
			return
		}
		resp := agg.HandleRevealRequest()
		json.NewEncoder(w).Encode(resp)

	case protocol.TypeRevealResponse:
		var payload protocol.RevealResponsePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		if agg, ok := s.lookupAggregation(payload.CompID); ok {
			agg.HandleRevealResponse(ctx, payload.SenderUID, payload.PartialSum, payload.ParticipantCount)
		}
		writeOK(w)

	default:
		writeOK(w)
	}
}

// handleComputation initializes this node's Aggregation for a newly
// proposed computation, exactly once per comp_id, matching the
// reference's processed_computations guard ahead of any aggregator
// construction. Only nodes named in payload.Coordinators do anything.
func (s *server) handleComputation(ctx context.Context, payload protocol.ComputationPayload) {
	designated := false
	for _, c := range payload.Coordinators {
		if c == s.selfUID {
			designated = true
			break
		}
	}
	if !designated {
		return
	}

	s.aggMu.Lock()
	if _, exists := s.aggregations[payload.CompID]; exists {
		s.aggMu.Unlock()
		return
	}

	comp, err := s.reg.GetComputation(ctx, payload.CompID)
	if err != nil {
		comp = registry.Computation{
			CompID:            payload.CompID,
			ProposerUID:       payload.ProposerUID,
			ComputationPrompt: payload.ComputationPrompt,
			ResponseSchema:    payload.ResponseSchema,
			Coordinators:      payload.Coordinators,
			Deadline:          payload.Deadline,
			MinParticipants:   payload.MinParticipants,
		}
		if err := s.reg.AddComputation(ctx, comp); err != nil {
			log.Printf("coordinator %s: registering computation %s: %v", s.selfUID, payload.CompID, err)
		}
	}

	isPrimary := payload.Coordinators[0] == s.selfUID
	agg := coordinator.NewAggregation(s.selfUID, comp, isPrimary, s.fabric, s.reg, s.store)
	s.aggregations[payload.CompID] = agg
	s.aggMu.Unlock()

	log.Printf("coordinator %s: initializing computation %s (primary=%v)", s.selfUID, payload.CompID, isPrimary)

	go func() {
		participants, err := s.reg.ListNodesByRole(context.Background(), registry.RoleParticipant)
		if err != nil {
			log.Printf("coordinator %s: listing participants: %v", s.selfUID, err)
			return
		}
		endpoints := make([]string, len(participants))
		for i, p := range participants {
			endpoints[i] = p.Endpoint
		}
		agg.Start(context.Background(), endpoints)
	}()
}

// notifyAggregationsPeerUnhealthy fans a health-monitor failure out to
// every aggregation this node is currently running, so one blocked on
// peerUID can give up rather than wait out the rest of its deadline.
func (s *server) notifyAggregationsPeerUnhealthy(peerUID string) {
	s.aggMu.Lock()
	aggs := make([]*coordinator.Aggregation, 0, len(s.aggregations))
	for _, agg := range s.aggregations {
		aggs = append(aggs, agg)
	}
	s.aggMu.Unlock()

	for _, agg := range aggs {
		agg.NotifyPeerUnhealthy(peerUID)
	}
}

func (s *server) lookupAggregation(compID string) (*coordinator.Aggregation, bool) {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()
	agg, ok := s.aggregations[compID]
	return agg, ok
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{Status: "ok"})
}
