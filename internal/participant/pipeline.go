// Package participant implements the light-node side of the Formix
// protocol: reacting to a proposed computation by generating a response
// value, splitting it into additive shares, and distributing one share
// to each of the computation's three coordinators.
package participant

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"

	"github.com/dreamware/formix/internal/protocol"
	"github.com/dreamware/formix/internal/registry"
	"github.com/dreamware/formix/internal/ring"
	"github.com/dreamware/formix/internal/store"
	"github.com/dreamware/formix/internal/transport"
)

// ResponseGenerator produces the value a participant contributes to a
// computation. The default implementation draws a uniform random value
// in [0, 100], matching the reference node's proof-of-concept behavior;
// production deployments wire in a ResponseGenerator that evaluates
// comp.ComputationPrompt against local data instead.
type ResponseGenerator func(ctx context.Context, comp protocol.ComputationPayload) (uint32, error)

// DefaultResponseGenerator reproduces the reference LightNode's
// placeholder response: a uniform random integer between 0 and 100.
func DefaultResponseGenerator(_ context.Context, _ protocol.ComputationPayload) (uint32, error) {
	return uint32(rand.Intn(101)), nil
}

// Pipeline runs the participant side of one node: it holds the set of
// computations already processed (so a computation broadcast that
// arrives more than once, or to more than one of a node's listeners,
// only ever produces one response) and the collaborators needed to
// generate and distribute a response.
type Pipeline struct {
	generate ResponseGenerator
	fabric   *transport.Fabric
	reg      registry.Registry
	st       store.ParticipantStore
	selfUID  string

	processed map[string]struct{}
	mu        sync.Mutex
}

// NewPipeline returns a Pipeline that generates responses with
// DefaultResponseGenerator. Use WithResponseGenerator to override it.
// reg is used to resolve each coordinator UID named in a computation's
// Coordinators field to the endpoint currently on file for it, per
// spec.md §4.4 step 3 ("look up coordinator endpoints in the registry").
func NewPipeline(selfUID string, fabric *transport.Fabric, reg registry.Registry, st store.ParticipantStore) *Pipeline {
	return &Pipeline{
		selfUID:   selfUID,
		fabric:    fabric,
		reg:       reg,
		st:        st,
		generate:  DefaultResponseGenerator,
		processed: make(map[string]struct{}),
	}
}

// WithResponseGenerator overrides the default response generator,
// returning p for chaining.
func (p *Pipeline) WithResponseGenerator(gen ResponseGenerator) *Pipeline {
	p.generate = gen
	return p
}

// HandleComputation runs the full light-node reaction to a proposed
// computation: idempotence check, response generation, share splitting,
// and share distribution to all three coordinators.
//
// The idempotence guard is marked *before* the response value is
// generated, not after shares are sent, matching the reference's
// processed_computations.add(comp_id) placement ahead of any await — a
// retried or duplicated delivery of the same comp_id must never produce
// a second, different random response even if the first delivery's
// share sends are still in flight.
func (p *Pipeline) HandleComputation(ctx context.Context, comp protocol.ComputationPayload) error {
	if !p.markProcessed(comp.CompID) {
		log.Printf("participant[%s]: computation %s already processed, ignoring", p.selfUID, comp.CompID)
		return nil
	}

	value, err := p.generate(ctx, comp)
	if err != nil {
		return fmt.Errorf("participant: generating response for %s: %w", comp.CompID, err)
	}
	log.Printf("participant[%s]: responding to %s with value %d", p.selfUID, comp.CompID, value)

	if err := p.st.UpsertResponse(ctx, comp.CompID, value); err != nil {
		return fmt.Errorf("participant: storing response for %s: %w", comp.CompID, err)
	}
	_ = p.st.AppendLog(ctx, store.LogEntry{CompID: comp.CompID, Action: "response_generated"})

	shares, err := ring.Split(value, len(comp.Coordinators))
	if err != nil {
		return fmt.Errorf("participant: splitting response for %s: %w", comp.CompID, err)
	}

	var errs []error
	for i, coordUID := range comp.Coordinators {
		node, err := p.reg.LookupNode(ctx, coordUID)
		if err != nil {
			log.Printf("participant[%s]: resolving coordinator %s: %v", p.selfUID, coordUID, err)
			errs = append(errs, err)
			continue
		}
		payload := protocol.SharePayload{CompID: comp.CompID, SenderUID: p.selfUID, ShareValue: shares[i]}
		if err := p.fabric.Send(ctx, node.Endpoint, protocol.TypeShare, payload); err != nil {
			log.Printf("participant[%s]: failed to send share to %s (%s): %v", p.selfUID, coordUID, node.Endpoint, err)
			errs = append(errs, err)
			continue
		}
	}
	_ = p.st.AppendLog(ctx, store.LogEntry{CompID: comp.CompID, Action: "shares_distributed"})

	if len(errs) == len(comp.Coordinators) {
		return fmt.Errorf("participant: failed to deliver any share for %s: %w", comp.CompID, errs[0])
	}
	return nil
}

// markProcessed returns true the first time compID is seen, false on
// every subsequent call.
func (p *Pipeline) markProcessed(compID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.processed[compID]; seen {
		return false
	}
	p.processed[compID] = struct{}{}
	return true
}
