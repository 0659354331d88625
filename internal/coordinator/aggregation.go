package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/formix/internal/protocol"
	"github.com/dreamware/formix/internal/registry"
	"github.com/dreamware/formix/internal/ring"
	"github.com/dreamware/formix/internal/store"
	"github.com/dreamware/formix/internal/transport"
)

// Timing defaults from spec.md §6's configuration table.
const (
	DefaultInitTimeout   = 3 * time.Second
	DefaultRevealTimeout = 2 * time.Second
)

// Status strings for an Aggregation, mirroring registry.Computation's
// status vocabulary.
const (
	StateInit           = registry.StatusInit
	StateReady          = registry.StatusReady
	StateCollecting     = registry.StatusCollecting
	StateFinalizing     = registry.StatusFinalizing
	StateRevealing      = registry.StatusRevealing
	StateAwaitingReveal = registry.StatusAwaitingReveal
	StateDone           = registry.StatusDone
)

// Failure reasons appended after "failed:" in the terminal status string.
const (
	ReasonInsufficientParticipants = "insufficient_participants"
	ReasonAnonymityThreshold       = "anonymity_threshold_not_met"
	ReasonMissingPartialSums       = "missing_partial_sums"
	ReasonPrimaryUnreachable       = "primary_unreachable"
)

// Aggregation is the per-(coordinator, computation) actor that
// implements the state machine described in doc.go. One instance exists
// per computation on each of its three coordinators; which behaviors
// apply (primary vs. secondary) is determined by isPrimary.
type Aggregation struct {
	deadlineTimer *time.Timer
	revealTimer   *time.Timer

	fabric    *transport.Fabric
	store     store.CoordinatorStore
	reg       registry.Registry
	comp      registry.Computation
	selfUID   string
	state     string
	failedMsg string

	receivedShares       map[string]uint32 // participant UID -> share
	partialSumsFromPeers map[string]uint32 // peer coordinator UID -> partial sum
	initConfirms         map[string]struct{}
	ownPartialSum        uint32

	isPrimary bool
	completed bool

	initTimeout   time.Duration
	revealTimeout time.Duration

	mu sync.Mutex
}

// NewAggregation creates an Aggregation for comp on the coordinator
// identified by selfUID, wiring it to the shared fabric, registry and
// local store. isPrimary must be true on exactly one of the three
// coordinators handling comp (conventionally comp.Coordinators[0]).
func NewAggregation(selfUID string, comp registry.Computation, isPrimary bool, fabric *transport.Fabric, reg registry.Registry, st store.CoordinatorStore) *Aggregation {
	return &Aggregation{
		selfUID:              selfUID,
		comp:                 comp,
		isPrimary:            isPrimary,
		state:                StateInit,
		fabric:               fabric,
		reg:                  reg,
		store:                st,
		receivedShares:       make(map[string]uint32),
		partialSumsFromPeers: make(map[string]uint32),
		initConfirms:         make(map[string]struct{}),
		initTimeout:          DefaultInitTimeout,
		revealTimeout:        DefaultRevealTimeout,
	}
}

// State returns the aggregation's current status string, which is
// either one of the State* constants or "failed:<reason>" once terminal.
func (a *Aggregation) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start transitions init -> ready. A secondary sends init_confirm to the
// primary; the primary waits up to initTimeout for both secondaries'
// confirmations before broadcasting the computation to participants and
// scheduling the deadline-triggered finalization, proceeding regardless
// of whether confirmations arrived in time (a degraded-but-continuing
// barrier, matching the reference's "Proceeding without confirmations"
// behavior).
func (a *Aggregation) Start(ctx context.Context, participantEndpoints []string) {
	a.mu.Lock()
	a.state = StateReady
	primaryUID := a.comp.Coordinators[0]
	a.mu.Unlock()

	if !a.isPrimary {
		primaryEndpoint, err := a.resolveEndpoint(ctx, primaryUID)
		if err != nil {
			log.Printf("aggregation[%s]: resolving primary %s: %v", a.comp.CompID, primaryUID, err)
		} else {
			payload := protocol.InitConfirmPayload{CompID: a.comp.CompID, SenderUID: a.selfUID}
			if err := a.fabric.Send(ctx, primaryEndpoint, protocol.TypeInitConfirm, payload); err != nil {
				log.Printf("aggregation[%s]: failed to send init_confirm: %v", a.comp.CompID, err)
			}
		}
		a.scheduleDeadline(ctx)
		return
	}

	a.waitForInitConfirms(ctx)

	a.mu.Lock()
	a.state = StateCollecting
	a.mu.Unlock()

	payload := protocol.ComputationPayload{
		CompID:            a.comp.CompID,
		ProposerUID:       a.comp.ProposerUID,
		Coordinators:      a.comp.Coordinators,
		ComputationPrompt: a.comp.ComputationPrompt,
		ResponseSchema:    a.comp.ResponseSchema,
		Deadline:          a.comp.Deadline,
		MinParticipants:   a.comp.MinParticipants,
	}
	results := a.fabric.Broadcast(ctx, participantEndpoints, protocol.TypeComputation, payload)
	for _, r := range results {
		if r.Err != nil {
			log.Printf("aggregation[%s]: broadcast to %s failed: %v", a.comp.CompID, r.Endpoint, r.Err)
		}
	}

	a.scheduleDeadline(ctx)
}

// waitForInitConfirms blocks the primary up to initTimeout, polling for
// the two secondaries' init_confirm messages (recorded via
// HandleInitConfirm from the HTTP handler goroutine).
func (a *Aggregation) waitForInitConfirms(ctx context.Context) {
	deadline := time.Now().Add(a.initTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		a.mu.Lock()
		haveAll := len(a.initConfirms) >= 2
		a.mu.Unlock()
		if haveAll {
			return
		}
		if time.Now().After(deadline) {
			log.Printf("aggregation[%s]: proceeding without all init_confirm messages", a.comp.CompID)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HandleInitConfirm records that senderUID (a secondary) has confirmed
// initialization. Only meaningful on the primary.
func (a *Aggregation) HandleInitConfirm(senderUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initConfirms[senderUID] = struct{}{}
}

// HandleShare records a participant's share, honoring last-writer-wins
// on duplicate senders (Open Question #5 of the design notes). Shares
// arriving after the computation has left the collecting state are
// accepted into the store for audit purposes but are not counted toward
// the aggregate, matching the reference's lack of late-share filtering
// (Open Question #4) while still keeping finalization deterministic
// once it has started.
func (a *Aggregation) HandleShare(ctx context.Context, senderUID string, share uint32) {
	a.mu.Lock()
	accept := a.state == StateCollecting || a.state == StateReady
	if accept {
		a.receivedShares[senderUID] = share
	}
	a.mu.Unlock()

	if err := a.store.UpsertShare(ctx, a.comp.CompID, senderUID, share); err != nil {
		log.Printf("aggregation[%s]: persisting share from %s: %v", a.comp.CompID, senderUID, err)
	}
	_ = a.store.AppendLog(ctx, store.LogEntry{CompID: a.comp.CompID, Action: "share_received", Details: senderUID})
}

// scheduleDeadline arms a timer that fires onDeadline once comp.Deadline
// has elapsed.
func (a *Aggregation) scheduleDeadline(ctx context.Context) {
	delay := time.Until(a.comp.Deadline)
	if delay < 0 {
		delay = 0
	}
	a.mu.Lock()
	a.deadlineTimer = time.AfterFunc(delay, func() { a.onDeadline(ctx) })
	a.mu.Unlock()
}

// onDeadline fires when the computation's deadline elapses. It checks
// the anonymity threshold against locally received shares; on failure it
// marks the computation failed:insufficient_participants. On success it
// computes this coordinator's partial sum and, for the primary,
// initiates the reveal exchange; for a secondary, it simply waits for
// the primary's reveal_request.
func (a *Aggregation) onDeadline(ctx context.Context) {
	a.mu.Lock()
	numShares := len(a.receivedShares)
	meetsThreshold := numShares >= a.comp.MinParticipants
	isPrimary := a.isPrimary
	a.state = StateFinalizing
	a.mu.Unlock()

	if !meetsThreshold {
		details := fmt.Sprintf("only %d of %d required shares received", numShares, a.comp.MinParticipants)
		if isPrimary {
			a.fail(ctx, ReasonInsufficientParticipants, details)
		} else {
			// A secondary fails only its own local state and never writes
			// to the shared registry; only the primary's check is
			// authoritative (spec.md §3: status has a single writer, the
			// primary).
			a.failLocal(ReasonInsufficientParticipants, details)
		}
		return
	}

	a.mu.Lock()
	var sum uint32
	for _, s := range a.receivedShares {
		sum += s
	}
	a.ownPartialSum = sum
	a.mu.Unlock()

	if isPrimary {
		a.mu.Lock()
		a.state = StateRevealing
		a.mu.Unlock()
		a.initiateReveal(ctx)
		return
	}

	a.mu.Lock()
	a.state = StateAwaitingReveal
	a.mu.Unlock()
	log.Printf("aggregation[%s]: waiting for reveal_request", a.comp.CompID)
}

// initiateReveal runs on the primary once its own partial sum is ready.
// It rechecks the anonymity threshold, requests a partial sum from each
// secondary, then waits a flat revealTimeout grace period before
// attempting final reconstruction — matching the reference's behavior of
// tolerating a slow-but-eventually-successful secondary rather than
// failing the instant one reveal_request comes back empty. A
// reveal_response that arrives during the grace period can also trigger
// reconstruction immediately through HandleRevealResponse; attemptReconstruct
// is idempotent so whichever trigger fires first wins.
func (a *Aggregation) initiateReveal(ctx context.Context) {
	a.mu.Lock()
	numShares := len(a.receivedShares)
	meetsThreshold := numShares >= a.comp.MinParticipants
	secondaries := []string{a.comp.Coordinators[1], a.comp.Coordinators[2]}
	a.mu.Unlock()

	if !meetsThreshold {
		a.fail(ctx, ReasonAnonymityThreshold, "anonymity threshold no longer met at reveal time")
		return
	}

	for _, secondaryUID := range secondaries {
		endpoint, err := a.resolveEndpoint(ctx, secondaryUID)
		if err != nil {
			log.Printf("aggregation[%s]: resolving secondary %s: %v", a.comp.CompID, secondaryUID, err)
			continue
		}
		payload := protocol.RevealRequestPayload{CompID: a.comp.CompID, SenderUID: a.selfUID}
		resp := transport.RequestResponse[protocol.RevealResponsePayload](ctx, endpoint, protocol.TypeRevealRequest, a.selfUID, payload, 10*time.Second)
		if resp != nil && resp.Status == "ok" {
			a.HandleRevealResponse(ctx, resp.SenderUID, resp.PartialSum, resp.ParticipantCount)
		}
	}

	a.mu.Lock()
	revealTimeout := a.revealTimeout
	a.mu.Unlock()
	timer := time.AfterFunc(revealTimeout, func() { a.attemptReconstruct(ctx) })
	a.mu.Lock()
	a.revealTimer = timer
	a.mu.Unlock()
}

// HandleRevealRequest runs on a secondary in response to the primary's
// reveal_request. It returns the payload the HTTP handler should send
// back as a reveal_response, and moves a secondary that was awaiting the
// request to done.
func (a *Aggregation) HandleRevealRequest() protocol.RevealResponsePayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateAwaitingReveal {
		a.state = StateDone
	}
	return protocol.RevealResponsePayload{
		CompID:           a.comp.CompID,
		SenderUID:        a.selfUID,
		Status:           "ok",
		PartialSum:       a.ownPartialSum,
		ParticipantCount: len(a.receivedShares),
	}
}

// HandleRevealResponse runs on the primary when a secondary's partial
// sum arrives, either as the direct reply to RequestResponse or as an
// independently POSTed reveal_response. If this completes the set of
// three partial sums, it attempts reconstruction immediately rather than
// waiting out the rest of the grace period.
func (a *Aggregation) HandleRevealResponse(ctx context.Context, senderUID string, partialSum uint32, _ int) {
	a.mu.Lock()
	a.partialSumsFromPeers[senderUID] = partialSum
	ready := len(a.partialSumsFromPeers) >= 2
	a.mu.Unlock()

	if ready {
		a.attemptReconstruct(ctx)
	}
}

// attemptReconstruct is safe to call from multiple triggers (the reveal
// grace-period timer and HandleRevealResponse both call it); the
// completed guard ensures the registry is written and the aggregation
// finalized exactly once.
func (a *Aggregation) attemptReconstruct(ctx context.Context) {
	a.mu.Lock()
	if a.completed {
		a.mu.Unlock()
		return
	}
	if len(a.partialSumsFromPeers) < 2 {
		a.completed = true
		missing := a.missingPeersLocked()
		a.mu.Unlock()
		a.fail(ctx, ReasonMissingPartialSums, fmt.Sprintf("missing partial sums from: %v", missing))
		return
	}

	sums := []uint32{a.ownPartialSum}
	for _, s := range a.partialSumsFromPeers {
		sums = append(sums, s)
	}
	participants := len(a.receivedShares)
	a.completed = true
	a.state = StateDone
	a.mu.Unlock()

	result := ring.Reconstruct(sums)

	if err := a.reg.SetComputationResult(ctx, a.comp.CompID, result, participants); err != nil {
		log.Printf("aggregation[%s]: writing result to registry: %v", a.comp.CompID, err)
	}
	_ = a.store.AppendLog(ctx, store.LogEntry{CompID: a.comp.CompID, Action: "reconstruction_complete"})
	log.Printf("aggregation[%s]: reconstructed result=%d participants=%d", a.comp.CompID, result, participants)
}

// NotifyPeerUnhealthy reacts to a liveness failure reported by
// HealthMonitor for peerUID. A secondary that has moved to
// StateAwaitingReveal has no other way to learn that the primary is
// gone: it would otherwise wait indefinitely for a reveal_request that
// will never arrive, since nothing else times out that state. Once
// health checking confirms the primary is dead, the secondary fails
// locally instead — never touching the registry, since only the
// primary's view of the outcome is authoritative (spec.md §3).
func (a *Aggregation) NotifyPeerUnhealthy(peerUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isPrimary || a.state != StateAwaitingReveal || peerUID != a.comp.Coordinators[0] {
		return
	}
	details := fmt.Sprintf("primary %s reported unhealthy while awaiting reveal_request", peerUID)
	a.state = "failed:" + ReasonPrimaryUnreachable
	a.failedMsg = details
	log.Printf("aggregation[%s]: local-only failure (not written to registry): %s (%s)", a.comp.CompID, ReasonPrimaryUnreachable, details)
}

// resolveEndpoint looks up uid in the registry and returns the endpoint
// currently on file for it, per spec.md §4.4 step 3 ("look up coordinator
// endpoints in the registry for K.coordinators"). comp.Coordinators holds
// node uids, never endpoints directly, so every outbound coordinator-to-
// coordinator send must go through this resolution first.
func (a *Aggregation) resolveEndpoint(ctx context.Context, uid string) (string, error) {
	node, err := a.reg.LookupNode(ctx, uid)
	if err != nil {
		return "", err
	}
	return node.Endpoint, nil
}

func (a *Aggregation) missingPeersLocked() []string {
	var missing []string
	for _, uid := range a.comp.Coordinators[1:] {
		if _, ok := a.partialSumsFromPeers[uid]; !ok {
			missing = append(missing, uid)
		}
	}
	return missing
}

func (a *Aggregation) fail(ctx context.Context, reason, details string) {
	a.mu.Lock()
	a.state = "failed:" + reason
	a.failedMsg = details
	a.mu.Unlock()

	if err := a.reg.SetComputationStatus(ctx, a.comp.CompID, "failed:"+reason); err != nil {
		log.Printf("aggregation[%s]: writing failure status: %v", a.comp.CompID, err)
	}
	_ = a.store.AppendLog(ctx, store.LogEntry{CompID: a.comp.CompID, Action: "failed", Details: reason + ": " + details})
	log.Printf("aggregation[%s]: failed: %s (%s)", a.comp.CompID, reason, details)
}

// failLocal records a terminal failure in this aggregation's own state
// without touching the shared registry. The registry's status column
// has a single writer — the primary (spec.md §3) — so a secondary that
// independently fails its own threshold check only reflects that in its
// local state; it must never race the primary's own (possibly
// successful) registry write.
func (a *Aggregation) failLocal(reason, details string) {
	a.mu.Lock()
	a.state = "failed:" + reason
	a.failedMsg = details
	a.mu.Unlock()
	log.Printf("aggregation[%s]: local-only failure (not written to registry): %s (%s)", a.comp.CompID, reason, details)
}
