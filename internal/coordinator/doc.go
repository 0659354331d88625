// Package coordinator implements the heavy-node side of the Formix
// protocol: the per-computation aggregation state machine that collects
// participant shares, exchanges partial sums with its peer coordinators,
// and reconstructs the final result.
//
// # Overview
//
// Every computation names exactly three coordinators. Each of the three
// keeps its own Aggregation instance for that computation; one of them
// (conventionally the first named, the "primary") drives reconstruction,
// while the other two ("secondaries") report their partial sum back to
// it on request. The package models this with a single type,
// Aggregation, whose behavior differs by role only in a handful of
// methods (initiateReveal is primary-only; HandleRevealRequest is
// secondary-only).
//
// # State machine
//
//	init -> ready -> collecting -> finalizing -> revealing (primary)
//	                                           -> awaiting_reveal (secondary)
//	revealing/awaiting_reveal -> done
//	                          -> failed:<reason>
//
// Transitions:
//   - init -> ready: the coordinator has initialized local aggregation
//     state for the computation and (if secondary) sent an init_confirm
//     to the primary.
//   - ready -> collecting: the primary has either collected init_confirm
//     from both secondaries or exhausted T_init waiting for them, and has
//     broadcast the computation to participants.
//   - collecting -> finalizing: the computation's deadline has elapsed.
//     Share collection stops being accepted past this point.
//   - finalizing -> revealing (primary) / awaiting_reveal (secondary):
//     the coordinator has computed its own partial sum.
//   - revealing -> done: the primary holds all three partial sums and has
//     written the reconstructed result to the registry.
//   - any state -> failed:<reason>: insufficient participants, a missing
//     partial sum after the reveal grace period, or any other terminal
//     validation failure.
//
// # Concurrency
//
// Each Aggregation instance is a single-owner actor: every method that
// touches its mutable fields acquires the instance's own mutex, so
// multiple computations run independently of one another and a slow
// computation never blocks another. Deadline and reveal-grace-period
// timers are driven by time.AfterFunc rather than a shared ticker,
// matching the one-timer-per-unit-of-work shape of the health monitor's
// own ticker loop (see health_monitor.go) but scoped to a single
// computation instead of the whole node.
package coordinator
