// Package transport implements the messaging fabric that coordinator and
// participant nodes use to exchange protocol.Envelope messages over
// HTTP+JSON.
//
// Three operations are exposed, matching the three communication
// patterns the aggregation protocol needs:
//
//   - Send: point-to-point delivery with retries and linear backoff.
//   - Broadcast: fan-out to many endpoints with bounded concurrency.
//   - RequestResponse: single-attempt request that returns a nil
//     response (rather than an error) on any failure, because the
//     coordinator state machine treats a missing reveal response as
//     "peer unavailable", not as a fatal condition.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/formix/internal/protocol"
)

// httpClient is shared across all fabric operations for connection reuse,
// matching the teacher's package-level client pattern.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// Config holds the fabric's tunable parameters, sourced from spec.md §6's
// configuration table.
type Config struct {
	// Retries is the number of attempts Send makes before giving up (R).
	Retries int
	// Backoff is the unit backoff duration; attempt i waits Backoff*(i+1) (b).
	Backoff time.Duration
	// MaxConcurrent bounds how many in-flight requests Broadcast allows.
	MaxConcurrent int
}

// DefaultConfig returns the fabric configuration recommended by spec.md §6.
func DefaultConfig() Config {
	return Config{
		Retries:       3,
		Backoff:       time.Second,
		MaxConcurrent: 10,
	}
}

// Fabric sends and receives protocol envelopes on behalf of a single
// node, identified by senderUID in every outgoing envelope.
type Fabric struct {
	cfg       Config
	senderUID string
}

// New returns a Fabric that stamps senderUID on every envelope it sends.
func New(senderUID string, cfg Config) *Fabric {
	return &Fabric{cfg: cfg, senderUID: senderUID}
}

// Send delivers a single envelope to endpoint's /message handler,
// retrying on connection and timeout failures with linear backoff:
// attempt i waits cfg.Backoff*(i+1) before the next try. It gives up and
// returns the last error after cfg.Retries attempts. A non-2xx response
// is a different failure mode — the peer was reachable and rejected the
// request — so per spec.md §4.5 it is logged and returned immediately,
// without consuming a retry.
func (f *Fabric) Send(ctx context.Context, endpoint string, msgType protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(msgType, f.senderUID, payload)
	if err != nil {
		return err
	}

	attempt := 0
	policy := backoff.WithContext(&linearBackOff{unit: f.cfg.Backoff, attempt: &attempt, max: f.cfg.Retries}, ctx)

	return backoff.Retry(func() error {
		err := postEnvelope(ctx, endpoint, env)
		attempt++
		var se *statusError
		if errors.As(err, &se) {
			log.Printf("transport: non-2xx response from %s, not retrying: %v", endpoint, se)
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// BroadcastResult carries the outcome of one endpoint in a Broadcast call.
type BroadcastResult struct {
	Err      error
	Endpoint string
}

// Broadcast sends the same envelope to every endpoint concurrently,
// bounded by cfg.MaxConcurrent in-flight requests at a time. Each
// endpoint's Send runs with the fabric's normal retry policy; a failure
// on one endpoint never prevents delivery to the others.
func (f *Fabric) Broadcast(ctx context.Context, endpoints []string, msgType protocol.MessageType, payload any) []BroadcastResult {
	results := make([]BroadcastResult, len(endpoints))
	sem := semaphore.NewWeighted(int64(f.cfg.MaxConcurrent))

	done := make(chan struct{})
	for i, ep := range endpoints {
		i, ep := i, ep
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = BroadcastResult{Endpoint: ep, Err: err}
				done <- struct{}{}
				return
			}
			defer sem.Release(1)

			err := f.Send(ctx, ep, msgType, payload)
			results[i] = BroadcastResult{Endpoint: ep, Err: err}
			done <- struct{}{}
		}()
	}
	for range endpoints {
		<-done
	}

	succeeded := 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		}
	}
	log.Printf("transport: broadcast complete, %d/%d succeeded", succeeded, len(endpoints))

	return results
}

// RequestResponse sends a single attempt (no retry beyond the one HTTP
// call) and decodes the JSON reply into a value of type T, returning nil
// instead of an error when the call fails for any reason. The
// reveal-request exchange relies on this "missing means unavailable"
// semantic rather than treating peer failure as fatal.
func RequestResponse[T any](ctx context.Context, endpoint string, msgType protocol.MessageType, senderUID string, payload any, timeout time.Duration) *T {
	env, err := protocol.NewEnvelope(msgType, senderUID, payload)
	if err != nil {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := postEnvelopeDecoded[T](reqCtx, endpoint, env)
	if err != nil {
		log.Printf("transport: request_response to %s failed: %v", endpoint, err)
		return nil
	}
	return out
}

func postEnvelope(ctx context.Context, endpoint string, env protocol.Envelope) error {
	_, err := postEnvelopeDecoded[json.RawMessage](ctx, endpoint, env)
	return err
}

func postEnvelopeDecoded[T any](ctx context.Context, endpoint string, env protocol.Envelope) (*T, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/message", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, &statusError{endpoint: endpoint, status: resp.StatusCode}
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// An empty or non-JSON body is a valid "acknowledged, no payload"
		// reply for fire-and-forget sends. Decode failures are not reported
		// as errors to any caller: the result is nil with a nil error, which
		// RequestResponse returns as its nil "no reply" result.
		return nil, nil
	}
	return &out, nil
}

// statusError reports that a peer was reached but replied with a non-2xx
// status, as distinct from a connection or timeout failure. Send uses
// this distinction to decide whether a failure is worth retrying.
type statusError struct {
	endpoint string
	status   int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("transport: %s returned status %d", e.endpoint, e.status)
}

// linearBackOff implements backoff.BackOff with the fabric's linear
// schedule (attempt i waits unit*(i+1)) instead of the library's default
// exponential curve, and reports backoff.Stop once max attempts have
// been used.
type linearBackOff struct {
	attempt *int
	unit    time.Duration
	max     int
}

func (l *linearBackOff) Reset() {}

func (l *linearBackOff) NextBackOff() time.Duration {
	if *l.attempt >= l.max {
		return backoff.Stop
	}
	// *l.attempt counts the attempts already made, so the wait after
	// attempt i (zero-based) is unit*(i+1) = unit * *l.attempt.
	return l.unit * time.Duration(*l.attempt)
}
