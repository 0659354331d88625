package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dreamware/formix/internal/protocol"
)

func TestSendSucceedsOnFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New("heavy-1", Config{Retries: 3, Backoff: time.Millisecond, MaxConcurrent: 10})
	err := f.Send(context.Background(), srv.URL, protocol.TypeInitConfirm, protocol.InitConfirmPayload{CompID: "c", SenderUID: "heavy-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

// hijackAndClose aborts the connection without writing any HTTP response,
// so the client observes a genuine connection failure (closed/reset)
// rather than a non-2xx status — the only kind of failure Send retries.
func hijackAndClose(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	hj, ok := w.(http.Hijacker)
	if !ok {
		t.Fatal("response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		t.Fatalf("hijack: %v", err)
	}
	conn.Close()
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			hijackAndClose(t, w)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New("heavy-1", Config{Retries: 5, Backoff: time.Millisecond, MaxConcurrent: 10})
	err := f.Send(context.Background(), srv.URL, protocol.TypeInitConfirm, protocol.InitConfirmPayload{CompID: "c", SenderUID: "heavy-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 calls before success, got %d", calls)
	}
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		hijackAndClose(t, w)
	}))
	defer srv.Close()

	f := New("heavy-1", Config{Retries: 3, Backoff: time.Millisecond, MaxConcurrent: 10})
	err := f.Send(context.Background(), srv.URL, protocol.TypeInitConfirm, protocol.InitConfirmPayload{CompID: "c", SenderUID: "heavy-1"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

// TestSendDoesNotRetryNonSuccessStatus locks in spec.md §4.5: a non-2xx
// response means the peer was reached and rejected the request, which is
// logged and returned immediately rather than retried.
func TestSendDoesNotRetryNonSuccessStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New("heavy-1", Config{Retries: 5, Backoff: time.Millisecond, MaxConcurrent: 10})
	err := f.Send(context.Background(), srv.URL, protocol.TypeInitConfirm, protocol.InitConfirmPayload{CompID: "c", SenderUID: "heavy-1"})
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 attempt since non-2xx is not retried, got %d", calls)
	}
}

func TestBroadcastReachesAllEndpoints(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoints := []string{srv.URL, srv.URL, srv.URL, srv.URL}
	f := New("heavy-1", Config{Retries: 2, Backoff: time.Millisecond, MaxConcurrent: 2})
	results := f.Broadcast(context.Background(), endpoints, protocol.TypeComputation, protocol.ComputationPayload{CompID: "c"})

	if len(results) != len(endpoints) {
		t.Fatalf("expected %d results, got %d", len(endpoints), len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("result %d: unexpected error %v", i, r.Err)
		}
	}
	if atomic.LoadInt32(&calls) != int32(len(endpoints)) {
		t.Errorf("expected %d calls, got %d", len(endpoints), calls)
	}
}

func TestBroadcastBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoints := make([]string, 8)
	for i := range endpoints {
		endpoints[i] = srv.URL
	}
	f := New("heavy-1", Config{Retries: 1, Backoff: time.Millisecond, MaxConcurrent: 3})

	done := make(chan []BroadcastResult)
	go func() {
		done <- f.Broadcast(context.Background(), endpoints, protocol.TypeComputation, protocol.ComputationPayload{CompID: "c"})
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	<-done

	if atomic.LoadInt32(&maxInFlight) > 3 {
		t.Errorf("expected at most 3 concurrent requests, saw %d", maxInFlight)
	}
}

func TestRequestResponseDecodesTypedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := protocol.RevealResponsePayload{CompID: "c", SenderUID: "heavy-2", Status: "ok", PartialSum: 9, ParticipantCount: 3}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	out := RequestResponse[protocol.RevealResponsePayload](context.Background(), srv.URL, protocol.TypeRevealRequest, "heavy-1", protocol.RevealRequestPayload{CompID: "c", SenderUID: "heavy-1"}, time.Second)
	if out == nil {
		t.Fatal("expected non-nil response")
	}
	if out.PartialSum != 9 || out.Status != "ok" {
		t.Errorf("unexpected decoded payload: %+v", out)
	}
}

func TestRequestResponseReturnsNilOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	out := RequestResponse[protocol.RevealResponsePayload](context.Background(), srv.URL, protocol.TypeRevealRequest, "heavy-1", protocol.RevealRequestPayload{CompID: "c", SenderUID: "heavy-1"}, time.Second)
	if out != nil {
		t.Errorf("expected nil response on server error, got %+v", out)
	}
}

func TestRequestResponseReturnsNilOnUnreachableEndpoint(t *testing.T) {
	out := RequestResponse[protocol.RevealResponsePayload](context.Background(), "http://127.0.0.1:1", protocol.TypeRevealRequest, "heavy-1", protocol.RevealRequestPayload{CompID: "c", SenderUID: "heavy-1"}, 200*time.Millisecond)
	if out != nil {
		t.Errorf("expected nil response for unreachable endpoint, got %+v", out)
	}
}
