// Package nodeapp provides the HTTP server bootstrap shared by the
// coordinator and participant binaries: the /health and /shutdown
// endpoints, graceful startup/drain, and OS-signal handling. It
// generalizes the reference implementation's NodeManager.run_node /
// shutdown_node lifecycle (original_source/src/formix/core/node.py) and
// the teacher's signal-driven main() shutdown sequence into one
// reusable helper instead of duplicating both in cmd/coordinator and
// cmd/node.
package nodeapp

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Status values reported on the /health endpoint, mirroring the
// reference's NodeStatus enum.
const (
	StatusActive   = "active"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
)

// App wraps an http.ServeMux with the /health and /shutdown endpoints
// every Formix node exposes, plus graceful-shutdown plumbing that
// triggers on either an OS signal or a POST to /shutdown.
type App struct {
	UID             string
	Addr            string
	ShutdownTimeout time.Duration

	mux        *http.ServeMux
	httpServer *http.Server

	mu     sync.Mutex
	status string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New returns an App listening on addr, identifying itself as uid on
// the /health endpoint. ShutdownTimeout defaults to 5 seconds, matching
// the teacher's graceful-shutdown window.
func New(uid, addr string) *App {
	a := &App{
		UID:             uid,
		Addr:            addr,
		ShutdownTimeout: 5 * time.Second,
		mux:             http.NewServeMux(),
		status:          StatusActive,
		shutdownCh:      make(chan struct{}),
	}
	a.mux.HandleFunc("/health", a.handleHealth)
	a.mux.HandleFunc("/shutdown", a.handleShutdown)
	return a
}

// Handle registers an additional handler on the app's mux, e.g. the
// /message dispatcher a coordinator or participant binary supplies.
func (a *App) Handle(pattern string, handler http.HandlerFunc) {
	a.mux.HandleFunc(pattern, handler)
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	status := a.status
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Status     string `json:"status"`
		NodeID     string `json:"node_id"`
		NodeStatus string `json:"node_status"`
	}{Status: "ok", NodeID: a.UID, NodeStatus: status})
}

func (a *App) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	log.Printf("node %s received shutdown request", a.UID)
	a.Shutdown()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		NodeID string `json:"node_id"`
	}{Status: "shutting_down", NodeID: a.UID})
}

// Shutdown signals Run's wait loop to begin draining. Safe to call more
// than once and safe to call concurrently with Run.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() { close(a.shutdownCh) })
}

// Run starts the HTTP server and blocks until ctx is canceled, an OS
// interrupt/TERM signal arrives, or Shutdown is called (directly or via
// the /shutdown endpoint), then drains in-flight requests within
// ShutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	a.httpServer = &http.Server{
		Addr:              a.Addr,
		Handler:           a.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("node %s listening on %s", a.UID, a.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		return err
	case <-stop:
		log.Printf("node %s received OS shutdown signal", a.UID)
	case <-a.shutdownCh:
	case <-ctx.Done():
	}

	a.mu.Lock()
	a.status = StatusStopping
	a.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
	defer cancel()
	err := a.httpServer.Shutdown(shutdownCtx)

	a.mu.Lock()
	a.status = StatusStopped
	a.mu.Unlock()

	log.Printf("node %s stopped", a.UID)
	return err
}

// Getenv retrieves an environment variable with a default fallback,
// taken directly from the teacher's cmd/coordinator and cmd/node getenv
// helper.
func Getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
