// Package api serves the operational HTTP endpoints: liveness and a status
// snapshot of the signing workers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opencustody/signer-node/internal"
	"github.com/opencustody/signer-node/log"
	"github.com/opencustody/signer-node/worker"
)

// WorkerStatus is one worker's entry in the status response.
type WorkerStatus struct {
	Chain   string       `json:"chain"`
	Network string       `json:"network"`
	Signer  string       `json:"signer"`
	Stats   worker.Stats `json:"stats"`
}

// Status is the /status response body.
type Status struct {
	Version string         `json:"version"`
	Uptime  string         `json:"uptime"`
	Workers []WorkerStatus `json:"workers"`
}

// API is the operational HTTP server.
type API struct {
	server  *http.Server
	workers func() []WorkerStatus
	started time.Time
}

// New builds the server on addr; workers supplies the live status entries.
func New(addr string, workers func() []WorkerStatus) *API {
	a := &API{workers: workers, started: time.Now()}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", a.handleHealth)
	r.Get("/status", a.handleStatus)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

// Start serves until Shutdown; it returns only on listen failure.
func (a *API) Start() {
	log.Infow("api listening", "addr", a.server.Addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorw(fmt.Errorf("api server: %w", err), "listen failed")
	}
}

// Shutdown drains in-flight requests.
func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Version: internal.Version,
		Uptime:  time.Since(a.started).Round(time.Second).String(),
		Workers: a.workers(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnw("response encode failed", "error", err.Error())
	}
}
