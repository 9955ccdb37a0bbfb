// Package controlapi exposes the operator control surface of spec.md §9
// over HTTP: startRun, stopRun, failStuckRuns, and diagnostics. It is a
// thin chi router in front of *engine.Engine — every handler validates
// its input, delegates to the engine, and serializes the result as JSON.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/jobscout/pipeline-engine/pkg/engine"
	"github.com/jobscout/pipeline-engine/pkg/logging"
	"github.com/jobscout/pipeline-engine/pkg/model"
)

// Engine is the subset of *engine.Engine the control surface drives,
// declared here as an interface so handler tests can substitute a fake
// without a live store or KV substrate.
type Engine interface {
	StartRun(ctx context.Context, sub *model.Subscription) (*model.Run, error)
	StopRun(ctx context.Context, runID string)
	FailStuckRuns(ctx context.Context, minAge time.Duration) (int, error)
	Diagnostics(ctx context.Context) (engine.Diagnostics, error)
}

// SubscriptionFetcher resolves a subscription id for startRun, satisfied
// by *store.Store's GetSubscription.
type SubscriptionFetcher func(ctx context.Context, id string) (*model.Subscription, error)

var validate = validator.New()

type startRunRequest struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
}

type stopRunRequest struct {
	RunID string `json:"runId" validate:"required"`
}

type failStuckRunsRequest struct {
	MinAgeMinutes int `json:"minAgeMinutes" validate:"required,min=1"`
}

// API wires the control surface's dependencies.
type API struct {
	Engine       Engine
	Subscription SubscriptionFetcher
}

// Router builds the chi mux. CORS is wide open by default since this
// surface is meant to sit behind an operator-only network boundary, not
// a public frontend (spec.md §6, "External Interfaces: Control API").
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", a.handleHealthz)
	r.Post("/runs/start", a.handleStartRun)
	r.Post("/runs/stop", a.handleStopRun)
	r.Post("/runs/fail-stuck", a.handleFailStuckRuns)
	r.Get("/diagnostics", a.handleDiagnostics)
	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if !decodeAndValidate(r.Context(), w, r, &req) {
		return
	}
	sub, err := a.Subscription(r.Context(), req.SubscriptionID)
	if err != nil {
		writeError(r.Context(), w, http.StatusNotFound, err)
		return
	}
	run, err := a.Engine.StartRun(r.Context(), sub)
	if err != nil {
		writeError(r.Context(), w, http.StatusConflict, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusAccepted, run)
}

func (a *API) handleStopRun(w http.ResponseWriter, r *http.Request) {
	var req stopRunRequest
	if !decodeAndValidate(r.Context(), w, r, &req) {
		return
	}
	a.Engine.StopRun(r.Context(), req.RunID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleFailStuckRuns(w http.ResponseWriter, r *http.Request) {
	var req failStuckRunsRequest
	if !decodeAndValidate(r.Context(), w, r, &req) {
		return
	}
	n, err := a.Engine.FailStuckRuns(r.Context(), time.Duration(req.MinAgeMinutes)*time.Minute)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, map[string]int{"failed": n})
}

func (a *API) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag, err := a.Engine.Diagnostics(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, diag)
}

func decodeAndValidate(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			writeError(ctx, w, http.StatusBadRequest, verr)
			return false
		}
		writeError(ctx, w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.FromContext(ctx).Errorw("controlapi: failed to encode response", "error", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	writeJSON(ctx, w, status, map[string]string{"error": err.Error()})
}
