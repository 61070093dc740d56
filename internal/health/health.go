// Package health serves the bridge's liveness and readiness probes.
//
// /healthz answers 200 whenever the process can still serve HTTP. /readyz
// additionally probes the bridge's dependencies (the switch control channel,
// the tenant database) and answers 503 until every probe passes, so a load
// balancer keeps calls away from an instance that cannot place them.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Each dependency probe gets this long before its context is cancelled.
const checkTimeout = 5 * time.Second

// Checker probes one dependency for /readyz. Name keys the probe's entry in
// the response body; Check returns nil when the dependency can serve calls.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the JSON body both probes answer with.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker set is fixed at
// construction, so a Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given dependency checkers. /readyz runs
// them in the order given.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz reports process liveness. It never fails.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker and answers 200 only when all of them pass,
// with the per-checker outcomes in the body.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, c := range h.checkers {
		if err := h.probe(r.Context(), c); err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

func (h *Handler) probe(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.Check(ctx)
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
