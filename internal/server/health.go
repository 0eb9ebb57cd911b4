package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/teemow/inboxmeet/internal/negotiation"
)

const (
	healthStatusOK           = "ok"
	healthStatusNotReady     = "not ready"
	healthStatusShuttingDown = "shutting down"
)

// HealthChecker serves /healthz, /readyz and /healthz/detailed. A checker
// starts ready.
type HealthChecker struct {
	sc       *ServerContext
	started  time.Time
	ready    atomic.Bool
	lastPoll atomic.Pointer[PollStatus]
}

func NewHealthChecker(sc *ServerContext) *HealthChecker {
	h := &HealthChecker{sc: sc, started: time.Now()}
	h.ready.Store(true)
	return h
}

// PollStatus is the outcome of one inbox scan.
type PollStatus struct {
	At        time.Time `json:"at"`
	Processed int       `json:"processed"`
	Error     string    `json:"error,omitempty"`
}

// RecordPoll keeps the latest scan for the detailed endpoint. Failed scans
// do not affect readiness.
func (h *HealthChecker) RecordPoll(processed int, err error) {
	st := &PollStatus{At: time.Now(), Processed: processed}
	if err != nil {
		st.Error = err.Error()
	}
	h.lastPoll.Store(st)
}

func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// DetailedHealthResponse is the body of /healthz/detailed.
type DetailedHealthResponse struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Checks   map[string]string `json:"checks,omitempty"`
	Accounts []AccountStatus   `json:"accounts,omitempty"`
	LastPoll *PollStatus       `json:"last_poll,omitempty"`
}

// AccountStatus counts the negotiations and meetings of a loaded account.
// Accounts that were never used are not loaded and not listed.
type AccountStatus struct {
	Name          string `json:"name"`
	Negotiations  int    `json:"negotiations"`
	Waiting       int    `json:"waiting"`
	Held          int    `json:"held"`
	ActiveMeeting int    `json:"active_meetings"`
	StaleMeetings int    `json:"stale_meetings"`
}

// readiness evaluates every check. The returned status is the first failing
// check's value, healthStatusOK when all pass.
func (h *HealthChecker) readiness() (string, map[string]string) {
	checks := map[string]string{"ready": healthStatusOK, "shutdown": healthStatusOK}
	status := healthStatusOK
	if !h.IsReady() {
		checks["ready"] = healthStatusNotReady
		status = healthStatusNotReady
	}
	if h.sc != nil && h.sc.IsShutdown() {
		checks["shutdown"] = healthStatusShuttingDown
		if status == healthStatusOK {
			status = healthStatusShuttingDown
		}
	}
	return status, checks
}

func (h *HealthChecker) accounts() []AccountStatus {
	if h.sc == nil {
		return nil
	}
	var out []AccountStatus
	for _, name := range h.sc.Accounts() {
		acct, ok := h.sc.loaded(name)
		if !ok {
			continue
		}
		out = append(out, AccountStatus{
			Name:          name,
			Negotiations:  len(acct.Engine.List()),
			Waiting:       len(acct.Engine.List(negotiation.StatePendingConfirm, negotiation.StateNegotiating)),
			Held:          len(acct.Engine.List(negotiation.StateHeld)),
			ActiveMeeting: len(acct.Tracker().ListActive()),
			StaleMeetings: len(acct.Tracker().ListStale()),
		})
	}
	return out
}

// LivenessHandler answers ok while the process runs, ready or not.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: healthStatusOK})
	})
}

// ReadinessHandler answers 503 while not ready or shutting down.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status, checks := h.readiness()
		resp := HealthResponse{Status: status, Checks: checks}
		if status != healthStatusOK {
			resp.Status = healthStatusNotReady
		}
		writeHealthJSON(w, statusCode(status), resp)
	})
}

// DetailedHealthHandler adds uptime, per-account counts and the last scan
// to the readiness checks.
func (h *HealthChecker) DetailedHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status, checks := h.readiness()
		writeHealthJSON(w, statusCode(status), DetailedHealthResponse{
			Status:   status,
			Uptime:   time.Since(h.started).Truncate(time.Second).String(),
			Checks:   checks,
			Accounts: h.accounts(),
			LastPoll: h.lastPoll.Load(),
		})
	})
}

func (h *HealthChecker) RegisterHealthEndpoints(mux *http.ServeMux) {
	mux.Handle("/healthz", h.LivenessHandler())
	mux.Handle("/readyz", h.ReadinessHandler())
	mux.Handle("/healthz/detailed", h.DetailedHealthHandler())
}

func statusCode(status string) int {
	if status == healthStatusOK {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
