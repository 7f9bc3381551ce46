package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mypostal/fairqueue/config"
	"github.com/mypostal/fairqueue/middleware"
	"github.com/mypostal/fairqueue/poller"
	"github.com/mypostal/fairqueue/scheduler"
	"github.com/mypostal/fairqueue/store"
	"github.com/mypostal/fairqueue/timeline"
)

// api is the minimal HTTP surface: health, metrics, a debug snapshot of
// recent row transitions, and the operator-facing freeze/drain toggle.
// There is no tenant-facing CRUD surface — rows enter the system through
// the Task Store's Insert primitive (§6 upstream producers), not over HTTP.
type api struct {
	store     store.TaskStore
	admission *poller.MapAdmissionGate
	timeline  *timeline.Store
}

func newHTTPServer(cfg config.Config, ts store.TaskStore, admission *poller.MapAdmissionGate, tl *timeline.Store) *http.Server {
	a := &api{store: ts, admission: admission, timeline: tl}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/snapshot", a.handleDebugSnapshot)
	mux.Handle("/admin/admission-mode", middleware.AuthMiddleware(middleware.RequireRole(http.HandlerFunc(a.handleAdmissionMode), "admin")))

	handler := middleware.CORSMiddleware(mux)
	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler,
	}
}

func (a *api) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// debugSnapshot is the JSON body of GET /debug/snapshot.
type debugSnapshot struct {
	AdmissionModes map[string]string     `json:"admission_modes"`
	Transitions    []timeline.Transition `json:"recent_transitions"`
}

func (a *api) handleDebugSnapshot(w http.ResponseWriter, r *http.Request) {
	modes := make(map[string]string)
	if a.admission != nil {
		for service, mode := range a.admission.All() {
			modes[service] = mode.String()
		}
	}

	var transitions []timeline.Transition
	if a.timeline != nil {
		transitions = a.timeline.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(debugSnapshot{
		AdmissionModes: modes,
		Transitions:    transitions,
	})
}

// admissionModeRequest is the body of POST /admin/admission-mode.
type admissionModeRequest struct {
	Service string `json:"service_name"`
	Mode    string `json:"mode"` // normal, drain, freeze
}

func (a *api) handleAdmissionMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req admissionModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Service == "" {
		http.Error(w, "service_name is required", http.StatusBadRequest)
		return
	}

	var mode scheduler.AdmissionMode
	switch req.Mode {
	case "normal":
		mode = scheduler.AdmissionNormal
	case "drain":
		mode = scheduler.AdmissionDrain
	case "freeze":
		mode = scheduler.AdmissionFreeze
	default:
		http.Error(w, "mode must be one of: normal, drain, freeze", http.StatusBadRequest)
		return
	}

	operatorID, _ := r.Context().Value(middleware.OperatorContextKey).(string)
	a.admission.Set(req.Service, mode)
	log.Info().
		Str("operator_id", operatorID).
		Str("service", req.Service).
		Str("mode", req.Mode).
		Msg("admission mode changed")

	w.WriteHeader(http.StatusOK)
}
