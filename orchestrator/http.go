package orchestrator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/c360studio/devflow/envelope"
)

// ListResponse is the JSON response for GET /state.
type ListResponse struct {
	Requests []*envelope.PipelineState `json:"requests"`
	Page     int                       `json:"page"`
	Limit    int                       `json:"limit"`
	Total    int                       `json:"total"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RegisterHTTPHandlers registers the read-only state API:
//
//	GET /state                 list states (page, limit, status, priority)
//	GET /state/{request_id}    one state
//	GET /health                liveness
func (o *Orchestrator) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/state", o.handleList)
	mux.HandleFunc("/state/", o.handleGet)
	mux.HandleFunc("/health", o.handleHealth)
}

// handleList serves GET /state.
func (o *Orchestrator) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := Query{
		Status:   r.URL.Query().Get("status"),
		Priority: r.URL.Query().Get("priority"),
	}
	if q.Status != "" && !validPhase(q.Status) {
		writeJSONError(w, http.StatusBadRequest, "invalid_status", "Unknown status "+strconv.Quote(q.Status))
		return
	}
	if q.Priority != "" {
		if _, err := envelope.ParsePriority(q.Priority); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_priority", "Unknown priority "+strconv.Quote(q.Priority))
			return
		}
	}

	var ok bool
	if q.Page, ok = intParam(r, "page", 1); !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid_page", "page must be a positive integer")
		return
	}
	if q.Limit, ok = intParam(r, "limit", DefaultPageLimit); !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}

	states, total := o.store.List(q)
	writeJSON(w, http.StatusOK, ListResponse{
		Requests: states,
		Page:     q.Page,
		Limit:    q.Limit,
		Total:    total,
	})
}

// handleGet serves GET /state/{request_id}.
func (o *Orchestrator) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/state/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_id", "Request id is required")
		return
	}

	st, ok := o.store.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown request id")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validPhase accepts stage names and the non-stage phases.
func validPhase(s string) bool {
	if _, err := envelope.ParseStage(s); err == nil {
		return true
	}
	switch envelope.Phase(s) {
	case envelope.PhaseSubmitted, envelope.PhaseCompleted, envelope.PhaseFailed, envelope.PhaseCancelled:
		return true
	}
	return false
}

// intParam reads a positive integer query parameter, falling back to def
// when absent.
func intParam(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
