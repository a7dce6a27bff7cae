package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/devflow/broker"
	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/ingest"
)

// SubmitRequest is the JSON body of POST /submit: a new-project brief.
type SubmitRequest struct {
	ProjectName  string   `json:"project_name,omitempty"`
	Description  string   `json:"description"`
	Requirements []string `json:"requirements,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`
	Preferences  []string `json:"preferences,omitempty"`
	Priority     string   `json:"priority,omitempty"`
}

// FilesSubmission is the JSON part of POST /submit_with_files. The source
// tree comes either from the uploaded archive part or from the git
// reference, never both.
type FilesSubmission struct {
	Git      *envelope.GitSource `json:"existing_git,omitempty"`
	Priority string              `json:"priority,omitempty"`
}

// handleSubmit accepts a new-project brief and makes the first publish.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "Request body is not valid JSON")
		return
	}
	priority, err := envelope.ParsePriority(req.Priority)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_priority", err.Error())
		return
	}

	sub := envelope.Submission{
		Kind: envelope.SubmissionNewProject,
		NewProject: &envelope.NewProject{
			Name:         strings.TrimSpace(req.ProjectName),
			Description:  strings.TrimSpace(req.Description),
			Requirements: req.Requirements,
			Constraints:  req.Constraints,
			Preferences:  req.Preferences,
		},
	}
	if err := sub.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_submission", err.Error())
		return
	}
	s.publishSubmission(w, r, sub, priority)
}

// handleSubmitWithFiles accepts a multipart form carrying the JSON
// submission part plus either an archive part or a git reference. The
// source is resolved into a tree before anything is published, so a failed
// ingestion leaves no trace in the fabric.
func (s *Server) handleSubmitWithFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Archive cap plus headroom for the JSON part and multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxArchiveBytes+maxSubmitBody)

	reader, err := r.MultipartReader()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_multipart", "Body is not multipart form data")
		return
	}

	var (
		meta FilesSubmission
		res  *ingest.Result
	)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.writeIngestError(w, err)
			return
		}
		switch part.FormName() {
		case "submission":
			if err := json.NewDecoder(io.LimitReader(part, maxSubmitBody)).Decode(&meta); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_submission", "Submission part is not valid JSON")
				return
			}
		case "archive":
			if res != nil {
				writeJSONError(w, http.StatusBadRequest, "duplicate_archive", "Only one archive part is allowed")
				return
			}
			res, err = s.ingestor.Archive(r.Context(), part, part.FileName())
			if err != nil {
				s.writeIngestError(w, err)
				return
			}
		}
	}

	priority, err := envelope.ParsePriority(meta.Priority)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_priority", err.Error())
		return
	}

	sub := envelope.Submission{Kind: envelope.SubmissionArchive}
	switch {
	case res != nil && meta.Git != nil:
		writeJSONError(w, http.StatusBadRequest, "ambiguous_source", "Provide an archive part or a git reference, not both")
		return
	case res != nil:
		sub.Archive = &envelope.ArchiveSource{Tree: res.Tree}
	case meta.Git != nil:
		res, err = s.ingestor.Clone(r.Context(), meta.Git)
		if err != nil {
			s.writeIngestError(w, err)
			return
		}
		origin := *meta.Git
		origin.Credentials = ""
		sub.Archive = &envelope.ArchiveSource{Tree: res.Tree}
		sub.Git = &origin
	default:
		writeJSONError(w, http.StatusBadRequest, "missing_source", "Provide an archive part or a git reference")
		return
	}
	if err := sub.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_submission", err.Error())
		return
	}

	s.logger.Info("Source tree ingested",
		"files", len(res.Tree),
		"bytes", res.Bytes,
		"skipped_binary", res.Skipped.Binary,
		"skipped_large", res.Skipped.Large,
		"skipped_ignored", res.Skipped.Ignored)
	s.publishSubmission(w, r, sub, priority)
}

// publishSubmission assigns the request ID, builds the analysis envelope
// with empty provenance, and publishes it. The 202 goes out before any
// downstream work happens; a publish failure means the submission was not
// retained anywhere.
func (s *Server) publishSubmission(w http.ResponseWriter, r *http.Request, sub envelope.Submission, priority envelope.Priority) {
	requestID := newRequestID()
	env := envelope.New(requestID, &envelope.SubmissionPayload{
		Submission: sub,
		Priority:   priority,
	}, nil)

	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("Envelope encoding failed", "request_id", requestID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "encoding_failed", "Submission could not be encoded")
		return
	}
	topic := broker.StageTopic(envelope.StageAnalysis)
	if err := s.broker.Publish(r.Context(), topic, data, broker.PublishOptions{Key: requestID}); err != nil {
		s.logger.Error("Submission publish failed", "request_id", requestID, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "broker_unavailable", "Submission could not be accepted; try again")
		return
	}

	s.submitted.Add(1)
	s.metrics.CountIngress(int64(len(data)))
	s.logger.Info("Submission accepted",
		"request_id", requestID,
		"kind", string(sub.Kind),
		"priority", string(priority))
	writeJSON(w, http.StatusAccepted, SubmitResponse{RequestID: requestID, Status: "submitted"})
}

// handleStatus proxies GET /status/{request_id} to the orchestrator.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/status/")
	if !envelope.ValidRequestID(id) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_id", "Request ID is required")
		return
	}
	s.proxyTo(w, r, "/state/"+url.PathEscape(id), "")
}

// handleRequests proxies GET /requests to the orchestrator's list API,
// passing the page, limit, and filter parameters through.
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.proxyTo(w, r, "/state", r.URL.RawQuery)
}

// proxyTo forwards a read to the orchestrator and copies status, content
// type, and body through verbatim.
func (s *Server) proxyTo(w http.ResponseWriter, r *http.Request, path, rawQuery string) {
	target := strings.TrimSuffix(s.cfg.OrchestratorURL, "/") + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "proxy_error", "Could not build upstream request")
		return
	}
	resp, err := s.proxy.Do(req)
	if err != nil {
		s.logger.Error("Orchestrator read failed", "path", path, "error", err)
		writeJSONError(w, http.StatusBadGateway, "orchestrator_unavailable", "State service is unreachable")
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("Proxy copy interrupted", "path", path, "error", err)
	}
}

// handleCancel publishes a cancellation event for the request. The
// orchestrator enforces terminality; the gateway only emits the tombstone.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/cancel/")
	if !envelope.ValidRequestID(id) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_id", "Request ID is required")
		return
	}

	ev := envelope.CancelEvent{
		RequestID:   id,
		Reason:      r.URL.Query().Get("reason"),
		RequestedBy: r.RemoteAddr,
		ProducedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encoding_failed", "Cancel event could not be encoded")
		return
	}
	opts := broker.PublishOptions{Key: id, MsgID: "cancel-" + id}
	if err := s.broker.Publish(r.Context(), broker.TopicEvents, data, opts); err != nil {
		s.logger.Error("Cancel publish failed", "request_id", id, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "broker_unavailable", "Cancellation could not be recorded; try again")
		return
	}

	s.logger.Info("Cancellation requested", "request_id", id, "reason", ev.Reason)
	writeJSON(w, http.StatusAccepted, CancelResponse{RequestID: id, Status: "cancel_requested"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeIngestError maps ingestion failures onto HTTP statuses: size and
// count limits are 413, format problems are 400.
func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, ingest.ErrArchiveTooLarge),
		errors.Is(err, ingest.ErrCloneTooLarge),
		errors.Is(err, ingest.ErrExpandedTooLarge),
		errors.As(err, &maxBytes):
		writeJSONError(w, http.StatusRequestEntityTooLarge, "archive_too_large", err.Error())
	case errors.Is(err, ingest.ErrTooManyFiles):
		writeJSONError(w, http.StatusRequestEntityTooLarge, "too_many_files", err.Error())
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		writeJSONError(w, http.StatusBadRequest, "unsupported_format", err.Error())
	default:
		s.logger.Error("Ingestion failed", "error", err)
		writeJSONError(w, http.StatusBadRequest, "ingest_failed", err.Error())
	}
}
