// Package gateway is the ingress HTTP surface of the pipeline. It accepts
// project submissions, resolves archive uploads and git references into
// source trees through the ingest sandbox, assigns request IDs, and makes
// the first publish into the fabric. Reads of pipeline state are proxied to
// the orchestrator's state API so the gateway itself stays stateless.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/c360studio/devflow/broker"
	"github.com/c360studio/devflow/config"
	"github.com/c360studio/devflow/ingest"
	"github.com/c360studio/devflow/telemetry"
)

// maxSubmitBody limits JSON submission bodies. Archive parts are bounded
// separately by the ingest limits.
const maxSubmitBody = 1 << 20

// proxyTimeout bounds one proxied read of orchestrator state.
const proxyTimeout = 10 * time.Second

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Server is the ingress gateway component.
type Server struct {
	cfg      config.GatewayConfig
	broker   broker.Broker
	ingestor *ingest.Ingestor
	proxy    *http.Client
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	submitted atomic.Int64
	addr      atomic.Value
}

// New builds the gateway. The ingest limits come from the gateway config,
// with zero fields falling back to the packaged defaults.
func New(cfg config.GatewayConfig, b broker.Broker, metrics *telemetry.Metrics, logger *slog.Logger) (*Server, error) {
	if b == nil {
		return nil, errors.New("gateway: broker is required")
	}
	if metrics == nil {
		return nil, errors.New("gateway: metrics are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	return &Server{
		cfg:    cfg,
		broker: b,
		ingestor: ingest.New(ingest.Limits{
			MaxArchiveBytes: cfg.MaxArchiveBytes,
			MaxFileBytes:    cfg.MaxFileBytes,
			MaxFiles:        cfg.MaxFiles,
			CloneDepth:      cfg.CloneDepth,
			IgnorePatterns:  cfg.IgnorePatterns,
		}, logger),
		proxy:   &http.Client{Timeout: proxyTimeout},
		metrics: metrics,
		logger:  logger,
	}, nil
}

// RegisterHTTPHandlers registers the ingress routes:
//
//	POST   /submit
//	POST   /submit_with_files
//	GET    /status/{request_id}
//	GET    /requests
//	DELETE /cancel/{request_id}
//	GET    /health
//	GET    /metrics
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.Handle("/submit", s.route("/submit", s.handleSubmit))
	mux.Handle("/submit_with_files", s.route("/submit_with_files", s.handleSubmitWithFiles))
	mux.Handle("/status/", s.route("/status", s.handleStatus))
	mux.Handle("/requests", s.route("/requests", s.handleRequests))
	mux.Handle("/cancel/", s.route("/cancel", s.handleCancel))
	mux.Handle("/health", s.route("/health", s.handleHealth))
	mux.Handle("/metrics", s.metrics.Handler())
}

func (s *Server) route(name string, h http.HandlerFunc) http.Handler {
	return s.metrics.Instrument(name, h)
}

// Serve binds the configured listener, caps concurrent connections, and
// serves mux until ctx is cancelled, then drains in-flight requests within
// the shutdown grace. The mux is taken as a parameter so callers can mount
// additional surfaces, such as the dashboard websocket, on the same port.
func (s *Server) Serve(ctx context.Context, mux *http.ServeMux) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	if s.cfg.MaxClients > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxClients)
	}
	s.addr.Store(ln.Addr().String())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("Gateway listening", "addr", ln.Addr().String(), "max_clients", s.cfg.MaxClients)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("Gateway stopped", "submissions", s.submitted.Load())
	return nil
}

// Addr returns the bound listen address once Serve is running, empty
// before. Useful when the config requests an ephemeral port.
func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// newRequestID returns a fresh URL-safe request ID: a v4 UUID rendered as
// 22 base64url characters.
func newRequestID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// writeJSON marshals v and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = err
	}
}

// writeJSONError writes a structured error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
