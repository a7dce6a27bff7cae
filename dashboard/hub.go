// Package dashboard fans pipeline events out to websocket observers. A
// hub consumes the orchestrator's in-process event channel and broadcasts
// each event to every connected client through a bounded per-client
// buffer; clients that cannot keep up are disconnected rather than ever
// slowing the pipeline down. On connect, and again on demand, a client
// can ask for a snapshot of every in-flight request.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/devflow/config"
	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/telemetry"
)

const (
	// pongWait is how long a client may go silent before its connection
	// is considered dead. Pings go out at pingPeriod to keep healthy
	// clients inside the window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxClientMessage bounds inbound frames. Observers only ever send
	// short control words.
	maxClientMessage = 512

	// snapshotRequest is the text frame a client sends to ask for the
	// current picture mid-stream.
	snapshotRequest = "snapshot"
)

// StateSource provides the in-flight requests for connect-time snapshots.
// The orchestrator implements it.
type StateSource interface {
	NonTerminal() []*envelope.PipelineState
}

// client is one websocket observer. The hub owns its registration; the
// write pump drains send until the hub closes it.
type client struct {
	conn         *websocket.Conn
	send         chan []byte
	remote       string
	wantSnapshot bool

	// closeCode and closeText are set by the hub before closing send, so
	// the write pump can tell the peer why it is going away.
	closeCode int
	closeText string
}

// Hub broadcasts pipeline events to connected websocket clients.
type Hub struct {
	cfg     config.DashboardConfig
	source  StateSource
	events  <-chan envelope.PipelineEvent
	metrics *telemetry.Metrics
	logger  *slog.Logger

	upgrader websocket.Upgrader

	// clients is owned by the run goroutine. Registration, snapshots and
	// teardown all flow through channels to keep it that way.
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	snapshots  chan *client

	mu      sync.Mutex
	running bool
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	broadcasts atomic.Int64
	slowDrops  atomic.Int64
}

// New builds a hub over the given event stream. Zero config fields fall
// back to the packaged defaults.
func New(cfg config.DashboardConfig, source StateSource, events <-chan envelope.PipelineEvent, metrics *telemetry.Metrics, logger *slog.Logger) (*Hub, error) {
	if source == nil {
		return nil, fmt.Errorf("state source is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event channel is required")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		source:  source,
		events:  events,
		metrics: metrics,
		logger:  logger.With("component", "dashboard"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		snapshots:  make(chan *client),
	}, nil
}

// RegisterHTTPHandlers registers the websocket endpoint:
//
//	GET /dashboard/ws    upgrade to the event stream
//
// A snapshot=1 query parameter requests the current in-flight picture
// before live events; sending the text frame "snapshot" does the same at
// any point later.
func (h *Hub) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/dashboard/ws", h.handleWS)
}

// Start launches the broadcast loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("dashboard hub already running")
	}
	h.running = true
	h.done = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run(runCtx)

	h.logger.Info("Dashboard hub started",
		"buffer", h.cfg.Buffer,
		"write_timeout", h.cfg.WriteTimeout)
	return nil
}

// Stop shuts the broadcast loop down and closes every client connection.
func (h *Hub) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		h.logger.Warn("Stop timed out with broadcasts in flight")
	}

	h.logger.Info("Dashboard hub stopped",
		"broadcasts", h.broadcasts.Load(),
		"slow_drops", h.slowDrops.Load())
	return nil
}

// run owns the client set. Every mutation arrives over a channel, so
// broadcasts, registrations and drops are serialized without locks.
func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-h.events:
			h.broadcast(evt)
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.metrics.DashboardClients.Set(float64(len(h.clients)))
			h.logger.Debug("Dashboard client connected", "remote", c.remote, "clients", len(h.clients))
			if c.wantSnapshot {
				h.sendSnapshot(c)
			}
		case c := <-h.unregister:
			h.remove(c)
		case c := <-h.snapshots:
			h.sendSnapshot(c)
		}
	}
}

// shutdown releases every remaining client after the loop exits.
func (h *Hub) shutdown() {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	close(done)

	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*client]struct{})
	h.metrics.DashboardClients.Set(0)
}

// broadcast encodes one event and queues it for every client. A client
// whose buffer is full is dropped on the spot.
func (h *Hub) broadcast(evt envelope.PipelineEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("Encoding event failed", "type", evt.Type, "request_id", evt.RequestID, "error", err)
		return
	}
	h.broadcasts.Add(1)
	for c := range h.clients {
		if !h.enqueue(c, data) {
			h.dropSlow(c)
		}
	}
}

// sendSnapshot queues one snapshot event per in-flight request, oldest
// request first so the client builds its picture in arrival order.
func (h *Hub) sendSnapshot(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	states := h.source.NonTerminal()
	now := time.Now().UTC()
	for i := len(states) - 1; i >= 0; i-- {
		st := states[i]
		data, err := json.Marshal(envelope.PipelineEvent{
			Type:      envelope.EventSnapshot,
			RequestID: st.RequestID,
			To:        st.CurrentStage,
			At:        now,
			State:     st,
		})
		if err != nil {
			h.logger.Warn("Encoding snapshot failed", "request_id", st.RequestID, "error", err)
			continue
		}
		if !h.enqueue(c, data) {
			h.dropSlow(c)
			return
		}
	}
	h.logger.Debug("Snapshot sent", "remote", c.remote, "requests", len(states))
}

func (h *Hub) enqueue(c *client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// dropSlow disconnects a client whose buffer overflowed.
func (h *Hub) dropSlow(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.closeCode = websocket.ClosePolicyViolation
	c.closeText = "slow consumer"
	close(c.send)
	h.slowDrops.Add(1)
	h.metrics.DashboardSlowDrops.Inc()
	h.metrics.DashboardClients.Set(float64(len(h.clients)))
	h.logger.Warn("Dropping slow dashboard client", "remote", c.remote)
}

// remove handles a client whose reader saw the connection die.
func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.DashboardClients.Set(float64(len(h.clients)))
	h.logger.Debug("Dashboard client disconnected", "remote", c.remote, "clients", len(h.clients))
}

// handleWS serves GET /dashboard/ws.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.mu.Lock()
	running, done := h.running, h.done
	h.mu.Unlock()
	if !running {
		http.Error(w, "Dashboard hub is not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client.
		h.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:         conn,
		send:         make(chan []byte, h.cfg.Buffer),
		remote:       r.RemoteAddr,
		wantSnapshot: snapshotRequested(r),
		closeCode:    websocket.CloseNormalClosure,
	}
	select {
	case h.register <- c:
	case <-done:
		conn.Close()
		return
	}

	go c.writePump(h.cfg.WriteTimeout)
	go c.readPump(h, done)
}

func snapshotRequested(r *http.Request) bool {
	v := r.URL.Query().Get(snapshotRequest)
	return v == "1" || v == "true"
}

// writePump drains the send buffer onto the wire and keeps the connection
// alive with pings. It exits when the hub closes send or a write fails.
func (c *client) writePump(timeout time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, c.closeText))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump watches for snapshot requests and connection teardown. Any read
// error unregisters the client.
func (c *client) readPump(h *Hub, done <-chan struct{}) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.TextMessage && strings.TrimSpace(string(msg)) == snapshotRequest {
			select {
			case h.snapshots <- c:
			case <-done:
				return
			}
		}
	}
}
