// Package orchestrator tracks every pipeline request by observing broker
// traffic. It subscribes to the stage topics, the completion topic, the
// failure topic, and the control topic, folds what it sees into a
// per-request state machine, and emits transition events over an
// in-process channel for the dashboard fan-out. On start it replays the
// full retained log through ephemeral consumers, so the state map is
// always derivable from the stream and survives restarts without local
// persistence.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/devflow/broker"
	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/telemetry"
)

// replaySettle is how long a topic may stay silent before its retained log
// counts as drained during startup replay.
const replaySettle = 500 * time.Millisecond

// inboxSize bounds the funnel between the topic fetchers and the single
// apply goroutine.
const inboxSize = 256

// Config tunes the orchestrator.
type Config struct {
	// StallCheckInterval is the sweeper period.
	StallCheckInterval time.Duration

	// StallThreshold marks a request stalled when no event arrived for
	// this long. StageThresholds override it per stage name.
	StallThreshold  time.Duration
	StageThresholds map[string]time.Duration

	// EventBuffer bounds the in-process event channel. Events beyond a
	// full buffer are dropped, never blocked on.
	EventBuffer int
}

// DefaultConfig returns the stock orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		StallCheckInterval: 30 * time.Second,
		StallThreshold:     10 * time.Minute,
		EventBuffer:        256,
	}
}

func (c Config) thresholdFor(p envelope.Phase) time.Duration {
	if d, ok := c.StageThresholds[string(p)]; ok && d > 0 {
		return d
	}
	return c.StallThreshold
}

// inboxMsg is one unit of work for the apply goroutine: a delivery, or a
// marker that a fetcher finished replaying its topic.
type inboxMsg struct {
	delivery broker.Delivery
	drained  bool
}

// Orchestrator folds broker traffic into per-request pipeline states and
// serves them over the read API and the event channel.
type Orchestrator struct {
	cfg     Config
	broker  broker.Broker
	store   *store
	metrics *telemetry.Metrics
	logger  *slog.Logger
	events  chan envelope.PipelineEvent

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	subs    []broker.Subscription
	wg      sync.WaitGroup

	applied    atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

// New builds an orchestrator. Zero config fields fall back to
// DefaultConfig.
func New(cfg Config, b broker.Broker, metrics *telemetry.Metrics, logger *slog.Logger) (*Orchestrator, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required")
	}
	defaults := DefaultConfig()
	if cfg.StallCheckInterval <= 0 {
		cfg.StallCheckInterval = defaults.StallCheckInterval
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = defaults.StallThreshold
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		broker:  b,
		store:   newStore(),
		metrics: metrics,
		logger:  logger.With("component", "orchestrator"),
		events:  make(chan envelope.PipelineEvent, cfg.EventBuffer),
	}, nil
}

// observedTopics lists everything the orchestrator folds into state.
func observedTopics() []string {
	topics := make([]string, 0, len(envelope.Stages())+3)
	for _, s := range envelope.Stages() {
		topics = append(topics, broker.StageTopic(s))
	}
	return append(topics, broker.TopicCompletion, broker.TopicFailures, broker.TopicEvents)
}

// Events returns the in-process event stream the dashboard hub consumes.
// The channel stays open for the orchestrator's lifetime; consumers stop
// through their own context.
func (o *Orchestrator) Events() <-chan envelope.PipelineEvent {
	return o.events
}

// State returns a copy of one request's pipeline state.
func (o *Orchestrator) State(id string) (*envelope.PipelineState, bool) {
	return o.store.Get(id)
}

// States returns one page of matching states plus the total match count.
func (o *Orchestrator) States(q Query) ([]*envelope.PipelineState, int) {
	return o.store.List(q)
}

// NonTerminal returns copies of every in-flight request, newest first.
func (o *Orchestrator) NonTerminal() []*envelope.PipelineState {
	return o.store.NonTerminal()
}

// Start subscribes to every observed topic from the start of the retained
// log and launches the replay-then-live apply loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	topics := observedTopics()
	subs := make([]broker.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := o.broker.Subscribe(runCtx, topic, broker.OrchestratorGroup, broker.SubscribeOptions{
			FromStart: true,
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Stop()
			}
			o.mu.Lock()
			o.running = false
			o.cancel = nil
			o.mu.Unlock()
			cancel()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	o.mu.Lock()
	o.subs = subs
	o.mu.Unlock()

	inbox := make(chan inboxMsg, inboxSize)
	for i, topic := range topics {
		o.wg.Add(1)
		go o.fetch(runCtx, subs[i], topic, inbox)
	}
	o.wg.Add(1)
	go o.run(runCtx, inbox, len(topics))

	o.logger.Info("Orchestrator started",
		"topics", len(topics),
		"stall_threshold", o.cfg.StallThreshold,
		"stall_check_interval", o.cfg.StallCheckInterval)
	return nil
}

// Stop cancels the loops, waits up to timeout for in-flight applies, and
// releases the subscriptions.
func (o *Orchestrator) Stop(timeout time.Duration) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	subs := o.subs
	o.cancel = nil
	o.subs = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.logger.Warn("Stop timed out with events in flight")
	}

	for _, sub := range subs {
		if err := sub.Stop(); err != nil && !errors.Is(err, broker.ErrClosed) {
			o.logger.Warn("Subscription stop failed", "error", err)
		}
	}

	o.logger.Info("Orchestrator stopped",
		"applied", o.applied.Load(),
		"duplicates", o.duplicates.Load(),
		"dropped_events", o.dropped.Load())
	return nil
}

// fetch pulls deliveries from one topic into the shared inbox. Until the
// retained log is drained it polls with a settle timeout; the first quiet
// window marks the topic replayed and fetching turns blocking.
func (o *Orchestrator) fetch(ctx context.Context, sub broker.Subscription, topic string, inbox chan<- inboxMsg) {
	defer o.wg.Done()

	drained := false
	for {
		fetchCtx := ctx
		var cancel context.CancelFunc
		if !drained {
			fetchCtx, cancel = context.WithTimeout(ctx, replaySettle)
		}
		d, err := sub.Next(fetchCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			if !drained && errors.Is(err, context.DeadlineExceeded) {
				drained = true
				select {
				case inbox <- inboxMsg{drained: true}:
				case <-ctx.Done():
					return
				}
				continue
			}
			o.logger.Debug("Fetch error", "topic", topic, "error", err)
			continue
		}
		select {
		case inbox <- inboxMsg{delivery: d}:
		case <-ctx.Done():
			return
		}
	}
}

// run is the single goroutine that mutates the store. It applies deliveries
// in arrival order, flips to live mode once every topic has drained its
// retained log, and runs the stall sweeper between applies.
func (o *Orchestrator) run(ctx context.Context, inbox <-chan inboxMsg, topicCount int) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.StallCheckInterval)
	defer ticker.Stop()

	live := topicCount == 0
	replaying := topicCount
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbox:
			if msg.drained {
				replaying--
				if replaying == 0 && !live {
					live = true
					o.finishReplay()
				}
				continue
			}
			o.apply(msg.delivery, live)
		case <-ticker.C:
			if live {
				o.sweep(time.Now().UTC())
			}
		}
	}
}

// finishReplay publishes the rebuilt picture: the active gauge and one
// snapshot event per tracked request, oldest first.
func (o *Orchestrator) finishReplay() {
	states := o.store.All()
	active := 0
	for _, st := range states {
		if !st.Terminal {
			active++
		}
	}
	o.metrics.PipelineRequestsActive.Set(float64(active))

	now := time.Now().UTC()
	for _, st := range states {
		o.emit(envelope.PipelineEvent{
			Type:      envelope.EventSnapshot,
			RequestID: st.RequestID,
			To:        st.CurrentStage,
			At:        now,
			State:     st,
		})
	}
	o.logger.Info("Replay finished", "requests", len(states), "active", active)
}

// apply routes one delivery to its handler and settles it. The
// orchestrator is an observer: a message it cannot read is logged and
// acked, never redelivered or dead-lettered here.
func (o *Orchestrator) apply(d broker.Delivery, live bool) {
	var err error
	switch d.Topic() {
	case broker.TopicCompletion:
		err = o.applyCompletion(d.Data(), live)
	case broker.TopicFailures:
		err = o.applyFailure(d.Data(), live)
	case broker.TopicEvents:
		err = o.applyCancel(d.Data(), live)
	default:
		err = o.applyEnvelope(d.Data(), live)
	}
	if err != nil {
		o.logger.Warn("Discarding unreadable message", "topic", d.Topic(), "error", err)
	}
	if ackErr := d.Ack(); ackErr != nil {
		o.logger.Debug("Ack failed", "topic", d.Topic(), "error", ackErr)
	}
}

// applyEnvelope folds a stage envelope into state: the request advances to
// the envelope's stage, or counts a duplicate.
func (o *Orchestrator) applyEnvelope(data []byte, live bool) error {
	env, err := envelope.Decode(data)
	if err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.RequestID == "" {
		return fmt.Errorf("envelope without request_id")
	}

	to := envelope.PhaseOf(env.Stage)
	res := o.store.advance(env.RequestID, to, env.ProducedAt.UTC(), payloadPriority(env.Payload), env.Attempt)
	summary := env.Payload.Summary()
	o.recordTransition(env.RequestID, to, env.ProducedAt.UTC(), res, live, &summary, "")
	return nil
}

func (o *Orchestrator) applyCompletion(data []byte, live bool) error {
	var evt envelope.CompletionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode completion event: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("completion event: %w", err)
	}
	at := eventTime(evt.ProducedAt)

	if evt.Status == envelope.CompletionSuccess {
		res := o.store.finish(evt.RequestID, envelope.PhaseCompleted, at, func(st *envelope.PipelineState) {
			st.ArtifactRef = evt.ArtifactRef
		})
		o.recordTransition(evt.RequestID, envelope.PhaseCompleted, at, res, live, completionSummary(&evt), "")
		return nil
	}

	reason := completionFailureReason(evt.TestResults)
	res := o.store.finish(evt.RequestID, envelope.PhaseFailed, at, func(st *envelope.PipelineState) {
		st.FailureStage = envelope.PhaseOf(envelope.StageTesting)
		st.FailureReason = reason
		st.ArtifactRef = evt.ArtifactRef
	})
	o.recordTransition(evt.RequestID, envelope.PhaseFailed, at, res, live, completionSummary(&evt), reason)
	return nil
}

func (o *Orchestrator) applyFailure(data []byte, live bool) error {
	var evt envelope.FailureEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode failure event: %w", err)
	}
	if evt.RequestID == "" {
		return fmt.Errorf("failure event without request_id")
	}
	at := eventTime(evt.ProducedAt)

	res := o.store.finish(evt.RequestID, envelope.PhaseFailed, at, func(st *envelope.PipelineState) {
		st.FailureStage = envelope.PhaseOf(evt.Stage)
		st.FailureReason = evt.Error
	})
	o.recordTransition(evt.RequestID, envelope.PhaseFailed, at, res, live, nil, evt.Error)
	return nil
}

func (o *Orchestrator) applyCancel(data []byte, live bool) error {
	var evt envelope.CancelEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode cancel event: %w", err)
	}
	if evt.RequestID == "" {
		return fmt.Errorf("cancel event without request_id")
	}
	at := eventTime(evt.ProducedAt)

	res := o.store.finish(evt.RequestID, envelope.PhaseCancelled, at, nil)
	o.recordTransition(evt.RequestID, envelope.PhaseCancelled, at, res, live, nil, evt.Reason)
	return nil
}

// recordTransition updates counters, metrics, and the event stream after an
// apply. Metrics and events are live-only; replay rebuilds state silently
// and finishReplay publishes the result once.
func (o *Orchestrator) recordTransition(id string, to envelope.Phase, at time.Time, res advanceResult, live bool, summary *envelope.Summary, reason string) {
	if !res.OK {
		o.duplicates.Add(1)
		o.logger.Debug("Late duplicate ignored",
			"request_id", id,
			"event_phase", string(to),
			"current_phase", string(res.From))
		return
	}
	o.applied.Add(1)
	if !live {
		return
	}

	o.metrics.PipelineRequestsActive.Set(float64(o.store.ActiveCount()))
	if res.From.StageIndex() >= 0 && res.Dwell > 0 {
		o.metrics.PipelineStageDwell.WithLabelValues(string(res.From)).Observe(res.Dwell.Seconds())
	}
	if to.Terminal() {
		o.metrics.PipelineTerminal.WithLabelValues(string(to)).Inc()
	}

	o.emit(envelope.PipelineEvent{
		Type:      envelope.EventStateTransition,
		RequestID: id,
		From:      res.From,
		To:        to,
		At:        at,
		Summary:   summary,
		Reason:    reason,
	})
	o.logger.Info("Request advanced",
		"request_id", id,
		"from", string(res.From),
		"to", string(to))
}

// sweep flags stalled requests and emits one event per new flag.
func (o *Orchestrator) sweep(now time.Time) {
	marked := o.store.markStalled(now, o.cfg.thresholdFor)
	for _, st := range marked {
		o.metrics.PipelineStalled.Inc()
		o.emit(envelope.PipelineEvent{
			Type:      envelope.EventStalled,
			RequestID: st.RequestID,
			To:        st.CurrentStage,
			At:        now,
			Reason:    fmt.Sprintf("no event for %s in phase %s", now.Sub(st.LastEventAt).Truncate(time.Second), st.CurrentStage),
		})
		o.logger.Warn("Request stalled",
			"request_id", st.RequestID,
			"phase", string(st.CurrentStage),
			"last_event_at", st.LastEventAt)
	}
}

// emit pushes an event without ever blocking the apply loop. A full buffer
// drops the event and counts it.
func (o *Orchestrator) emit(evt envelope.PipelineEvent) {
	select {
	case o.events <- evt:
	default:
		o.dropped.Add(1)
		o.logger.Debug("Event dropped, buffer full",
			"type", evt.Type,
			"request_id", evt.RequestID)
	}
}

// eventTime guards against unstamped events so state timestamps are never
// zero.
func eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func payloadPriority(p envelope.Payload) envelope.Priority {
	switch v := p.(type) {
	case *envelope.SubmissionPayload:
		return v.Priority
	case *envelope.AnalysisPayload:
		return v.Priority
	case *envelope.PlanningPayload:
		return v.Priority
	case *envelope.BlueprintPayload:
		return v.Priority
	case *envelope.CodingPayload:
		return v.Priority
	}
	return ""
}

func completionSummary(evt *envelope.CompletionEvent) *envelope.Summary {
	s := &envelope.Summary{Kind: "completion"}
	if evt.TestResults != nil {
		s.TestsPassed = evt.TestResults.Passed
		s.TestsFailed = evt.TestResults.Failed
	}
	if evt.ArtifactRef != nil {
		s.Files = len(evt.ArtifactRef.Paths)
	}
	return s
}

func completionFailureReason(tr *envelope.TestResults) string {
	if tr == nil {
		return "completion reported failure"
	}
	return fmt.Sprintf("verification failed: %d passed, %d failed, %d skipped", tr.Passed, tr.Failed, tr.Skipped)
}
