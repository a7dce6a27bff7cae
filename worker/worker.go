package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/devflow/broker"
	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/telemetry"
)

// defaultDeadlines bounds one transform invocation per stage.
var defaultDeadlines = map[envelope.Stage]time.Duration{
	envelope.StageAnalysis:  600 * time.Second,
	envelope.StagePlanning:  300 * time.Second,
	envelope.StageBlueprint: 600 * time.Second,
	envelope.StageCoding:    1200 * time.Second,
	envelope.StageTesting:   900 * time.Second,
}

// defaultConcurrency returns the parallel delivery limit for a stage. The
// testing stage serializes because its writes share one artifact checkout.
func defaultConcurrency(stage envelope.Stage) int {
	if stage == envelope.StageTesting {
		return 1
	}
	return 4
}

// Config tunes one stage worker.
type Config struct {
	// Stage this worker consumes. Must match the transform's stage.
	Stage envelope.Stage

	// Concurrency is the number of deliveries processed in parallel.
	Concurrency int

	// MaxAttempts is the delivery attempt ceiling. A retryable failure at
	// the ceiling goes terminal instead of requeueing.
	MaxAttempts int

	// Deadline bounds one transform invocation.
	Deadline time.Duration

	// DedupeSize bounds the idempotency cache.
	DedupeSize int

	// AckWait is how long the broker waits before redelivering an
	// unsettled delivery. Zero derives Deadline plus a minute of slack.
	AckWait time.Duration

	// WorkerID overrides the derived <stage>-<host>-<suffix> identity.
	WorkerID string

	// SubscribeTopic and PublishTopic override the stage-derived topics.
	// Normally left empty.
	SubscribeTopic string
	PublishTopic   string
}

// DefaultConfig returns the stock tuning for a stage.
func DefaultConfig(stage envelope.Stage) Config {
	return Config{
		Stage:       stage,
		Concurrency: defaultConcurrency(stage),
		MaxAttempts: 5,
		Deadline:    defaultDeadlines[stage],
		DedupeSize:  1024,
	}
}

// Worker binds one stage transform to the broker and drives the delivery
// loop. Replicas of the same stage share a consumer group, so the broker
// load-balances deliveries between them.
type Worker struct {
	cfg       Config
	id        string
	broker    broker.Broker
	transform Transform
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	cache     *lru.Cache[string, struct{}]
	sem       chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	sub     broker.Subscription
	wg      sync.WaitGroup

	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// New builds a worker. Zero config fields fall back to DefaultConfig for
// the transform's stage.
func New(cfg Config, b broker.Broker, transform Transform, metrics *telemetry.Metrics, logger *slog.Logger) (*Worker, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if transform == nil {
		return nil, fmt.Errorf("transform is required")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required")
	}
	if cfg.Stage == "" {
		cfg.Stage = transform.Stage()
	}
	if !cfg.Stage.Valid() {
		return nil, fmt.Errorf("unknown stage %q", cfg.Stage)
	}
	if cfg.Stage != transform.Stage() {
		return nil, fmt.Errorf("config stage %q does not match transform stage %q", cfg.Stage, transform.Stage())
	}

	defaults := DefaultConfig(cfg.Stage)
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaults.Deadline
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaults.DedupeSize
	}
	if cfg.AckWait <= 0 {
		// Slack past the transform deadline so the broker never
		// redelivers a message that is still being worked on.
		cfg.AckWait = cfg.Deadline + time.Minute
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = newWorkerID(cfg.Stage)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("build idempotency cache: %w", err)
	}

	return &Worker{
		cfg:       cfg,
		id:        cfg.WorkerID,
		broker:    b,
		transform: transform,
		metrics:   metrics,
		logger:    logger,
		cache:     cache,
		sem:       make(chan struct{}, cfg.Concurrency),
	}, nil
}

// newWorkerID derives a provenance identity for this replica.
func newWorkerID(stage envelope.Stage) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%s-%s", stage, host, uuid.NewString()[:8])
}

// ID returns the worker's provenance identity.
func (w *Worker) ID() string { return w.id }

// Start subscribes to the stage topic and begins the delivery loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	topic := w.cfg.SubscribeTopic
	if topic == "" {
		topic = broker.StageTopic(w.cfg.Stage)
	}
	sub, err := w.broker.Subscribe(runCtx, topic, broker.StageGroup(w.cfg.Stage), broker.SubscribeOptions{
		AckWait:    w.cfg.AckWait,
		MaxDeliver: w.cfg.MaxAttempts,
	})
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.cancel = nil
		w.mu.Unlock()
		cancel()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()

	go w.run(runCtx, sub)

	w.logger.Info("Stage worker started",
		"stage", w.cfg.Stage.String(),
		"worker_id", w.id,
		"topic", topic,
		"concurrency", w.cfg.Concurrency,
		"max_attempts", w.cfg.MaxAttempts,
		"deadline", w.cfg.Deadline)
	return nil
}

// run pulls deliveries as capacity frees up and dispatches them. The
// semaphore is acquired before the fetch so a busy worker never holds an
// unprocessed delivery against its ack window.
func (w *Worker) run(ctx context.Context, sub broker.Subscription) {
	for {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		delivery, err := sub.Next(ctx)
		if err != nil {
			<-w.sem
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			w.logger.Debug("Fetch error", "error", err)
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.handle(ctx, delivery)
		}()
	}
}

// handle drives one delivery through decode, validation, the idempotency
// cache, the transform, and publication.
func (w *Worker) handle(ctx context.Context, d broker.Delivery) {
	stage := w.cfg.Stage.String()
	w.metrics.StageMessagesIn.WithLabelValues(stage).Inc()
	w.metrics.StageActiveTasks.WithLabelValues(stage).Inc()
	defer w.metrics.StageActiveTasks.WithLabelValues(stage).Dec()

	attempt := d.Attempt()
	if attempt > 1 {
		w.metrics.StageRedeliveries.WithLabelValues(stage).Inc()
	}

	env, err := envelope.Decode(d.Data())
	if err != nil {
		w.reject(ctx, d, fmt.Sprintf("decode: %v", err))
		return
	}
	if err := env.Validate(w.cfg.Stage); err != nil {
		w.fail(ctx, d, env.RequestID, err)
		return
	}

	fingerprint, err := env.Fingerprint()
	if err != nil {
		fingerprint = ""
	}
	if fingerprint != "" {
		if _, seen := w.cache.Get(fingerprint); seen {
			w.skipped.Add(1)
			w.logger.Debug("Duplicate delivery skipped",
				"request_id", env.RequestID,
				"stage", stage,
				"attempt", attempt)
			w.settle(d.Ack())
			return
		}
	}

	spanCtx, span := telemetry.StartStageSpan(ctx, w.tracer, stage, env.RequestID, attempt)
	workCtx, cancel := context.WithTimeout(spanCtx, w.cfg.Deadline)
	start := time.Now()
	outcome, err := w.transform.Run(workCtx, env)
	deadlineHit := errors.Is(workCtx.Err(), context.DeadlineExceeded)
	cancel()
	w.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	telemetry.EndSpan(span, err)

	if err != nil {
		if deadlineHit {
			w.metrics.StageDeadlineHits.WithLabelValues(stage).Inc()
		}
		w.fail(ctx, d, env.RequestID, err)
		return
	}

	if outcome == nil {
		w.skipped.Add(1)
		w.remember(fingerprint)
		w.settle(d.Ack())
		return
	}

	if outcome.Completion != nil {
		w.publishCompletion(ctx, d, env, fingerprint, outcome.Completion)
		return
	}

	w.publishNext(ctx, d, env, fingerprint, outcome.Payload)
}

// publishNext builds and publishes the successor envelope, then acks.
func (w *Worker) publishNext(ctx context.Context, d broker.Delivery, env *envelope.Envelope, fingerprint string, payload envelope.Payload) {
	stage := w.cfg.Stage.String()

	successor, err := env.Next(payload, w.id)
	if err != nil {
		w.fail(ctx, d, env.RequestID, err)
		return
	}
	data, err := json.Marshal(successor)
	if err != nil {
		w.fail(ctx, d, env.RequestID, err)
		return
	}
	msgID, err := successor.Fingerprint()
	if err != nil {
		w.fail(ctx, d, env.RequestID, err)
		return
	}

	topic := w.cfg.PublishTopic
	if topic == "" {
		topic = broker.StageTopic(successor.Stage)
	}
	if err := w.broker.Publish(ctx, topic, data, broker.PublishOptions{Key: env.RequestID, MsgID: msgID}); err != nil {
		w.fail(ctx, d, env.RequestID, Retryable(fmt.Errorf("publish %s: %w", topic, err)))
		return
	}

	w.metrics.StageMessagesOut.WithLabelValues(stage).Inc()
	w.processed.Add(1)
	w.remember(fingerprint)
	w.settle(d.Ack())

	w.logger.Info("Stage completed",
		"request_id", env.RequestID,
		"stage", stage,
		"next", successor.Stage.String(),
		"attempt", d.Attempt())
}

// publishCompletion publishes the final stage's completion event, then acks.
func (w *Worker) publishCompletion(ctx context.Context, d broker.Delivery, env *envelope.Envelope, fingerprint string, evt *envelope.CompletionEvent) {
	stage := w.cfg.Stage.String()

	if _, ok := w.cfg.Stage.Next(); ok {
		w.fail(ctx, d, env.RequestID, Permanent(fmt.Errorf("stage %s cannot emit a completion event", stage)))
		return
	}
	if evt.WorkerID == "" {
		evt.WorkerID = w.id
	}
	if evt.ProducedAt.IsZero() {
		evt.ProducedAt = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		w.fail(ctx, d, env.RequestID, err)
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		w.fail(ctx, d, env.RequestID, err)
		return
	}

	// Keyed on the input fingerprint: a redelivery that produced the same
	// result is suppressed by the broker instead of reaching the
	// orchestrator twice.
	topic := w.cfg.PublishTopic
	if topic == "" {
		topic = broker.TopicCompletion
	}
	opts := broker.PublishOptions{Key: env.RequestID, MsgID: "completion-" + fingerprint}
	if err := w.broker.Publish(ctx, topic, data, opts); err != nil {
		w.fail(ctx, d, env.RequestID, Retryable(fmt.Errorf("publish %s: %w", topic, err)))
		return
	}

	w.metrics.StageMessagesOut.WithLabelValues(stage).Inc()
	w.processed.Add(1)
	w.remember(fingerprint)
	w.settle(d.Ack())

	w.logger.Info("Pipeline run completed",
		"request_id", env.RequestID,
		"status", evt.Status,
		"attempt", d.Attempt())
}

// fail settles a failed delivery: requeue while the error is retryable and
// attempts remain, otherwise record a failure event, copy the message to
// the DLQ, and ack to break the loop.
func (w *Worker) fail(ctx context.Context, d broker.Delivery, requestID string, cause error) {
	stage := w.cfg.Stage.String()
	retryable := IsRetryable(cause)
	attempt := d.Attempt()
	w.metrics.StageErrors.WithLabelValues(stage, strconv.FormatBool(retryable)).Inc()
	w.failed.Add(1)

	if retryable && attempt < w.cfg.MaxAttempts {
		w.logger.Warn("Transform failed, requeueing",
			"request_id", requestID,
			"stage", stage,
			"attempt", attempt,
			"error", cause)
		w.settle(d.Nak(requeueDelay(attempt)))
		return
	}

	evt := envelope.FailureEvent{
		RequestID:  requestID,
		Stage:      w.cfg.Stage,
		Error:      cause.Error(),
		Retryable:  retryable,
		Attempt:    attempt,
		ProducedAt: time.Now().UTC(),
		WorkerID:   w.id,
	}
	data, err := json.Marshal(evt)
	if err == nil {
		err = w.broker.Publish(ctx, broker.TopicFailures, data, broker.PublishOptions{
			Key:   requestID,
			MsgID: fmt.Sprintf("failure-%s-%s-%d", requestID, stage, attempt),
		})
	}
	if err != nil {
		// The failure is not recorded yet, so the delivery must not be
		// acked. Hand it back and retry the whole path on redelivery.
		w.logger.Error("Failure event publish failed",
			"request_id", requestID,
			"stage", stage,
			"error", err)
		w.settle(d.Nak(requeueDelay(attempt)))
		return
	}

	w.deadLetter(ctx, d, requestID, cause.Error())
	w.settle(d.Ack())

	w.logger.Error("Transform failed terminally",
		"request_id", requestID,
		"stage", stage,
		"attempt", attempt,
		"retryable", retryable,
		"error", cause)
}

// reject dead-letters a delivery whose bytes never decoded. There is no
// trustworthy request id to attribute a failure event to, so the message
// goes straight to the DLQ and is terminated.
func (w *Worker) reject(ctx context.Context, d broker.Delivery, reason string) {
	stage := w.cfg.Stage.String()
	w.metrics.StageErrors.WithLabelValues(stage, "false").Inc()
	w.failed.Add(1)

	w.deadLetter(ctx, d, d.Key(), reason)
	w.settle(d.Term())

	w.logger.Warn("Unparseable delivery dead-lettered",
		"stage", stage,
		"reason", reason,
		"bytes", len(d.Data()))
}

// deadLetter copies a delivery to the stage DLQ topic. Best effort once a
// failure event is recorded; the message id is derived from the original
// bytes so redeliveries collapse into one DLQ entry.
func (w *Worker) deadLetter(ctx context.Context, d broker.Delivery, requestID, reason string) {
	dl := envelope.NewDeadLetter(w.cfg.Stage, d.Data(), reason, d.Attempt(), w.id)
	data, err := json.Marshal(dl)
	if err == nil {
		sum := sha256.Sum256(d.Data())
		err = w.broker.Publish(ctx, broker.DLQTopic(w.cfg.Stage), data, broker.PublishOptions{
			Key:   requestID,
			MsgID: "dlq-" + hex.EncodeToString(sum[:16]),
		})
	}
	if err != nil {
		w.logger.Warn("Dead letter publish failed",
			"request_id", requestID,
			"stage", w.cfg.Stage.String(),
			"error", err)
	}
}

// remember marks a fingerprint as processed.
func (w *Worker) remember(fingerprint string) {
	if fingerprint != "" {
		w.cache.Add(fingerprint, struct{}{})
	}
}

// settle logs a failed ack, nak, or term. A settle error means the broker
// will redeliver; the idempotency cache absorbs the repeat.
func (w *Worker) settle(err error) {
	if err != nil {
		w.logger.Warn("Delivery settle failed", "error", err)
	}
}

// requeueDelay spaces redeliveries out: 1s doubling to a 30s ceiling.
func requeueDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		attempt = 5
	}
	d := time.Second << uint(attempt-1)
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// Stop cancels the delivery loop, waits up to timeout for in-flight
// deliveries, and releases the subscription.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	sub := w.sub
	w.cancel = nil
	w.sub = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		w.logger.Warn("Stop timed out with deliveries in flight",
			"stage", w.cfg.Stage.String())
	}

	if sub != nil {
		if err := sub.Stop(); err != nil && !errors.Is(err, broker.ErrClosed) {
			w.logger.Warn("Subscription stop failed", "error", err)
		}
	}

	w.logger.Info("Stage worker stopped",
		"stage", w.cfg.Stage.String(),
		"processed", w.processed.Load(),
		"skipped", w.skipped.Load(),
		"failed", w.failed.Load())
	return nil
}
