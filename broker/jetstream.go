package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// headerRequestID carries the publisher's request ID on each message.
const headerRequestID = "Devflow-Request-Id"

// dedupWindow is how long the streams remember message IDs for
// publisher-side duplicate suppression.
const dedupWindow = 2 * time.Minute

// fetchWait bounds each pull so Next can notice a cancelled context.
const fetchWait = 5 * time.Second

// ConnectOptions configure Connect.
type ConnectOptions struct {
	// URL is the broker address, e.g. nats://localhost:4222. Ignored when
	// Embedded is set.
	URL string

	// Embedded starts an in-process server with JetStream enabled instead
	// of dialing URL. Used by the single-binary mode and by tests.
	Embedded bool

	// StoreDir is where the embedded server keeps stream data. Empty
	// leaves the server default in place.
	StoreDir string

	// Timeout bounds each dial attempt. Zero means 5s.
	Timeout time.Duration

	// Retries is how many additional dial attempts to make before
	// giving up.
	Retries int

	// Name identifies the connection to the broker for monitoring.
	Name string
}

// JetStream is the NATS JetStream implementation of Broker.
type JetStream struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	embedded *server.Server
	logger   *slog.Logger
}

// Connect dials the broker (or starts an embedded server), verifies
// JetStream is available, and ensures the pipeline streams exist.
func Connect(ctx context.Context, opts ConnectOptions, logger *slog.Logger) (*JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "devflow"
	}

	var embedded *server.Server
	url := opts.URL
	if opts.Embedded {
		ns, err := startEmbedded(opts.StoreDir)
		if err != nil {
			return nil, err
		}
		embedded = ns
		url = ns.ClientURL()
	}

	nc, err := dial(ctx, url, opts, logger)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b := &JetStream{nc: nc, js: js, embedded: embedded, logger: logger}
	if err := b.ensureStreams(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func dial(ctx context.Context, url string, opts ConnectOptions, logger *slog.Logger) (*nats.Conn, error) {
	var nc *nats.Conn
	var err error
	for attempt := 0; ; attempt++ {
		nc, err = nats.Connect(url, nats.Name(opts.Name), nats.Timeout(opts.Timeout))
		if err == nil {
			return nc, nil
		}
		if attempt >= opts.Retries {
			return nil, wrapDialError(err, url)
		}
		logger.Warn("Broker connect failed, retrying",
			"url", url,
			"attempt", attempt+1,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// wrapDialError turns the common unreachable-broker failures into an
// actionable message instead of a bare dial error.
func wrapDialError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`broker connection failed: %w

No broker is reachable at %s.

Start one, point BROKER_URL at a running NATS server, or run
"devflow all --standalone" to use an embedded broker.`, err, url)
	}
	return fmt.Errorf("connect to broker at %s: %w", url, err)
}

func startEmbedded(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Port:      -1, // Random available port
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded broker: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded broker failed to start")
	}
	return ns, nil
}

func (b *JetStream) ensureStreams(ctx context.Context) error {
	for _, def := range Streams() {
		_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       def.Name,
			Subjects:   def.Subjects,
			Duplicates: dedupWindow,
		})
		if err != nil {
			return fmt.Errorf("ensure stream %s: %w", def.Name, err)
		}
	}
	return nil
}

// Publish sends data to topic. When opts.MsgID is set the stream drops
// repeat publishes of the same ID inside the dedup window.
func (b *JetStream) Publish(ctx context.Context, topic string, data []byte, opts PublishOptions) error {
	msg := &nats.Msg{Subject: topic, Data: data}
	if opts.Key != "" {
		msg.Header = nats.Header{}
		msg.Header.Set(headerRequestID, opts.Key)
	}

	var popts []jetstream.PublishOpt
	if opts.MsgID != "" {
		popts = append(popts, jetstream.WithMsgID(opts.MsgID))
	}

	if _, err := b.js.PublishMsg(ctx, msg, popts...); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe binds a consumer group to a topic. With opts.FromStart the
// binding is an ephemeral replay of everything the stream retains;
// otherwise it joins the group's durable cursor shared across processes.
func (b *JetStream) Subscribe(ctx context.Context, topic, group string, opts SubscribeOptions) (Subscription, error) {
	streamName, err := StreamForTopic(topic)
	if err != nil {
		return nil, err
	}
	stream, err := b.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("lookup stream %s: %w", streamName, err)
	}

	ackWait := opts.AckWait
	if ackWait == 0 {
		ackWait = 30 * time.Second
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject: topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if opts.MaxDeliver > 0 {
		cfg.MaxDeliver = opts.MaxDeliver
	}
	if opts.FromStart {
		// Ephemeral replay consumer. The server names it and reaps it
		// once the subscriber goes away.
		cfg.InactiveThreshold = 5 * time.Minute
	} else {
		cfg.Durable = durableName(group, topic)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s on %s: %w", group, topic, err)
	}

	return &jsSubscription{
		consumer: consumer,
		topic:    topic,
		logger:   b.logger,
		done:     make(chan struct{}),
	}, nil
}

// Close drains the connection and stops the embedded server if one was
// started.
func (b *JetStream) Close() error {
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
	return nil
}

type jsSubscription struct {
	consumer jetstream.Consumer
	topic    string
	logger   *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

func (s *jsSubscription) Next(ctx context.Context) (Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		default:
		}

		msgs, err := s.consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Debug("Fetch timeout or error", "topic", s.topic, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			return newJSDelivery(msg, s.topic), nil
		}
		if err := msgs.Error(); err != nil {
			s.logger.Debug("Message fetch error", "topic", s.topic, "error", err)
		}
	}
}

func (s *jsSubscription) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

type jsDelivery struct {
	msg     jetstream.Msg
	topic   string
	attempt int
}

func newJSDelivery(msg jetstream.Msg, topic string) *jsDelivery {
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	return &jsDelivery{msg: msg, topic: topic, attempt: attempt}
}

func (d *jsDelivery) Data() []byte  { return d.msg.Data() }
func (d *jsDelivery) Topic() string { return d.topic }
func (d *jsDelivery) Attempt() int  { return d.attempt }

func (d *jsDelivery) Key() string {
	return d.msg.Headers().Get(headerRequestID)
}

func (d *jsDelivery) Ack() error { return d.msg.Ack() }

func (d *jsDelivery) Nak(delay time.Duration) error {
	if delay > 0 {
		return d.msg.NakWithDelay(delay)
	}
	return d.msg.Nak()
}

func (d *jsDelivery) Term() error { return d.msg.Term() }
