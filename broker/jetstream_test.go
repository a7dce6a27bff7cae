package broker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newEmbeddedBroker(t *testing.T) *JetStream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	b, err := Connect(ctx, ConnectOptions{
		Embedded: true,
		StoreDir: t.TempDir(),
		Name:     "broker-test",
	}, slog.Default())
	if err != nil {
		t.Skipf("embedded broker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestJetStreamPublishSubscribeAck(t *testing.T) {
	b := newEmbeddedBroker(t)
	ctx := context.Background()

	err := b.Publish(ctx, "tasks.analysis", []byte(`{"request_id":"req-1"}`), PublishOptions{Key: "req-1"})
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "tasks.analysis", "analysis-agent-group", SubscribeOptions{
		AckWait: 5 * time.Second,
	})
	require.NoError(t, err)
	defer func() { _ = sub.Stop() }()

	d := nextWithin(t, sub, 10*time.Second)
	require.Equal(t, []byte(`{"request_id":"req-1"}`), d.Data())
	require.Equal(t, "tasks.analysis", d.Topic())
	require.Equal(t, "req-1", d.Key())
	require.Equal(t, 1, d.Attempt())
	require.NoError(t, d.Ack())
}

func TestJetStreamNakRedeliversWithAttemptCount(t *testing.T) {
	b := newEmbeddedBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "tasks.planning", []byte("retry me"), PublishOptions{}))

	sub, err := b.Subscribe(ctx, "tasks.planning", "planning-agent-group", SubscribeOptions{
		AckWait: 5 * time.Second,
	})
	require.NoError(t, err)
	defer func() { _ = sub.Stop() }()

	first := nextWithin(t, sub, 10*time.Second)
	require.Equal(t, 1, first.Attempt())
	require.NoError(t, first.Nak(0))

	second := nextWithin(t, sub, 10*time.Second)
	require.Equal(t, 2, second.Attempt())
	require.Equal(t, "retry me", string(second.Data()))
	require.NoError(t, second.Ack())
}

func TestJetStreamMsgIDDeduplicates(t *testing.T) {
	b := newEmbeddedBroker(t)
	ctx := context.Background()

	opts := PublishOptions{Key: "req-1", MsgID: "fp-dedup-1"}
	require.NoError(t, b.Publish(ctx, "tasks.blueprint", []byte("once"), opts))
	require.NoError(t, b.Publish(ctx, "tasks.blueprint", []byte("once"), opts))

	sub, err := b.Subscribe(ctx, "tasks.blueprint", "blueprint-agent-group", SubscribeOptions{})
	require.NoError(t, err)
	defer func() { _ = sub.Stop() }()

	d := nextWithin(t, sub, 10*time.Second)
	require.NoError(t, d.Ack())

	expectNoMessage(t, sub, 500*time.Millisecond)
}

func TestJetStreamFromStartReplaysAckedMessages(t *testing.T) {
	b := newEmbeddedBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "orchestration.events", []byte("evt-1"), PublishOptions{}))
	require.NoError(t, b.Publish(ctx, "orchestration.events", []byte("evt-2"), PublishOptions{}))

	durable, err := b.Subscribe(ctx, "orchestration.events", OrchestratorGroup, SubscribeOptions{})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		d := nextWithin(t, durable, 10*time.Second)
		require.NoError(t, d.Ack())
	}
	require.NoError(t, durable.Stop())

	replay, err := b.Subscribe(ctx, "orchestration.events", OrchestratorGroup, SubscribeOptions{FromStart: true})
	require.NoError(t, err)
	defer func() { _ = replay.Stop() }()

	first := nextWithin(t, replay, 10*time.Second)
	second := nextWithin(t, replay, 10*time.Second)
	require.Equal(t, "evt-1", string(first.Data()))
	require.Equal(t, "evt-2", string(second.Data()))
}

func TestJetStreamSubscribeUnknownTopicFails(t *testing.T) {
	b := newEmbeddedBroker(t)
	_, err := b.Subscribe(context.Background(), "bogus.topic", "group", SubscribeOptions{})
	require.Error(t, err)
}

func TestWrapDialErrorGuidance(t *testing.T) {
	refused := errors.New("dial tcp 127.0.0.1:4222: connect: connection refused")
	err := wrapDialError(refused, "nats://localhost:4222")
	require.ErrorIs(t, err, refused)
	require.Contains(t, err.Error(), "nats://localhost:4222")
	require.Contains(t, err.Error(), "--standalone")

	other := errors.New("nats: authorization violation")
	err = wrapDialError(other, "nats://localhost:4222")
	require.ErrorIs(t, err, other)
	require.NotContains(t, err.Error(), "--standalone")
}
