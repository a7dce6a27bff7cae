// Package broker adapts the durable message fabric behind the pipeline.
// It exposes publish and pull-subscribe primitives over named topics with
// shared consumer groups, explicit acknowledgement, redelivery counting,
// and publisher-side duplicate suppression keyed by message ID.
//
// Deliveries carry raw bytes. Decoding happens in the consumer so that a
// malformed message can still be acknowledged and routed to a dead-letter
// topic instead of redelivering forever.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned once a broker or subscription has been shut down.
var ErrClosed = errors.New("broker: closed")

// PublishOptions tune a single publish.
type PublishOptions struct {
	// Key carries the request ID with the message for tracing and for
	// key-based partitioning on fabrics that support it.
	Key string

	// MsgID enables broker-side duplicate suppression. Publishes of the
	// same MsgID inside the dedup window are accepted and dropped.
	MsgID string
}

// SubscribeOptions tune a consumer group binding.
type SubscribeOptions struct {
	// AckWait is how long the broker waits for an ack before redelivering.
	// Zero means the broker default.
	AckWait time.Duration

	// MaxDeliver caps delivery attempts per message. Zero means unlimited.
	MaxDeliver int

	// FromStart requests an ephemeral replay of the full retained topic
	// instead of joining the group's durable cursor.
	FromStart bool
}

// Delivery is one received message. Exactly one of Ack, Nak, or Term
// should be called to settle it.
type Delivery interface {
	// Data is the raw message body.
	Data() []byte

	// Topic names the topic the message arrived on.
	Topic() string

	// Key is the request ID the publisher attached, if any.
	Key() string

	// Attempt is the 1-based delivery attempt for this consumer group.
	Attempt() int

	// Ack settles the message as processed.
	Ack() error

	// Nak rejects the message for redelivery after the given delay.
	// A zero delay redelivers as soon as the broker allows.
	Nak(delay time.Duration) error

	// Term settles the message as unprocessable. It will not redeliver.
	Term() error
}

// Subscription is a pull binding of one consumer group to one topic.
type Subscription interface {
	// Next blocks until a message is available or ctx is done.
	Next(ctx context.Context) (Delivery, error)

	// Stop releases the binding. Durable group progress is retained.
	Stop() error
}

// Broker publishes to and subscribes from the message fabric.
type Broker interface {
	Publish(ctx context.Context, topic string, data []byte, opts PublishOptions) error
	Subscribe(ctx context.Context, topic, group string, opts SubscribeOptions) (Subscription, error)
	Close() error
}
