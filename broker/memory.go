package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Broker used in tests. Semantics mirror the
// JetStream implementation: a new group binding starts from the full
// retained log, group cursors are shared between subscribers, naks
// redeliver with an incremented attempt count, MaxDeliver caps attempts,
// and publishes carrying a message ID are deduplicated.
type Memory struct {
	mu        sync.Mutex
	logs      map[string][]memMsg
	groups    map[string]*memGroup
	dedup     map[string]struct{}
	ephemeral int
	closed    bool
}

type memMsg struct {
	data []byte
	key  string
}

type memGroup struct {
	topic      string
	queue      []*memPending
	maxDeliver int
	durable    bool
}

type memPending struct {
	msg       memMsg
	attempt   int
	notBefore time.Time
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		logs:   make(map[string][]memMsg),
		groups: make(map[string]*memGroup),
		dedup:  make(map[string]struct{}),
	}
}

func (m *Memory) Publish(_ context.Context, topic string, data []byte, opts PublishOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if opts.MsgID != "" {
		id := topic + "|" + opts.MsgID
		if _, dup := m.dedup[id]; dup {
			return nil
		}
		m.dedup[id] = struct{}{}
	}

	msg := memMsg{data: append([]byte(nil), data...), key: opts.Key}
	m.logs[topic] = append(m.logs[topic], msg)
	for _, g := range m.groups {
		if g.topic == topic {
			g.queue = append(g.queue, &memPending{msg: msg, attempt: 1})
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topic, group string, opts SubscribeOptions) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	key := topic + "|" + group
	if opts.FromStart {
		m.ephemeral++
		key = fmt.Sprintf("%s|replay-%d", topic, m.ephemeral)
	}

	g, ok := m.groups[key]
	if !ok {
		g = &memGroup{
			topic:      topic,
			maxDeliver: opts.MaxDeliver,
			durable:    !opts.FromStart,
		}
		for _, msg := range m.logs[topic] {
			g.queue = append(g.queue, &memPending{msg: msg, attempt: 1})
		}
		m.groups[key] = g
	}

	return &memSubscription{
		broker: m,
		key:    key,
		topic:  topic,
		done:   make(chan struct{}),
	}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a snapshot of everything published to topic, oldest
// first. Test helper.
func (m *Memory) Messages(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.logs[topic]))
	for _, msg := range m.logs[topic] {
		out = append(out, append([]byte(nil), msg.data...))
	}
	return out
}

// Keys returns the request IDs attached to publishes on topic, oldest
// first. Test helper.
func (m *Memory) Keys(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.logs[topic]))
	for _, msg := range m.logs[topic] {
		out = append(out, msg.key)
	}
	return out
}

func (m *Memory) pop(key string) (*memDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	g, ok := m.groups[key]
	if !ok {
		return nil, ErrClosed
	}
	now := time.Now()
	for i, p := range g.queue {
		if p.notBefore.After(now) {
			continue
		}
		g.queue = append(g.queue[:i], g.queue[i+1:]...)
		return &memDelivery{broker: m, key: key, pending: p, topic: g.topic}, nil
	}
	return nil, nil
}

func (m *Memory) requeue(key string, p *memPending, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[key]
	if !ok {
		return
	}
	if g.maxDeliver > 0 && p.attempt >= g.maxDeliver {
		return
	}
	g.queue = append(g.queue, &memPending{
		msg:       p.msg,
		attempt:   p.attempt + 1,
		notBefore: time.Now().Add(delay),
	})
}

func (m *Memory) dropGroup(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[key]; ok && !g.durable {
		delete(m.groups, key)
	}
}

type memSubscription struct {
	broker *Memory
	key    string
	topic  string

	stopOnce sync.Once
	done     chan struct{}
}

func (s *memSubscription) Next(ctx context.Context) (Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		default:
		}

		d, err := s.broker.pop(s.key)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *memSubscription) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.broker.dropGroup(s.key)
	})
	return nil
}

type memDelivery struct {
	broker  *Memory
	key     string
	topic   string
	pending *memPending

	mu      sync.Mutex
	settled bool
}

func (d *memDelivery) Data() []byte  { return d.pending.msg.data }
func (d *memDelivery) Topic() string { return d.topic }
func (d *memDelivery) Key() string   { return d.pending.msg.key }
func (d *memDelivery) Attempt() int  { return d.pending.attempt }

func (d *memDelivery) Ack() error {
	return d.settle(func() {})
}

func (d *memDelivery) Nak(delay time.Duration) error {
	return d.settle(func() {
		d.broker.requeue(d.key, d.pending, delay)
	})
}

func (d *memDelivery) Term() error {
	return d.settle(func() {})
}

func (d *memDelivery) settle(apply func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return fmt.Errorf("delivery already settled")
	}
	d.settled = true
	apply()
	return nil
}
