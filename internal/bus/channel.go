// Package bus provides the event transports Kestrel publishes anomaly
// events on: an in-process channel bus for the community tier and NATS
// for distributed deployments.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultBuffer = 1000

// ChannelBus is an in-process EventBus backed by buffered channels.
// Delivery is at-most-once: a subscriber whose buffer is full loses the
// message rather than stalling the publisher.
type ChannelBus struct {
	mu      sync.RWMutex
	buffer  int
	subs    map[string]map[string]*chanSub // tenant:topic -> sub id -> sub
	closed  bool
	dropped atomic.Int64
}

type chanSub struct {
	id     string
	topic  string
	inbox  chan *domain.Message
	cancel context.CancelFunc
}

// NewChannelBus builds a bus whose subscriber inboxes hold bufferSize
// messages each.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	return &ChannelBus{
		buffer: bufferSize,
		subs:   make(map[string]map[string]*chanSub),
	}
}

// Publish fans the payload out to every subscriber of (tenantID, topic).
// Publishing to a topic nobody listens on succeeds silently.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{},
		Timestamp: time.Now().UnixNano(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	for _, sub := range b.subs[scopedTopic(tenantID, topic)] {
		select {
		case sub.inbox <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers handler for (tenantID, topic). The handler runs on
// a dedicated goroutine until Unsubscribe, ctx cancellation, or Close.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &chanSub{
		id:     uuid.NewString(),
		topic:  topic,
		inbox:  make(chan *domain.Message, b.buffer),
		cancel: cancel,
	}

	go pump(runCtx, sub, handler)

	key := scopedTopic(tenantID, topic)
	if b.subs[key] == nil {
		b.subs[key] = make(map[string]*chanSub)
	}
	b.subs[key][sub.id] = sub

	return sub, nil
}

func pump(ctx context.Context, sub *chanSub, handler domain.MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.inbox:
			if msg == nil {
				return
			}
			// Handler errors are the subscriber's problem; the bus has
			// no retry semantics.
			_ = handler(ctx, msg)
		}
	}
}

// Dropped reports how many messages were discarded on full inboxes.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

// Ping reports whether the bus accepts traffic.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close stops all subscriptions. Idempotent.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, byID := range b.subs {
		for _, sub := range byID {
			sub.cancel()
			close(sub.inbox)
		}
	}
	b.subs = make(map[string]map[string]*chanSub)
	return nil
}

func scopedTopic(tenantID, topic string) string {
	return tenantID + ":" + topic
}

func (s *chanSub) Unsubscribe() error {
	s.cancel()
	return nil
}

func (s *chanSub) Topic() string { return s.topic }
