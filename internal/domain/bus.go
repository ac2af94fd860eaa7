package domain

import (
	"context"
)

// EventBus carries anomaly events and async transaction intake between
// components. The Community tier runs it in-process over channels; the Pro
// tier runs it over NATS. Every publish and subscribe is scoped to a tenant
// so one tenant can never observe another's traffic.
type EventBus interface {
	// Publish wraps payload in a Message envelope and delivers it to every
	// subscriber of the tenant-scoped topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe invokes handler for each message on the tenant-scoped topic
	// until the context is canceled or the subscription is closed.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler consumes one delivered message. A non-nil error is logged
// by the bus; delivery is not retried.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every bus implementation delivers.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is a handle on an active topic subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus backend.
type EventBusConfig struct {
	// Type picks the backend, "channel" or "nats".
	Type string

	// ChannelBufferSize caps each in-process subscriber inbox.
	ChannelBufferSize int

	// NATS connection settings, used only when Type is "nats".
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// TransactionMessage is the payload for async transaction intake: published
// by the API on TopicTransactionIngested, consumed by the worker.
type TransactionMessage struct {
	TxID     string              `json:"txId"`
	TenantID string              `json:"tenantId"`
	TraceID  string              `json:"traceId,omitempty"`
	TxType   string              `json:"txType,omitempty"`
	UserID   string              `json:"userId,omitempty"`
	Context  *TransactionContext `json:"context"`
}

// Standard topic names.
const (
	// TopicTransactionIngested carries contexts submitted for async evaluation.
	TopicTransactionIngested = "kestrel.transaction.ingested"

	// TopicAnomalyDetected carries one AnomalyEvent per persisted detection.
	TopicAnomalyDetected = "kestrel.anomaly.detected"

	// TopicDetectionCompleted carries the full DetectionResult per evaluation.
	TopicDetectionCompleted = "kestrel.detection.completed"
)
