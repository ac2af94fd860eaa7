// Package worker runs detection asynchronously for the Pro tier. It drains
// ingested transactions off the event bus so the HTTP ingest path can return
// 202 immediately.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// globalScope subscribes across all tenants; messages carry their own tenant.
const globalScope = "_global"

// Worker drains the transaction-ingested topic, scores each transaction
// through the orchestrator, and publishes the outcome on the
// detection-completed topic.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	cache  domain.Cache
	engine *engine.Orchestrator

	mu   sync.Mutex
	subs map[string]domain.Subscription

	processed atomic.Int64
	failed    atomic.Int64

	runCtx context.Context
	halt   context.CancelFunc
}

// Config selects which tenants the worker consumes. An empty list means
// a single subscription covering every tenant.
type Config struct {
	TenantIDs []string
}

// NewWorker wires a worker against the bus and the detection pipeline.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache, orchestrator *engine.Orchestrator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		cache:  cache,
		engine: orchestrator,
		subs:   make(map[string]domain.Subscription),
		runCtx: ctx,
		halt:   cancel,
	}
}

// Start opens one subscription per configured tenant, or a single
// all-tenant subscription when none are configured.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.subscribeAll()
	}

	started := 0
	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribeTenant(tenantID); err != nil {
			slog.Error("worker subscription failed",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}

	slog.Info("async workers running",
		"tenants_requested", len(cfg.TenantIDs),
		"tenants_started", started,
	)
	return nil
}

func (w *Worker) subscribeAll() error {
	sub, err := w.bus.Subscribe(w.runCtx, globalScope, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.score(ctx, msg.TenantID, msg)
	})
	if err != nil {
		return err
	}

	w.track(globalScope, sub)
	slog.Info("async worker running", "scope", "all tenants")
	return nil
}

func (w *Worker) subscribeTenant(tenantID string) error {
	sub, err := w.bus.Subscribe(w.runCtx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.score(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.track(tenantID, sub)
	slog.Info("async worker running",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

func (w *Worker) track(scope string, sub domain.Subscription) {
	w.mu.Lock()
	w.subs[scope] = sub
	w.mu.Unlock()
}

// score decodes one ingested transaction, runs detection, records the
// observation and profile side effects, and announces completion.
func (w *Worker) score(ctx context.Context, tenantID string, msg *domain.Message) error {
	var txMsg domain.TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		w.failed.Add(1)
		slog.Error("undecodable transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// The message tenant wins over the subscription scope.
	if txMsg.TenantID != "" {
		tenantID = txMsg.TenantID
	}

	result, err := w.engine.Detect(ctx, &engine.Input{
		TenantID: tenantID,
		TxID:     txMsg.TxID,
		TxType:   txMsg.TxType,
		UserID:   txMsg.UserID,
		TxCtx:    txMsg.Context,
	})
	if err != nil {
		w.failed.Add(1)
		slog.Error("async detection failed",
			"tx_id", txMsg.TxID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	w.appendObservation(ctx, tenantID, &txMsg, result)
	w.foldIntoProfile(ctx, tenantID, &txMsg)
	w.processed.Add(1)

	completed, _ := json.Marshal(map[string]any{
		"txId":         txMsg.TxID,
		"anomalies":    result.Anomalies,
		"highestScore": result.HighestScore,
		"hasCritical":  result.HasCritical,
		"persisted":    result.Persisted,
	})
	if err := w.bus.Publish(ctx, tenantID, domain.TopicDetectionCompleted, completed); err != nil {
		slog.Error("detection result publish failed",
			"tx_id", txMsg.TxID,
			"error", err,
		)
	}
	return nil
}

func (w *Worker) appendObservation(ctx context.Context, tenantID string, txMsg *domain.TransactionMessage, result *domain.DetectionResult) {
	if w.repo == nil || txMsg.Context == nil {
		return
	}

	obs := &domain.Observation{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		TxID:      txMsg.TxID,
		UserID:    txMsg.UserID,
		Blocked:   result.HasCritical,
		Timestamp: time.Now().UTC(),
	}
	if txMsg.Context.Amount != nil {
		obs.Amount = *txMsg.Context.Amount
	}
	if txMsg.Context.Currency != nil {
		obs.Currency = *txMsg.Context.Currency
	}
	if txMsg.Context.DeviceFingerprint != nil {
		obs.DeviceFingerprint = *txMsg.Context.DeviceFingerprint
	}
	if txMsg.Context.IP != nil {
		obs.IP = *txMsg.Context.IP
	}
	obs.Lat = txMsg.Context.Lat
	obs.Lon = txMsg.Context.Lon

	if err := w.repo.SaveObservation(ctx, tenantID, obs); err != nil {
		slog.Error("observation write failed",
			"tx_id", txMsg.TxID,
			"error", err,
		)
	}
}

func (w *Worker) foldIntoProfile(ctx context.Context, tenantID string, txMsg *domain.TransactionMessage) {
	if txMsg.UserID == "" || txMsg.Context == nil {
		return
	}

	profile, err := w.engine.Behavior().UpdateProfile(ctx, tenantID, txMsg.UserID, txMsg.Context)
	if err != nil {
		slog.Error("profile update failed",
			"user_id", txMsg.UserID,
			"error", err,
		)
		return
	}
	if w.cache != nil {
		if err := w.cache.SetProfile(ctx, tenantID, txMsg.UserID, profile, 5*time.Minute); err != nil {
			slog.Warn("profile cache write failed",
				"user_id", txMsg.UserID,
				"error", err,
			)
		}
	}
}

// Stop cancels the run context and closes every subscription.
func (w *Worker) Stop() error {
	w.halt()

	w.mu.Lock()
	subs := w.subs
	w.subs = make(map[string]domain.Subscription)
	w.mu.Unlock()

	for scope, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("unsubscribe failed",
				"scope", scope,
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("async workers stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats describes the worker's live subscriptions and throughput counters.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats snapshots the worker state.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, 0, len(w.subs))
	for _, sub := range w.subs {
		topics = append(topics, sub.Topic())
	}
	count := len(w.subs)
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: count,
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
