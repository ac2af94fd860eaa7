package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	engine     *engine.Orchestrator
	ruleEngine *rules.Engine
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, orchestrator *engine.Orchestrator, ruleEngine *rules.Engine, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		engine:     orchestrator,
		ruleEngine: ruleEngine,
		version:    version,
	}
}

// DetectRequest is the request body for POST /detect and POST /transactions.
type DetectRequest struct {
	TxID    string                     `json:"txId,omitempty"`
	TxType  string                     `json:"txType,omitempty"`
	UserID  string                     `json:"userId,omitempty"`
	Context *domain.TransactionContext `json:"context"`
}

// DetectResponse is the response for POST /detect.
type DetectResponse struct {
	TxID         string                    `json:"txId"`
	Anomalies    []domain.AnomalyCandidate `json:"anomalies"`
	HighestScore float64                   `json:"highestScore"`
	HasCritical  bool                      `json:"hasCritical"`
	Persisted    int                       `json:"persisted"`
	Metadata     struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Detect handles POST /detect: synchronous anomaly evaluation of one
// transaction, recording the observation and folding it into the user's
// behavioral profile afterwards.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := TenantID(ctx)
	traceID := TraceID(ctx)

	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Context == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "context is required",
		})
		return
	}

	txID := req.TxID
	if txID == "" {
		txID = uuid.New().String()
	}

	result, err := h.engine.Detect(ctx, &engine.Input{
		TenantID: tenantID,
		TxID:     txID,
		TxType:   req.TxType,
		UserID:   req.UserID,
		TxCtx:    req.Context,
	})
	if err != nil {
		slog.Error("detection failed", "tx_id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "detection failed",
		})
		return
	}

	h.recordObservation(r, tenantID, txID, &req, result)
	h.updateProfile(r, tenantID, &req)

	resp := DetectResponse{
		TxID:         txID,
		Anomalies:    result.Anomalies,
		HighestScore: result.HighestScore,
		HasCritical:  result.HasCritical,
		Persisted:    result.Persisted,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// recordObservation appends the transaction to the observation history that
// feeds cross-account correlation and amount samples. Failures are logged;
// the detection result has already been computed.
func (h *Handler) recordObservation(r *http.Request, tenantID, txID string, req *DetectRequest, result *domain.DetectionResult) {
	if h.repo == nil {
		return
	}

	obs := &domain.Observation{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		TxID:      txID,
		UserID:    req.UserID,
		Blocked:   result.HasCritical,
		Timestamp: time.Now().UTC(),
	}
	if req.Context.Amount != nil {
		obs.Amount = *req.Context.Amount
	}
	if req.Context.Currency != nil {
		obs.Currency = *req.Context.Currency
	}
	if req.Context.DeviceFingerprint != nil {
		obs.DeviceFingerprint = *req.Context.DeviceFingerprint
	}
	if req.Context.IP != nil {
		obs.IP = *req.Context.IP
	}
	obs.Lat = req.Context.Lat
	obs.Lon = req.Context.Lon

	if err := h.repo.SaveObservation(r.Context(), tenantID, obs); err != nil {
		slog.Error("failed to save observation", "tx_id", txID, "error", err)
	}
}

// updateProfile folds the transaction into the user's behavioral profile and
// refreshes the cached snapshot.
func (h *Handler) updateProfile(r *http.Request, tenantID string, req *DetectRequest) {
	if req.UserID == "" {
		return
	}

	profile, err := h.engine.Behavior().UpdateProfile(r.Context(), tenantID, req.UserID, req.Context)
	if err != nil {
		slog.Error("failed to update profile",
			"user_id", req.UserID, "error", err)
		return
	}
	if h.cache != nil {
		if err := h.cache.SetProfile(r.Context(), tenantID, req.UserID, profile, 5*time.Minute); err != nil {
			slog.Warn("failed to cache profile", "user_id", req.UserID, "error", err)
		}
	}
}

// Ingest handles POST /transactions: asynchronous intake. The transaction is
// published to the bus and evaluated by the worker.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(ctx)
	traceID := TraceID(ctx)

	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Context == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "context is required",
		})
		return
	}
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	txID := req.TxID
	if txID == "" {
		txID = uuid.New().String()
	}

	payload, err := json.Marshal(domain.TransactionMessage{
		TxID:     txID,
		TenantID: tenantID,
		TraceID:  traceID,
		TxType:   req.TxType,
		UserID:   req.UserID,
		Context:  req.Context,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode transaction",
		})
		return
	}

	if err := h.bus.Publish(ctx, tenantID, domain.TopicTransactionIngested, payload); err != nil {
		slog.Error("failed to publish transaction", "tx_id", txID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"txId":   txID,
		"status": "queued",
	})
}

// GetDetection retrieves a persisted detection by ID.
func (h *Handler) GetDetection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(ctx)
	detID := chi.URLParam(r, "id")

	if detID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "detection id is required",
		})
		return
	}
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	det, err := h.repo.GetDetection(ctx, tenantID, detID)
	if err != nil {
		slog.Error("failed to get detection", "id", detID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "detection not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, det)
}

// ListDetections retrieves all detections for a transaction (?txId=).
func (h *Handler) ListDetections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(ctx)
	txID := r.URL.Query().Get("txId")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "txId query parameter is required",
		})
		return
	}
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dets, err := h.repo.ListDetectionsByTx(ctx, tenantID, txID)
	if err != nil {
		slog.Error("failed to list detections", "tx_id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list detections",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"txId":       txID,
		"detections": dets,
		"count":      len(dets),
	})
}

// GetProfile retrieves a user's behavioral profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(ctx)
	userID := chi.URLParam(r, "userId")

	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user id is required",
		})
		return
	}
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	profile, err := h.repo.GetProfile(ctx, tenantID, userID)
	if err != nil {
		slog.Error("failed to get profile", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get profile",
		})
		return
	}
	if profile == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "profile not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// ListRules returns all loaded rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.ruleEngine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.ruleEngine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Expression  string             `json:"expression"`
	AnomalyType domain.AnomalyType `json:"anomalyType"`
	Score       float64            `json:"score"`
	Enabled     bool               `json:"enabled"`
}

// CreateRule creates a new rule and saves it to the database.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if req.AnomalyType == "" {
		req.AnomalyType = domain.AnomalyVelocity
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		AnomalyType: req.AnomalyType,
		Score:       req.Score,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression by attempting to load
	if err := h.ruleEngine.LoadRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.ruleEngine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
