// Package engine implements the anomaly detection orchestrator. It fans a
// transaction out to the independent detector families, normalizes their
// output into AnomalyCandidates, aggregates the result, and persists and
// broadcasts candidates above the configured score threshold.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/device"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/statistics"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// detectionNamespace seeds deterministic detection ids so a retried call for
// the same transaction produces the same row id and cannot double-persist.
var detectionNamespace = uuid.MustParse("7b9e52a4-1f63-5d08-9c2e-4a8f7d3b6e01")

const profileCacheTTL = 5 * time.Minute

// historySampleSize caps the stored-observation sample fetched when the
// caller omits an amount history.
const historySampleSize = 100

// driftWindow bounds the recent-amounts window compared against the
// profile baseline.
const driftWindow = 7 * 24 * time.Hour

// Orchestrator coordinates the detector families for one evaluation call.
// Detector failures are isolated: a failing detector contributes zero
// candidates and never fails the overall call.
type Orchestrator struct {
	cfg    domain.EngineConfig
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	logger *slog.Logger
	tracer trace.Tracer

	velocity *velocity.Service
	stats    *statistics.Analyzer
	behavior *behavior.Service
	device   *device.Assessor
	rules    *rules.Engine
}

// New creates an orchestrator wired to its collaborators. The rule engine is
// optional; pass nil to run without custom rules.
func New(cfg domain.EngineConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, resolver domain.IPResolver, ruleEngine *rules.Engine, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		repo:     repo,
		cache:    cache,
		bus:      bus,
		logger:   logger,
		tracer:   otel.Tracer("kestrel/engine"),
		velocity: velocity.NewService(cfg.Velocity, cache, repo),
		stats:    statistics.NewAnalyzer(cfg.Statistical),
		behavior: behavior.NewService(cfg.Behavior, repo),
		device:   device.NewAssessor(cfg.Device, resolver, repo),
		rules:    ruleEngine,
	}
}

// Behavior exposes the behavioral service for profile maintenance by the API
// and worker layers.
func (o *Orchestrator) Behavior() *behavior.Service { return o.behavior }

// Input identifies the transaction under evaluation.
type Input struct {
	TenantID string
	TxID     string
	TxType   string
	UserID   string
	TxCtx    *domain.TransactionContext
}

// Detect runs all detectors against the transaction and aggregates their
// candidates. It returns an error only for invalid input; collaborator and
// detector failures degrade to fewer candidates.
func (o *Orchestrator) Detect(ctx context.Context, input *Input) (*domain.DetectionResult, error) {
	if input == nil {
		return nil, fmt.Errorf("input is required")
	}
	if input.TenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	if !o.cfg.Enabled {
		return &domain.DetectionResult{Anomalies: []domain.AnomalyCandidate{}}, nil
	}

	txCtx := input.TxCtx
	if txCtx == nil {
		txCtx = &domain.TransactionContext{}
	}
	txCtx.DeriveTime()

	ctx, span := o.tracer.Start(ctx, "engine.Detect",
		trace.WithAttributes(
			attribute.String("tenant.id", input.TenantID),
			attribute.String("tx.id", input.TxID),
		))
	defer span.End()

	// Snapshot so concurrent detectors never share a mutating profile.
	profile := o.resolveProfile(ctx, input.TenantID, input.UserID).Clone()

	o.hydrateHistory(ctx, input, txCtx)

	candidates := o.fanOut(ctx, input, txCtx, profile)

	result := &domain.DetectionResult{Anomalies: candidates}
	for _, c := range candidates {
		if c.Score > result.HighestScore {
			result.HighestScore = c.Score
		}
		if c.Severity() == domain.SeverityCritical {
			result.HasCritical = true
		}
	}

	result.Persisted = o.persist(ctx, input, txCtx, candidates)

	span.SetAttributes(
		attribute.Int("anomaly.candidates", len(candidates)),
		attribute.Float64("anomaly.highest_score", result.HighestScore),
		attribute.Bool("anomaly.has_critical", result.HasCritical),
		attribute.Int("anomaly.persisted", result.Persisted),
	)
	return result, nil
}

// resolveProfile loads the user's behavioral profile, cache first. A lookup
// failure is a collaborator failure: logged, and detection proceeds without
// a profile.
func (o *Orchestrator) resolveProfile(ctx context.Context, tenantID, userID string) *domain.BehavioralProfile {
	if userID == "" {
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, o.detectorTimeout())
	defer cancel()

	if o.cache != nil {
		profile, err := o.cache.GetProfile(lookupCtx, tenantID, userID)
		if err != nil {
			o.logger.Error("profile cache lookup failed",
				"tenant_id", tenantID, "user_id", userID, "error", err)
		} else if profile != nil {
			return profile
		}
	}

	profile, err := o.repo.GetProfile(lookupCtx, tenantID, userID)
	if err != nil {
		o.logger.Error("profile lookup failed",
			"tenant_id", tenantID, "user_id", userID, "error", err)
		return nil
	}
	if profile != nil && o.cache != nil {
		if err := o.cache.SetProfile(lookupCtx, tenantID, userID, profile, profileCacheTTL); err != nil {
			o.logger.Warn("profile cache write failed",
				"tenant_id", tenantID, "user_id", userID, "error", err)
		}
	}
	return profile
}

// hydrateHistory fills txCtx.History from stored observations when the
// caller did not supply a sample. A lookup failure is a collaborator
// failure: logged, and the sample-based detectors run without history.
func (o *Orchestrator) hydrateHistory(ctx context.Context, input *Input, txCtx *domain.TransactionContext) {
	if len(txCtx.History) > 0 || input.UserID == "" || o.repo == nil {
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, o.detectorTimeout())
	defer cancel()

	history, err := o.repo.GetAmountHistory(lookupCtx, input.TenantID, input.UserID, historySampleSize)
	if err != nil {
		o.logger.Error("amount history lookup failed",
			"tenant_id", input.TenantID, "user_id", input.UserID, "error", err)
		return
	}
	txCtx.History = history
}

// detector is one supervised unit of the fan-out.
type detector struct {
	name string
	run  func(ctx context.Context) []domain.AnomalyCandidate
}

// fanOut runs all detectors concurrently, each under its own timeout with
// panic and error isolation, and collects their candidates in a stable
// detector order.
func (o *Orchestrator) fanOut(ctx context.Context, input *Input, txCtx *domain.TransactionContext, profile *domain.BehavioralProfile) []domain.AnomalyCandidate {
	ctx, span := o.tracer.Start(ctx, "engine.fanOut")
	defer span.End()

	detectors := []detector{
		{"statistical", func(ctx context.Context) []domain.AnomalyCandidate {
			return o.runStatistical(txCtx, profile)
		}},
		{"velocity", func(ctx context.Context) []domain.AnomalyCandidate {
			return o.runVelocity(ctx, input, txCtx, profile)
		}},
		{"geolocation", func(ctx context.Context) []domain.AnomalyCandidate {
			return o.runGeo(txCtx, profile)
		}},
		{"behavioral", func(ctx context.Context) []domain.AnomalyCandidate {
			return o.runBehavioral(ctx, input, txCtx, profile)
		}},
		{"device", func(ctx context.Context) []domain.AnomalyCandidate {
			return o.runDevice(ctx, input.TenantID, txCtx)
		}},
		{"rules", func(ctx context.Context) []domain.AnomalyCandidate {
			return o.runRules(input, txCtx)
		}},
	}

	results := make([][]domain.AnomalyCandidate, len(detectors))
	var wg sync.WaitGroup
	for i, d := range detectors {
		wg.Add(1)
		go func(i int, d detector) {
			defer wg.Done()
			results[i] = o.supervise(ctx, d)
		}(i, d)
	}
	wg.Wait()

	var candidates []domain.AnomalyCandidate
	for _, r := range results {
		candidates = append(candidates, r...)
	}
	return candidates
}

// supervise runs one detector under its timeout, converting panics and
// timeouts into "no candidates from this detector".
func (o *Orchestrator) supervise(ctx context.Context, d detector) []domain.AnomalyCandidate {
	runCtx, cancel := context.WithTimeout(ctx, o.detectorTimeout())
	defer cancel()

	done := make(chan []domain.AnomalyCandidate, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("detector panicked", "detector", d.name, "panic", r)
				done <- nil
			}
		}()
		done <- d.run(runCtx)
	}()

	select {
	case candidates := <-done:
		return candidates
	case <-runCtx.Done():
		o.logger.Error("detector timed out", "detector", d.name, "timeout", o.detectorTimeout())
		return nil
	}
}

func (o *Orchestrator) detectorTimeout() time.Duration {
	if o.cfg.DetectorTimeout > 0 {
		return o.cfg.DetectorTimeout
	}
	return 2 * time.Second
}

func (o *Orchestrator) runStatistical(txCtx *domain.TransactionContext, profile *domain.BehavioralProfile) []domain.AnomalyCandidate {
	res := o.stats.Analyze(txCtx, profile)
	return []domain.AnomalyCandidate{
		res.ZScore,
		res.IQR,
		res.IsolationForest,
		res.LOF,
		o.stats.Seasonal(txCtx, profile),
	}
}

func (o *Orchestrator) runVelocity(ctx context.Context, input *Input, txCtx *domain.TransactionContext, profile *domain.BehavioralProfile) []domain.AnomalyCandidate {
	var amount float64
	if txCtx.Amount != nil {
		amount = *txCtx.Amount
	}

	var candidates []domain.AnomalyCandidate

	windows, err := o.velocity.EvaluateSlidingWindows(ctx, input.TenantID, input.UserID, amount)
	if err != nil {
		o.logger.Error("sliding window evaluation failed",
			"tenant_id", input.TenantID, "user_id", input.UserID, "error", err)
	} else {
		candidates = append(candidates, windowCandidate(windows))
	}

	candidates = append(candidates, burstCandidate(o.velocity.DetectBurst(txCtx, profile), o.cfg.Velocity.BurstMultiplier))

	cross, err := o.velocity.DetectCrossAccountActivity(ctx, input.TenantID, txCtx)
	if err != nil {
		o.logger.Error("cross-account check failed",
			"tenant_id", input.TenantID, "error", err)
	} else {
		candidates = append(candidates, crossAccountCandidate(cross))
	}

	return candidates
}

// windowCandidate folds per-window results into one velocity candidate.
// Score starts at 50 for any breach and grows with the worst overshoot.
func windowCandidate(windows map[string]velocity.WindowResult) domain.AnomalyCandidate {
	score, breached := velocity.ScoreWindows(windows)

	details := map[string]any{"windows": windows}
	if len(breached) > 0 {
		details["breached_windows"] = breached
	}
	return domain.AnomalyCandidate{
		Type:     domain.AnomalyVelocity,
		Score:    score,
		Detected: len(breached) > 0,
		Details:  details,
	}
}

// burstCandidate scores a burst by how far the ratio exceeds the multiplier:
// 50 at the threshold, +25 per multiple beyond it, capped at 100.
func burstCandidate(burst velocity.BurstResult, multiplier float64) domain.AnomalyCandidate {
	cand := domain.AnomalyCandidate{
		Type:     domain.AnomalyVelocity,
		Detected: burst.Detected,
		Details:  burst.Details,
	}
	if burst.Detected && multiplier > 0 {
		cand.Score = math.Min(100, 50+(burst.BurstRatio/multiplier-1)*25)
	}
	return cand
}

// crossAccountCandidate scores shared device/IP usage by how far the counts
// exceed their thresholds.
func crossAccountCandidate(cross velocity.CrossAccountResult) domain.AnomalyCandidate {
	cand := domain.AnomalyCandidate{
		Type:     domain.AnomalyVelocity,
		Detected: cross.Detected,
		Details:  cross.Details,
	}
	if !cross.Detected {
		return cand
	}

	worst := 0.0
	worst = math.Max(worst, overshoot(cross.Details, "shared_device_users", "device_threshold"))
	worst = math.Max(worst, overshoot(cross.Details, "shared_ip_users", "ip_threshold"))
	cand.Score = math.Min(100, 60+worst*20)
	return cand
}

func overshoot(details map[string]any, countKey, thresholdKey string) float64 {
	count, ok1 := details[countKey].(int64)
	threshold, ok2 := details[thresholdKey].(int64)
	if !ok1 || !ok2 || threshold <= 0 || count < threshold {
		return 0
	}
	return float64(count)/float64(threshold) - 1
}

func (o *Orchestrator) runGeo(txCtx *domain.TransactionContext, profile *domain.BehavioralProfile) []domain.AnomalyCandidate {
	var candidates []domain.AnomalyCandidate

	if txCtx.HasLocationPair() {
		check := geo.CheckImpossibleTravel(
			*txCtx.PrevLat, *txCtx.PrevLon, *txCtx.Lat, *txCtx.Lon,
			*txCtx.ElapsedSincePrev, o.cfg.Geo.MaxTravelSpeedKmh)
		candidates = append(candidates, travelCandidate(check))
	}

	if txCtx.Lat != nil && txCtx.Lon != nil && profile != nil && len(profile.CommonLocations) > 0 {
		clustering := geo.ClusterLocations(profile.CommonLocations,
			o.cfg.Geo.ClusterRadiusKm, o.cfg.Geo.ClusterMinPoints, o.cfg.Geo.MaxClusterInput)
		if clustering.Count > 0 {
			nearest := geo.DistanceToNearestCluster(*txCtx.Lat, *txCtx.Lon,
				clustering.Clusters, o.cfg.Geo.OutsideClusterKm)
			candidates = append(candidates, clusterCandidate(nearest, o.cfg.Geo.OutsideClusterKm))
		}
	}

	return candidates
}

// travelCandidate: 70 at the speed limit, growing with required speed and
// saturating at 100 for a physically instantaneous jump.
func travelCandidate(check geo.TravelCheck) domain.AnomalyCandidate {
	cand := domain.AnomalyCandidate{
		Type:     domain.AnomalyGeolocation,
		Detected: check.Impossible,
		Details: map[string]any{
			"distance_km":        check.DistanceKm,
			"required_speed_kmh": check.RequiredSpeedKmh,
			"max_speed_kmh":      check.MaxSpeedKmh,
		},
	}
	if !check.Impossible {
		return cand
	}
	if math.IsInf(check.RequiredSpeedKmh, 1) || check.MaxSpeedKmh <= 0 {
		cand.Score = 100
		return cand
	}
	cand.Score = math.Min(100, 70+(check.RequiredSpeedKmh/check.MaxSpeedKmh-1)*15)
	return cand
}

// clusterCandidate flags transactions far from every known location cluster.
func clusterCandidate(nearest geo.NearestCluster, thresholdKm float64) domain.AnomalyCandidate {
	cand := domain.AnomalyCandidate{
		Type:     domain.AnomalyGeolocation,
		Detected: nearest.OutsideCluster,
		Details: map[string]any{
			"nearest_cluster_id": nearest.ClusterID,
			"distance_km":        nearest.DistanceKm,
			"threshold_km":       thresholdKm,
		},
	}
	if !nearest.OutsideCluster {
		return cand
	}
	if math.IsInf(nearest.DistanceKm, 1) || thresholdKm <= 0 {
		cand.Score = 60
		return cand
	}
	cand.Score = math.Min(100, 55+(nearest.DistanceKm/thresholdKm-1)*10)
	return cand
}

func (o *Orchestrator) runBehavioral(ctx context.Context, input *Input, txCtx *domain.TransactionContext, profile *domain.BehavioralProfile) []domain.AnomalyCandidate {
	if profile == nil {
		return []domain.AnomalyCandidate{
			domain.NotDetected(domain.AnomalyBehavioral, domain.ReasonNoProfile),
		}
	}

	candidates := []domain.AnomalyCandidate{o.behavior.CheckThresholds(txCtx, profile)}

	// Drift compares the baseline against stored recent amounts, falling
	// back to the caller-supplied history when none are recorded yet.
	recent := txCtx.History
	if o.repo != nil && input.UserID != "" {
		amounts, err := o.repo.GetRecentAmounts(ctx, input.TenantID, input.UserID, time.Now().Add(-driftWindow))
		if err != nil {
			o.logger.Error("recent amounts lookup failed",
				"tenant_id", input.TenantID, "user_id", input.UserID, "error", err)
		} else if len(amounts) > 0 {
			recent = amounts
		}
	}

	if len(recent) > 0 {
		drift := o.behavior.DetectDrift(profile, recent)
		cand := domain.AnomalyCandidate{
			Type:     domain.AnomalyBehavioral,
			Detected: drift.Drifted,
			Details:  drift.Details,
		}
		if drift.Drifted {
			cand.Score = drift.DriftScore
		}
		candidates = append(candidates, cand)
	}

	return candidates
}

func (o *Orchestrator) runDevice(ctx context.Context, tenantID string, txCtx *domain.TransactionContext) []domain.AnomalyCandidate {
	if txCtx.IP == nil || *txCtx.IP == "" {
		return nil
	}
	rep, err := o.device.AssessIPReputation(ctx, tenantID, *txCtx.IP)
	if err != nil {
		o.logger.Error("ip reputation assessment failed",
			"tenant_id", tenantID, "error", err)
		return nil
	}
	return []domain.AnomalyCandidate{o.device.Candidate(rep)}
}

func (o *Orchestrator) runRules(input *Input, txCtx *domain.TransactionContext) []domain.AnomalyCandidate {
	if o.rules == nil || o.rules.RulesCount() == 0 {
		return nil
	}

	outcomes := o.rules.EvaluateAll(&rules.EvaluateInput{
		TenantID: input.TenantID,
		TxID:     input.TxID,
		TxType:   input.TxType,
		UserID:   input.UserID,
		TxCtx:    txCtx,
	})

	var candidates []domain.AnomalyCandidate
	for _, out := range outcomes {
		if out.Err != "" {
			o.logger.Error("rule evaluation failed",
				"tenant_id", input.TenantID, "rule_id", out.RuleID, "error", out.Err)
			continue
		}
		if out.Triggered {
			candidates = append(candidates, out.Candidate())
		}
	}
	return candidates
}

// persist writes every candidate above the threshold as an AnomalyDetection
// and publishes one AnomalyDetected event per written row. Detection ids are
// derived from (tenant, tx, type, score) so a retried call for the same
// transaction cannot double-persist. A persistence failure is logged; the
// candidate stays in the result but is not counted and emits no event.
func (o *Orchestrator) persist(ctx context.Context, input *Input, txCtx *domain.TransactionContext, candidates []domain.AnomalyCandidate) int {
	persisted := 0
	for _, c := range candidates {
		if c.Score <= o.cfg.PersistThreshold {
			continue
		}

		det := &domain.AnomalyDetection{
			ID:         detectionID(input.TenantID, input.TxID, c),
			TenantID:   input.TenantID,
			TxID:       input.TxID,
			TxType:     input.TxType,
			UserID:     input.UserID,
			Type:       c.Type,
			Score:      c.Score,
			Severity:   c.Severity(),
			Context:    txCtx.Flatten(),
			Details:    c.Details,
			DetectedAt: time.Now().UTC(),
		}

		if err := o.repo.SaveDetection(ctx, input.TenantID, det); err != nil {
			o.logger.Error("detection persistence failed",
				"tenant_id", input.TenantID, "tx_id", input.TxID,
				"anomaly_type", c.Type, "error", err)
			continue
		}
		persisted++

		o.publishAnomaly(ctx, input.TenantID, det)
	}
	return persisted
}

// detectionID derives a stable id for a candidate of one transaction. The
// score disambiguates multiple candidates of the same type in one call.
func detectionID(tenantID, txID string, c domain.AnomalyCandidate) string {
	if txID == "" {
		return uuid.New().String()
	}
	name := fmt.Sprintf("%s|%s|%s|%.4f", tenantID, txID, c.Type, c.Score)
	return uuid.NewSHA1(detectionNamespace, []byte(name)).String()
}

func (o *Orchestrator) publishAnomaly(ctx context.Context, tenantID string, det *domain.AnomalyDetection) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.AnomalyEvent{
		DetectionID: det.ID,
		TxID:        det.TxID,
		Type:        det.Type,
		Score:       det.Score,
		Severity:    det.Severity,
	})
	if err != nil {
		o.logger.Error("anomaly event encode failed", "detection_id", det.ID, "error", err)
		return
	}
	if err := o.bus.Publish(ctx, tenantID, domain.TopicAnomalyDetected, payload); err != nil {
		o.logger.Error("anomaly event publish failed",
			"tenant_id", tenantID, "detection_id", det.ID, "error", err)
	}
}
