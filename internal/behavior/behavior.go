// Package behavior maintains per-user behavioral profiles: adaptive
// thresholds, drift detection, segment classification, and profile upkeep.
package behavior

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service evolves and interrogates behavioral profiles.
type Service struct {
	cfg  domain.BehaviorConfig
	repo domain.Repository
}

// NewService creates a new behavioral service.
func NewService(cfg domain.BehaviorConfig, repo domain.Repository) *Service {
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = 1.5
	}
	return &Service{cfg: cfg, repo: repo}
}

// ComputeAdaptiveThresholds derives detection bounds from the profile's
// mean and stddev and persists them onto the profile. The lower amount bound
// never goes negative; zero stddev collapses both bounds to the mean.
func (s *Service) ComputeAdaptiveThresholds(profile *domain.BehavioralProfile) domain.AdaptiveThresholds {
	spread := s.cfg.Sensitivity * profile.StdDevAmount

	t := domain.AdaptiveThresholds{
		AmountUpper:    profile.AvgAmount + spread,
		AmountLower:    math.Max(profile.AvgAmount-spread, 0),
		DailyCountMax:  profile.AvgDailyCount * (1 + s.cfg.Sensitivity),
		DailyVolumeMax: math.Max(profile.MaxDailyVolume, profile.AvgAmount*profile.AvgDailyCount) * (1 + s.cfg.Sensitivity),
	}

	profile.Thresholds = &t
	return t
}

// DriftResult is the outcome of a baseline-vs-recent comparison.
type DriftResult struct {
	Drifted    bool           `json:"drifted"`
	DriftScore float64        `json:"driftScore"`
	Details    map[string]any `json:"details"`
}

// DetectDrift compares the profile's baseline mean against the mean of a
// recent transaction window. Drift metrics and the check timestamp persist
// on every call, drifted or not, so staleness is always observable.
func (s *Service) DetectDrift(profile *domain.BehavioralProfile, recent []float64) DriftResult {
	now := time.Now().UTC()
	profile.LastDriftCheckAt = &now

	if len(recent) == 0 {
		profile.Drift = &domain.DriftMetrics{BaselineMean: profile.AvgAmount}
		return DriftResult{Details: map[string]any{
			"baseline_mean": profile.AvgAmount,
			"recent_mean":   0.0,
			"sample_size":   0,
		}}
	}

	var sum float64
	for _, v := range recent {
		sum += v
	}
	recentMean := sum / float64(len(recent))

	// Relative mean shift, normalized by the larger of stddev and a floor
	// derived from the baseline so small accounts don't divide by zero.
	scale := math.Max(profile.StdDevAmount, math.Abs(profile.AvgAmount)*0.1)
	var shift float64
	if scale > 0 {
		shift = math.Abs(recentMean-profile.AvgAmount) / scale
	}
	driftScore := math.Min(100, shift*25)
	drifted := shift > s.cfg.DriftThreshold*4 // threshold expressed on the shift scale

	profile.Drift = &domain.DriftMetrics{
		BaselineMean: profile.AvgAmount,
		RecentMean:   recentMean,
		DriftScore:   driftScore,
		Drifted:      drifted,
		SampleSize:   len(recent),
	}

	return DriftResult{
		Drifted:    drifted,
		DriftScore: driftScore,
		Details: map[string]any{
			"baseline_mean":   profile.AvgAmount,
			"baseline_stddev": profile.StdDevAmount,
			"recent_mean":     recentMean,
			"sample_size":     len(recent),
			"mean_shift":      shift,
		},
	}
}

// ClassifySegment runs the deterministic segment cascade and persists the
// result onto the profile, appending to the tag set.
func (s *Service) ClassifySegment(profile *domain.BehavioralProfile) string {
	var segment string
	switch {
	case !profile.Established || profile.DaysSinceFirst < s.cfg.MinEstablishedDays:
		segment = domain.SegmentNewAccount
	case profile.AvgAmount >= s.cfg.HighValueAvgAmount && profile.AvgMonthlyCount >= s.cfg.HighValueMonthlyTx:
		segment = domain.SegmentHighValueTrader
	case profile.AvgMonthlyCount < s.cfg.OccasionalMonthlyTx:
		segment = domain.SegmentOccasionalUser
	default:
		segment = domain.SegmentRetailConsumer
	}

	profile.UserSegment = segment
	if !profile.HasSegmentTag(segment) {
		profile.SegmentTags = append(profile.SegmentTags, segment)
	}
	return segment
}

// CheckThresholds evaluates the amount and daily counters against the
// profile's adaptive thresholds, computing them first if absent.
func (s *Service) CheckThresholds(txCtx *domain.TransactionContext, profile *domain.BehavioralProfile) domain.AnomalyCandidate {
	if profile == nil || !profile.Established {
		return domain.NotDetected(domain.AnomalyBehavioral, domain.ReasonNoProfile)
	}

	if profile.Thresholds == nil {
		s.ComputeAdaptiveThresholds(profile)
	}
	t := profile.Thresholds

	cand := domain.AnomalyCandidate{
		Type: domain.AnomalyBehavioral,
		Details: map[string]any{
			"amount_upper":     t.AmountUpper,
			"amount_lower":     t.AmountLower,
			"daily_count_max":  t.DailyCountMax,
			"daily_volume_max": t.DailyVolumeMax,
		},
	}

	var worst float64
	if txCtx.Amount != nil {
		amount := *txCtx.Amount
		cand.Details["amount"] = amount
		switch {
		case amount > t.AmountUpper && t.AmountUpper > 0:
			worst = math.Max(worst, amount/t.AmountUpper-1)
		case amount < t.AmountLower:
			worst = math.Max(worst, (t.AmountLower-amount)/math.Max(t.AmountLower, 1))
		}
	}
	if txCtx.DailyTxCount != nil && t.DailyCountMax > 0 && float64(*txCtx.DailyTxCount) > t.DailyCountMax {
		worst = math.Max(worst, float64(*txCtx.DailyTxCount)/t.DailyCountMax-1)
	}
	if txCtx.DailyVolume != nil && t.DailyVolumeMax > 0 && *txCtx.DailyVolume > t.DailyVolumeMax {
		worst = math.Max(worst, *txCtx.DailyVolume/t.DailyVolumeMax-1)
	}

	if worst > 0 {
		cand.Detected = true
		cand.Score = math.Min(100, 45+worst*40)
	}
	return cand
}

// UpdateProfile folds one observed transaction into the profile: running
// mean/variance (Welford), time-pattern distributions, location history,
// and device trust. Creates the profile when none exists yet.
func (s *Service) UpdateProfile(ctx context.Context, tenantID, userID string, txCtx *domain.TransactionContext) (*domain.BehavioralProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID is required")
	}

	now := time.Now().UTC()
	profile, err := s.repo.GetProfile(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if profile == nil {
		profile = &domain.BehavioralProfile{
			UserID:      userID,
			TenantID:    tenantID,
			FirstSeenAt: now,
		}
	}

	profile.TotalTransactions++
	n := float64(profile.TotalTransactions)

	if txCtx.Amount != nil {
		amount := *txCtx.Amount
		delta := amount - profile.AvgAmount
		profile.AvgAmount += delta / n
		profile.M2 += delta * (amount - profile.AvgAmount)
		if n > 1 {
			profile.StdDevAmount = math.Sqrt(profile.M2 / (n - 1))
		}
	}

	txCtx.DeriveTime()
	if txCtx.HourOfDay != nil && txCtx.DayOfWeek != nil {
		recomputePatterns(profile, *txCtx.HourOfDay, *txCtx.DayOfWeek, n)
	}

	if txCtx.Lat != nil && txCtx.Lon != nil {
		profile.CommonLocations = append(profile.CommonLocations, domain.GeoPoint{Lat: *txCtx.Lat, Lon: *txCtx.Lon})
		const maxLocations = 500
		if len(profile.CommonLocations) > maxLocations {
			profile.CommonLocations = profile.CommonLocations[len(profile.CommonLocations)-maxLocations:]
		}
	}

	if txCtx.DeviceFingerprint != nil && *txCtx.DeviceFingerprint != "" {
		s.trackDevice(profile, *txCtx.DeviceFingerprint)
	}

	profile.DaysSinceFirst = int(now.Sub(profile.FirstSeenAt).Hours() / 24)
	profile.AvgDailyCount = n / math.Max(float64(profile.DaysSinceFirst), 1)
	profile.AvgMonthlyCount = profile.AvgDailyCount * 30
	if txCtx.DailyVolume != nil && *txCtx.DailyVolume > profile.MaxDailyVolume {
		profile.MaxDailyVolume = *txCtx.DailyVolume
	}

	profile.Established = profile.TotalTransactions >= s.cfg.MinEstablishedCount &&
		profile.DaysSinceFirst >= s.cfg.MinEstablishedDays

	s.ComputeAdaptiveThresholds(profile)
	s.ClassifySegment(profile)
	profile.UpdatedAt = now

	if err := s.repo.SaveProfile(ctx, tenantID, profile); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	return profile, nil
}

// recomputePatterns folds one event into the percentage distributions.
// Each slot tracks the share of the user's transactions landing in it.
func recomputePatterns(profile *domain.BehavioralProfile, hour, dow int, n float64) {
	if hour < 0 || hour > 23 || dow < 0 || dow > 6 {
		return
	}
	// Convert percentages back to counts, add the event, renormalize.
	for i := range profile.HourlyPattern {
		count := profile.HourlyPattern[i] / 100 * (n - 1)
		if i == hour {
			count++
		}
		profile.HourlyPattern[i] = count / n * 100
	}
	for i := range profile.DailyPattern {
		count := profile.DailyPattern[i] / 100 * (n - 1)
		if i == dow {
			count++
		}
		profile.DailyPattern[i] = count / n * 100
	}
}

// trackDevice promotes a fingerprint to trusted after enough sightings.
func (s *Service) trackDevice(profile *domain.BehavioralProfile, fingerprint string) {
	if profile.IsTrustedDevice(fingerprint) {
		return
	}
	if profile.DeviceSightings == nil {
		profile.DeviceSightings = make(map[string]int)
	}
	profile.DeviceSightings[fingerprint]++
	if profile.DeviceSightings[fingerprint] >= s.cfg.TrustedDeviceSightings {
		profile.TrustedDevices = append(profile.TrustedDevices, fingerprint)
		delete(profile.DeviceSightings, fingerprint)
	}
}
