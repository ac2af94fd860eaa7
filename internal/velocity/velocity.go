// Package velocity provides sliding-window, burst, and cross-account
// correlation detection.
package velocity

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service evaluates transaction velocity. Window counters live in the cache
// (atomic increment with expiry) so concurrent transactions for the same
// user never undercount a burst.
type Service struct {
	cfg   domain.VelocityConfig
	cache domain.Cache
	repo  domain.Repository
}

// NewService creates a new velocity service.
func NewService(cfg domain.VelocityConfig, cache domain.Cache, repo domain.Repository) *Service {
	return &Service{
		cfg:   cfg,
		cache: cache,
		repo:  repo,
	}
}

// WindowResult is one sliding window's evaluation.
type WindowResult struct {
	Exceeded  bool    `json:"exceeded"`
	Count     int64   `json:"count"`
	Volume    float64 `json:"volume"`
	MaxCount  int64   `json:"maxCount"`
	MaxVolume float64 `json:"maxVolume"`
}

// EvaluateSlidingWindows records this transaction in every configured window
// and compares the resulting count/volume against the window's maxima.
// Counters are scoped per user; with no user identifier the windows evaluate
// against an empty global baseline and never exceed.
func (s *Service) EvaluateSlidingWindows(ctx context.Context, tenantID, userID string, amount float64) (map[string]WindowResult, error) {
	results := make(map[string]WindowResult, len(s.cfg.Windows))

	if userID == "" {
		for _, w := range s.cfg.Windows {
			results[w.Name] = WindowResult{MaxCount: w.MaxCount, MaxVolume: w.MaxVolume}
		}
		return results, nil
	}

	for _, w := range s.cfg.Windows {
		countKey := fmt.Sprintf("vel:%s:%s", userID, w.Name)
		count, err := s.cache.IncrementCounter(ctx, tenantID, countKey, w.Window)
		if err != nil {
			return nil, fmt.Errorf("window %s count: %w", w.Name, err)
		}

		volKey := fmt.Sprintf("velvol:%s:%s", userID, w.Name)
		volume, err := s.cache.AddVolume(ctx, tenantID, volKey, amount, w.Window)
		if err != nil {
			return nil, fmt.Errorf("window %s volume: %w", w.Name, err)
		}

		results[w.Name] = WindowResult{
			Exceeded:  count > w.MaxCount || volume > w.MaxVolume,
			Count:     count,
			Volume:    volume,
			MaxCount:  w.MaxCount,
			MaxVolume: w.MaxVolume,
		}
	}

	return results, nil
}

// BurstResult is the outcome of burst-rate detection.
type BurstResult struct {
	Detected   bool           `json:"burstDetected"`
	BurstRatio float64        `json:"burstRatio"`
	Details    map[string]any `json:"details"`
}

// DetectBurst compares the current hourly rate against the profile's average
// hourly rate. A ratio exactly at the multiplier does not trigger; an
// unestablished profile or a zero daily baseline resolves as no_baseline.
func (s *Service) DetectBurst(txCtx *domain.TransactionContext, profile *domain.BehavioralProfile) BurstResult {
	if profile == nil || !profile.Established || profile.AvgDailyCount <= 0 {
		return BurstResult{Details: map[string]any{"reason": domain.ReasonNoBaseline}}
	}
	if txCtx.HourlyTxCount == nil {
		return BurstResult{Details: map[string]any{"reason": domain.ReasonNoBaseline}}
	}

	hourlyRate := float64(*txCtx.HourlyTxCount)
	baseline := profile.AvgDailyCount / 24
	ratio := hourlyRate / baseline

	return BurstResult{
		Detected:   ratio > s.cfg.BurstMultiplier,
		BurstRatio: ratio,
		Details: map[string]any{
			"hourly_count":     hourlyRate,
			"avg_hourly_rate":  baseline,
			"burst_multiplier": s.cfg.BurstMultiplier,
		},
	}
}

// CrossAccountResult is the outcome of shared device/IP correlation.
type CrossAccountResult struct {
	Detected bool           `json:"detected"`
	Details  map[string]any `json:"details"`
}

// DetectCrossAccountActivity counts distinct accounts sharing the device
// fingerprint and the IP, each against its own threshold. The raw counts and
// both thresholds are always returned for explainability.
func (s *Service) DetectCrossAccountActivity(ctx context.Context, tenantID string, txCtx *domain.TransactionContext) (CrossAccountResult, error) {
	if !s.cfg.CrossAccountEnabled {
		return CrossAccountResult{Details: map[string]any{"reason": domain.ReasonDisabled}}, nil
	}

	since := time.Now().Add(-s.cfg.CrossAccountLookback)

	var deviceUsers, ipUsers int64
	if txCtx.DeviceFingerprint != nil && *txCtx.DeviceFingerprint != "" {
		n, err := s.repo.CountUsersByDevice(ctx, tenantID, *txCtx.DeviceFingerprint, since)
		if err != nil {
			return CrossAccountResult{}, fmt.Errorf("count users by device: %w", err)
		}
		deviceUsers = n
	}
	if txCtx.IP != nil && *txCtx.IP != "" {
		n, err := s.repo.CountUsersByIP(ctx, tenantID, *txCtx.IP, since)
		if err != nil {
			return CrossAccountResult{}, fmt.Errorf("count users by ip: %w", err)
		}
		ipUsers = n
	}

	return CrossAccountResult{
		Detected: deviceUsers >= s.cfg.SharedDeviceThreshold || ipUsers >= s.cfg.SharedIPThreshold,
		Details: map[string]any{
			"shared_device_users": deviceUsers,
			"shared_ip_users":     ipUsers,
			"device_threshold":    s.cfg.SharedDeviceThreshold,
			"ip_threshold":        s.cfg.SharedIPThreshold,
		},
	}, nil
}

// ScoreWindows converts window evaluations into a 0-100 score based on the
// worst relative breach across windows, plus the list of breached windows.
func ScoreWindows(windows map[string]WindowResult) (float64, []string) {
	var breached []string
	worst := 0.0

	for name, w := range windows {
		if !w.Exceeded {
			continue
		}
		breached = append(breached, name)

		var overshoot float64
		if w.MaxCount > 0 {
			overshoot = math.Max(overshoot, float64(w.Count)/float64(w.MaxCount)-1)
		}
		if w.MaxVolume > 0 {
			overshoot = math.Max(overshoot, w.Volume/w.MaxVolume-1)
		}
		worst = math.Max(worst, overshoot)
	}

	if len(breached) == 0 {
		return 0, nil
	}
	return math.Min(100, 50+worst*50), breached
}
