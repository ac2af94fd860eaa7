package domain

import (
	"time"
)

// User segments assigned by the behavioral classifier.
const (
	SegmentNewAccount      = "new_account"
	SegmentHighValueTrader = "high_value_trader"
	SegmentOccasionalUser  = "occasional_user"
	SegmentRetailConsumer  = "retail_consumer"
)

// AdaptiveThresholds are per-user detection bounds derived from the profile.
// AmountLower is never negative; both amount bounds collapse to the mean when
// the standard deviation is zero.
type AdaptiveThresholds struct {
	AmountUpper    float64 `json:"amountUpper"`
	AmountLower    float64 `json:"amountLower"`
	DailyCountMax  float64 `json:"dailyCountMax"`
	DailyVolumeMax float64 `json:"dailyVolumeMax"`
}

// DriftMetrics records the most recent baseline-vs-recent comparison.
type DriftMetrics struct {
	BaselineMean float64 `json:"baselineMean"`
	RecentMean   float64 `json:"recentMean"`
	DriftScore   float64 `json:"driftScore"`
	Drifted      bool    `json:"drifted"`
	SampleSize   int     `json:"sampleSize"`
}

// BehavioralProfile is the per-user rolling statistical baseline. Created
// lazily on first qualifying activity, mutated by the behavioral service,
// never deleted. Until Established is true the profile is not used as a
// detection baseline.
type BehavioralProfile struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`

	AvgAmount       float64 `json:"avgAmount"`
	StdDevAmount    float64 `json:"stdDevAmount"`
	AvgDailyCount   float64 `json:"avgDailyCount"`
	AvgMonthlyCount float64 `json:"avgMonthlyCount"`
	MaxDailyVolume  float64 `json:"maxDailyVolume"`

	Established       bool  `json:"established"`
	TotalTransactions int64 `json:"totalTransactions"`
	DaysSinceFirst    int   `json:"daysSinceFirst"`

	// Percentage of the user's transactions per hour-of-day / day-of-week.
	HourlyPattern [24]float64 `json:"hourlyPattern"`
	DailyPattern  [7]float64  `json:"dailyPattern"`

	CommonLocations []GeoPoint `json:"commonLocations,omitempty"`
	TrustedDevices  []string   `json:"trustedDevices,omitempty"`

	// Sightings per untrusted fingerprint; a device graduates to
	// TrustedDevices after enough sightings and leaves this map.
	DeviceSightings map[string]int `json:"deviceSightings,omitempty"`

	Thresholds       *AdaptiveThresholds `json:"adaptiveThresholds,omitempty"`
	Drift            *DriftMetrics       `json:"driftMetrics,omitempty"`
	LastDriftCheckAt *time.Time          `json:"lastDriftCheckAt,omitempty"`

	UserSegment string   `json:"userSegment,omitempty"`
	SegmentTags []string `json:"segmentTags,omitempty"`

	// Welford accumulator for the running variance. Internal to profile
	// upkeep, persisted so updates survive restarts.
	M2 float64 `json:"m2"`

	FirstSeenAt time.Time `json:"firstSeenAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a deep copy. Detectors read a snapshot so concurrent
// evaluations never observe a half-mutated profile.
func (p *BehavioralProfile) Clone() *BehavioralProfile {
	if p == nil {
		return nil
	}
	out := *p
	out.CommonLocations = append([]GeoPoint(nil), p.CommonLocations...)
	out.TrustedDevices = append([]string(nil), p.TrustedDevices...)
	out.SegmentTags = append([]string(nil), p.SegmentTags...)
	if p.DeviceSightings != nil {
		out.DeviceSightings = make(map[string]int, len(p.DeviceSightings))
		for k, v := range p.DeviceSightings {
			out.DeviceSightings[k] = v
		}
	}
	if p.Thresholds != nil {
		t := *p.Thresholds
		out.Thresholds = &t
	}
	if p.Drift != nil {
		d := *p.Drift
		out.Drift = &d
	}
	if p.LastDriftCheckAt != nil {
		ts := *p.LastDriftCheckAt
		out.LastDriftCheckAt = &ts
	}
	return &out
}

// HasHourlyPattern reports whether any hour slot carries weight. An empty
// distribution means every slot has 0% expected likelihood.
func (p *BehavioralProfile) HasHourlyPattern() bool {
	for _, v := range p.HourlyPattern {
		if v > 0 {
			return true
		}
	}
	return false
}

// IsTrustedDevice reports whether the fingerprint has been seen enough to be
// trusted for this user.
func (p *BehavioralProfile) IsTrustedDevice(fingerprint string) bool {
	for _, d := range p.TrustedDevices {
		if d == fingerprint {
			return true
		}
	}
	return false
}

// HasSegmentTag reports whether the tag is already present.
func (p *BehavioralProfile) HasSegmentTag(tag string) bool {
	for _, t := range p.SegmentTags {
		if t == tag {
			return true
		}
	}
	return false
}
