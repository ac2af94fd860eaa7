package domain

import (
	"time"
)

// AnomalyType identifies which detector family produced a candidate.
type AnomalyType string

const (
	AnomalyStatistical AnomalyType = "statistical"
	AnomalyVelocity    AnomalyType = "velocity"
	AnomalyGeolocation AnomalyType = "geolocation"
	AnomalyBehavioral  AnomalyType = "behavioral"
	AnomalyDevice      AnomalyType = "device"
)

// Severity is a four-level bucket derived deterministically from a score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CalculateSeverity maps a 0-100 score to a severity bucket.
// Scores below 0 clamp to low, scores above 100 to critical.
func CalculateSeverity(score float64) Severity {
	switch {
	case score >= 80:
		return SeverityCritical
	case score >= 60:
		return SeverityHigh
	case score >= 40:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AnomalyCandidate is one detector's raw output before aggregation.
// Details carries the detector's supporting evidence (z-scores, bounds,
// cluster ids, breach windows) for explainability.
type AnomalyCandidate struct {
	Type     AnomalyType    `json:"type"`
	Score    float64        `json:"score"` // 0-100, higher = more anomalous
	Detected bool           `json:"detected"`
	Details  map[string]any `json:"details,omitempty"`
}

// Severity derives the bucket for this candidate's score.
func (c AnomalyCandidate) Severity() Severity {
	return CalculateSeverity(c.Score)
}

// NotDetected builds a zero-score candidate carrying a reason code.
// Input absence and numerical degeneracy resolve through here, never errors.
func NotDetected(t AnomalyType, reason string) AnomalyCandidate {
	return AnomalyCandidate{
		Type:    t,
		Details: map[string]any{"reason": reason},
	}
}

// Reason codes for not-detected candidates.
const (
	ReasonNoFeatures            = "no_features"
	ReasonInsufficientHistory   = "insufficient_history"
	ReasonInsufficientNeighbors = "insufficient_neighbors"
	ReasonNoBaseline            = "no_baseline"
	ReasonDisabled              = "disabled"
	ReasonNoProfile             = "no_profile"
)

// AnomalyDetection is the durable record written for candidates above the
// persistence threshold. Immutable after creation; forms the audit trail.
type AnomalyDetection struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	TxID       string         `json:"txId"`
	TxType     string         `json:"txType,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	Type       AnomalyType    `json:"type"`
	Score      float64        `json:"score"`
	Severity   Severity       `json:"severity"`
	Context    map[string]any `json:"context,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	DetectedAt time.Time      `json:"detectedAt"`
}

// DetectionResult is the orchestrator's output for one evaluation.
type DetectionResult struct {
	Anomalies    []AnomalyCandidate `json:"anomalies"`
	HighestScore float64            `json:"highestScore"`
	HasCritical  bool               `json:"hasCritical"`
	Persisted    int                `json:"persisted"`
}

// AnomalyEvent is the payload published for each persisted detection.
type AnomalyEvent struct {
	DetectionID string      `json:"detectionId"`
	TxID        string      `json:"txId"`
	Type        AnomalyType `json:"type"`
	Score       float64     `json:"score"`
	Severity    Severity    `json:"severity"`
}
