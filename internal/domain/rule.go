package domain

// RuleConfig defines an operator-supplied anomaly rule. Rules are CEL
// expressions over the flattened transaction context; a triggered rule
// contributes one extra AnomalyCandidate alongside the built-in detectors.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// Expression is a CEL expression returning bool (triggered or not) or a
	// numeric score. Available variables: amount, currency, hour_of_day,
	// day_of_week, daily_tx_count, daily_volume, hourly_tx_count,
	// time_since_last, device_fingerprint, ip, tx_type, user_id, ctx.
	Expression string `json:"expression"`

	// AnomalyType tags candidates produced by this rule.
	AnomalyType AnomalyType `json:"anomalyType"`

	// Score assigned when the expression returns true. Numeric expressions
	// use their own value, clamped to 0-100.
	Score float64 `json:"score"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}
