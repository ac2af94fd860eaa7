// Package statistics provides the numerical outlier detectors: z-score, IQR,
// an isolation-forest path-length approximation, a local-outlier-factor
// approximation, and a seasonal time-pattern check.
package statistics

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Analyzer runs the statistical detectors against a transaction context and
// an optional behavioral profile.
type Analyzer struct {
	cfg domain.StatisticalConfig
}

// NewAnalyzer creates an analyzer with the given thresholds.
func NewAnalyzer(cfg domain.StatisticalConfig) *Analyzer {
	if cfg.ZScoreThreshold <= 0 {
		cfg.ZScoreThreshold = 3.0
	}
	if cfg.IQRMultiplier <= 0 {
		cfg.IQRMultiplier = 1.5
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = 20
	}
	if cfg.LOFNeighbors <= 0 {
		cfg.LOFNeighbors = 5
	}
	if cfg.LOFThreshold <= 0 {
		cfg.LOFThreshold = 1.5
	}
	if cfg.ForestThreshold <= 0 {
		cfg.ForestThreshold = 70
	}
	if cfg.SeasonalThreshold <= 0 {
		cfg.SeasonalThreshold = 70
	}
	return &Analyzer{cfg: cfg}
}

// Results holds the raw per-method outputs of Analyze.
type Results struct {
	ZScore          domain.AnomalyCandidate `json:"zScore"`
	IQR             domain.AnomalyCandidate `json:"iqr"`
	IsolationForest domain.AnomalyCandidate `json:"isolationForest"`
	LOF             domain.AnomalyCandidate `json:"lof"`
}

// Analyze runs the four amount/feature detectors. The seasonal check is
// invoked separately because it needs the profile's time distributions
// rather than the amount sample.
func (a *Analyzer) Analyze(txCtx *domain.TransactionContext, profile *domain.BehavioralProfile) Results {
	return Results{
		ZScore:          a.ZScore(txCtx, profile),
		IQR:             a.IQR(txCtx),
		IsolationForest: a.IsolationForest(txCtx),
		LOF:             a.LOF(txCtx),
	}
}

// ZScore measures how many standard deviations the amount sits from the
// profile's mean. Zero variance forces z = 0 rather than dividing by zero;
// no usable profile means not detected with score 0.
func (a *Analyzer) ZScore(txCtx *domain.TransactionContext, profile *domain.BehavioralProfile) domain.AnomalyCandidate {
	if profile == nil || !profile.Established {
		return domain.NotDetected(domain.AnomalyStatistical, domain.ReasonNoProfile)
	}
	if txCtx.Amount == nil {
		return domain.NotDetected(domain.AnomalyStatistical, domain.ReasonNoFeatures)
	}

	amount := *txCtx.Amount
	z := 0.0
	if profile.StdDevAmount > 0 {
		z = (amount - profile.AvgAmount) / profile.StdDevAmount
	}

	cand := domain.AnomalyCandidate{
		Type: domain.AnomalyStatistical,
		Details: map[string]any{
			"method":  "z_score",
			"z_score": z,
			"mean":    profile.AvgAmount,
			"std_dev": profile.StdDevAmount,
			"amount":  amount,
		},
	}

	if abs := math.Abs(z); abs > a.cfg.ZScoreThreshold {
		cand.Detected = true
		cand.Score = math.Min(100, 40+(abs-a.cfg.ZScoreThreshold)*12)
	}
	return cand
}

// IQR flags amounts outside Q1 - k*IQR .. Q3 + k*IQR over the history
// sample. A degenerate sample (zero IQR) collapses the bounds and flags
// nothing.
func (a *Analyzer) IQR(txCtx *domain.TransactionContext) domain.AnomalyCandidate {
	if len(txCtx.History) < a.cfg.MinHistory {
		return domain.NotDetected(domain.AnomalyStatistical, domain.ReasonInsufficientHistory)
	}
	if txCtx.Amount == nil {
		return domain.NotDetected(domain.AnomalyStatistical, domain.ReasonNoFeatures)
	}

	amount := *txCtx.Amount
	q1, q3 := quartiles(txCtx.History)
	iqr := q3 - q1
	lower := q1 - a.cfg.IQRMultiplier*iqr
	upper := q3 + a.cfg.IQRMultiplier*iqr

	cand := domain.AnomalyCandidate{
		Type: domain.AnomalyStatistical,
		Details: map[string]any{
			"method":      "iqr",
			"q1":          q1,
			"q3":          q3,
			"iqr":         iqr,
			"lower_bound": lower,
			"upper_bound": upper,
			"amount":      amount,
			"sample_size": len(txCtx.History),
		},
	}

	if iqr == 0 {
		return cand
	}

	var excess float64
	switch {
	case amount > upper:
		excess = (amount - upper) / iqr
	case amount < lower:
		excess = (lower - amount) / iqr
	default:
		return cand
	}

	cand.Detected = true
	cand.Score = math.Min(100, 40+excess*15)
	return cand
}

// forestFeature is one entry of the bounded feature vector.
type forestFeature struct {
	name  string
	value float64
	scale float64 // characteristic magnitude for normalization
}

// IsolationForest computes an average random-partition path-length proxy over
// the bounded feature vector and maps it monotonically to 0-100. Features
// with no meaningful value are excluded; an empty vector is not detected.
func (a *Analyzer) IsolationForest(txCtx *domain.TransactionContext) domain.AnomalyCandidate {
	var features []forestFeature

	if txCtx.Amount != nil && *txCtx.Amount > 0 {
		features = append(features, forestFeature{"log_amount", math.Log1p(*txCtx.Amount), 6})
	}
	if txCtx.DailyTxCount != nil {
		features = append(features, forestFeature{"daily_tx_count", float64(*txCtx.DailyTxCount), 20})
	}
	if txCtx.DailyVolume != nil && *txCtx.DailyVolume > 0 {
		features = append(features, forestFeature{"daily_volume", math.Log1p(*txCtx.DailyVolume), 9})
	}
	if txCtx.HourlyTxCount != nil {
		features = append(features, forestFeature{"hourly_tx_count", float64(*txCtx.HourlyTxCount), 5})
	}
	if txCtx.TimeSinceLast != nil && *txCtx.TimeSinceLast >= 0 {
		// Short gaps isolate quickly, so invert onto the same axis.
		gap := *txCtx.TimeSinceLast
		features = append(features, forestFeature{"time_since_last", 3600 / (gap + 60), 10})
	}
	if txCtx.HourOfDay != nil {
		// Distance from mid-day; night-time activity isolates faster.
		features = append(features, forestFeature{"hour_of_day", math.Abs(float64(*txCtx.HourOfDay) - 12), 10})
	}

	if len(features) == 0 {
		return domain.NotDetected(domain.AnomalyStatistical, domain.ReasonNoFeatures)
	}

	// Each feature's partition depth shrinks as its normalized magnitude
	// grows; shorter average paths mean easier isolation.
	const maxDepth = 12.0
	var totalDepth float64
	for _, f := range features {
		x := f.value / (f.value + f.scale) // 0..1
		totalDepth += maxDepth * (1 - x)
	}
	avgPath := totalDepth / float64(len(features))
	score := 100 * (1 - avgPath/maxDepth)

	cand := domain.AnomalyCandidate{
		Type: domain.AnomalyStatistical,
		Details: map[string]any{
			"method":          "isolation_forest",
			"feature_count":   len(features),
			"avg_path_length": avgPath,
			"raw_score":       score,
		},
	}
	if score >= a.cfg.ForestThreshold {
		cand.Detected = true
		cand.Score = score
	}
	return cand
}

// LOF compares the local density around the queried amount against the
// density around its k nearest history neighbors. Fewer than k history
// points is not detected with an insufficient-neighbors reason.
func (a *Analyzer) LOF(txCtx *domain.TransactionContext) domain.AnomalyCandidate {
	k := a.cfg.LOFNeighbors
	if len(txCtx.History) < k {
		return domain.NotDetected(domain.AnomalyStatistical, domain.ReasonInsufficientNeighbors)
	}
	if txCtx.Amount == nil {
		return domain.NotDetected(domain.AnomalyStatistical, domain.ReasonNoFeatures)
	}

	amount := *txCtx.Amount

	// k-distance and reachability from the query point.
	dists := make([]float64, len(txCtx.History))
	for i, h := range txCtx.History {
		dists[i] = math.Abs(amount - h)
	}
	order := make([]int, len(dists))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return dists[order[i]] < dists[order[j]] })

	kDist := dists[order[k-1]]

	var queryReach float64
	for _, idx := range order[:k] {
		queryReach += math.Max(dists[idx], kDist)
	}
	queryReach /= float64(k)

	// Neighbor density: each neighbor's own k-distance within the sample.
	var neighborReach float64
	for _, idx := range order[:k] {
		neighborReach += kDistanceWithin(txCtx.History, idx, k)
	}
	neighborReach /= float64(k)

	lof := 1.0
	if queryReach > 0 && neighborReach > 0 {
		lof = queryReach / neighborReach
	} else if queryReach > 0 {
		// Dense identical neighbors and a distant query point.
		lof = a.cfg.LOFThreshold + queryReach
	}

	cand := domain.AnomalyCandidate{
		Type: domain.AnomalyStatistical,
		Details: map[string]any{
			"method":     "lof",
			"k":          k,
			"k_distance": kDist,
			"lof_score":  lof,
		},
	}

	if lof > a.cfg.LOFThreshold {
		cand.Detected = true
		cand.Score = math.Min(100, (lof-1)*40)
	}
	return cand
}

// Seasonal compares the event's hour-of-day and day-of-week against the
// profile's stored distributions. Only established profiles serve as a
// baseline. An empty distribution on an established profile is treated as 0%
// expected likelihood for every slot, which intentionally biases toward
// flagging entirely untracked time patterns.
func (a *Analyzer) Seasonal(txCtx *domain.TransactionContext, profile *domain.BehavioralProfile) domain.AnomalyCandidate {
	if profile == nil || !profile.Established {
		return domain.NotDetected(domain.AnomalyStatistical, domain.ReasonNoProfile)
	}

	txCtx.DeriveTime()
	if txCtx.HourOfDay == nil || txCtx.DayOfWeek == nil {
		return domain.NotDetected(domain.AnomalyStatistical, domain.ReasonNoFeatures)
	}

	hour := *txCtx.HourOfDay
	dow := *txCtx.DayOfWeek
	if hour < 0 || hour > 23 || dow < 0 || dow > 6 {
		return domain.NotDetected(domain.AnomalyStatistical, domain.ReasonNoFeatures)
	}

	hourPct := profile.HourlyPattern[hour]
	dowPct := profile.DailyPattern[dow]

	const (
		uniformHour = 100.0 / 24
		uniformDow  = 100.0 / 7
	)
	hourAnomaly := 1 - math.Min(hourPct/uniformHour, 1)
	dowAnomaly := 1 - math.Min(dowPct/uniformDow, 1)
	score := 100 * (0.6*hourAnomaly + 0.4*dowAnomaly)

	cand := domain.AnomalyCandidate{
		Type: domain.AnomalyStatistical,
		Details: map[string]any{
			"method":               "seasonal",
			"hour_of_day":          hour,
			"day_of_week":          dow,
			"hour_pct":             hourPct,
			"dow_pct":              dowPct,
			"hour_pattern_present": profile.HasHourlyPattern(),
			"raw_score":            score,
		},
	}
	if score >= a.cfg.SeasonalThreshold {
		cand.Detected = true
		cand.Score = score
	}
	return cand
}

// quartiles computes Q1 and Q3 with linear interpolation over a sorted copy.
func quartiles(sample []float64) (q1, q3 float64) {
	sorted := append([]float64(nil), sample...)
	sort.Float64s(sorted)
	return percentile(sorted, 0.25), percentile(sorted, 0.75)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// kDistanceWithin is the kth-nearest distance from sample[idx] to the rest
// of the sample.
func kDistanceWithin(sample []float64, idx, k int) float64 {
	dists := make([]float64, 0, len(sample)-1)
	for i, v := range sample {
		if i == idx {
			continue
		}
		dists = append(dists, math.Abs(sample[idx]-v))
	}
	sort.Float64s(dists)
	if k > len(dists) {
		k = len(dists)
	}
	if k == 0 {
		return 0
	}
	return dists[k-1]
}
