// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// TransactionContext carries everything known about the transaction under
// evaluation. Every field is optional: detectors that are missing the fields
// they need resolve to "not detected" rather than failing.
type TransactionContext struct {
	// Financial details
	Amount   *float64 `json:"amount,omitempty"`
	Currency *string  `json:"currency,omitempty"`

	// Temporal
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	HourOfDay     *int       `json:"hourOfDay,omitempty"`
	DayOfWeek     *int       `json:"dayOfWeek,omitempty"`     // 0 = Sunday
	TimeSinceLast *float64   `json:"timeSinceLast,omitempty"` // seconds

	// Rolling counters supplied by the caller
	DailyTxCount  *int64   `json:"dailyTxCount,omitempty"`
	DailyVolume   *float64 `json:"dailyVolume,omitempty"`
	HourlyTxCount *int64   `json:"hourlyTxCount,omitempty"`
	HourlyVolume  *float64 `json:"hourlyVolume,omitempty"`

	// Geolocation of this event and of the previous known event
	Lat              *float64 `json:"lat,omitempty"`
	Lon              *float64 `json:"lon,omitempty"`
	PrevLat          *float64 `json:"prevLat,omitempty"`
	PrevLon          *float64 `json:"prevLon,omitempty"`
	ElapsedSincePrev *float64 `json:"elapsedSincePrev,omitempty"` // seconds

	// Device data (already-resolved facts; Kestrel does no fingerprinting)
	DeviceFingerprint *string `json:"deviceFingerprint,omitempty"`
	IP                *string `json:"ip,omitempty"`

	// Ordered sample of past amounts, newest last. Feeds the
	// history-dependent detectors (IQR, LOF).
	History []float64 `json:"transactionHistory,omitempty"`
}

// DeriveTime fills HourOfDay and DayOfWeek from Timestamp when the caller
// supplied a timestamp but not the derived fields.
func (c *TransactionContext) DeriveTime() {
	if c.Timestamp == nil {
		return
	}
	if c.HourOfDay == nil {
		h := c.Timestamp.Hour()
		c.HourOfDay = &h
	}
	if c.DayOfWeek == nil {
		d := int(c.Timestamp.Weekday())
		c.DayOfWeek = &d
	}
}

// HasLocationPair reports whether both location points and the elapsed time
// between them are present, which is the precondition for the travel check.
func (c *TransactionContext) HasLocationPair() bool {
	return c.Lat != nil && c.Lon != nil &&
		c.PrevLat != nil && c.PrevLon != nil &&
		c.ElapsedSincePrev != nil
}

// Flatten exposes the context as flat variables for rule expressions and for
// the snapshot persisted with a detection. Absent fields are omitted.
func (c *TransactionContext) Flatten() map[string]any {
	out := make(map[string]any)
	if c.Amount != nil {
		out["amount"] = *c.Amount
	}
	if c.Currency != nil {
		out["currency"] = *c.Currency
	}
	if c.HourOfDay != nil {
		out["hour_of_day"] = int64(*c.HourOfDay)
	}
	if c.DayOfWeek != nil {
		out["day_of_week"] = int64(*c.DayOfWeek)
	}
	if c.TimeSinceLast != nil {
		out["time_since_last"] = *c.TimeSinceLast
	}
	if c.DailyTxCount != nil {
		out["daily_tx_count"] = *c.DailyTxCount
	}
	if c.DailyVolume != nil {
		out["daily_volume"] = *c.DailyVolume
	}
	if c.HourlyTxCount != nil {
		out["hourly_tx_count"] = *c.HourlyTxCount
	}
	if c.HourlyVolume != nil {
		out["hourly_volume"] = *c.HourlyVolume
	}
	if c.Lat != nil && c.Lon != nil {
		out["lat"] = *c.Lat
		out["lon"] = *c.Lon
	}
	if c.DeviceFingerprint != nil {
		out["device_fingerprint"] = *c.DeviceFingerprint
	}
	if c.IP != nil {
		out["ip"] = *c.IP
	}
	return out
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Float64 returns a pointer to v. Convenience for building contexts.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
