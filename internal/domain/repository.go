package domain

import (
	"context"
	"time"
)

// Observation is one recorded transaction event. Observations feed the
// history sample, cross-account correlation, and blocked-by-IP counts.
type Observation struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenantId"`
	TxID              string    `json:"txId"`
	UserID            string    `json:"userId,omitempty"`
	Amount            float64   `json:"amount"`
	Currency          string    `json:"currency,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	IP                string    `json:"ip,omitempty"`
	Lat               *float64  `json:"lat,omitempty"`
	Lon               *float64  `json:"lon,omitempty"`
	Blocked           bool      `json:"blocked"`
	Timestamp         time.Time `json:"timestamp"`
}

// Repository defines the persistence boundary. All methods require tenantID
// for strict multi-tenancy isolation.
type Repository interface {
	// Behavioral profiles (upsert by user; profiles are never deleted).
	// GetProfile returns nil, nil when the user has no profile yet.
	SaveProfile(ctx context.Context, tenantID string, profile *BehavioralProfile) error
	GetProfile(ctx context.Context, tenantID string, userID string) (*BehavioralProfile, error)

	// Anomaly detections (append-only; idempotent per detection id)
	SaveDetection(ctx context.Context, tenantID string, det *AnomalyDetection) error
	GetDetection(ctx context.Context, tenantID string, detID string) (*AnomalyDetection, error)
	ListDetectionsByTx(ctx context.Context, tenantID string, txID string) ([]*AnomalyDetection, error)

	// Transaction observations
	SaveObservation(ctx context.Context, tenantID string, obs *Observation) error
	GetAmountHistory(ctx context.Context, tenantID string, userID string, limit int) ([]float64, error)
	GetRecentAmounts(ctx context.Context, tenantID string, userID string, since time.Time) ([]float64, error)
	CountUsersByDevice(ctx context.Context, tenantID string, fingerprint string, since time.Time) (int64, error)
	CountUsersByIP(ctx context.Context, tenantID string, ip string, since time.Time) (int64, error)
	CountBlockedByIP(ctx context.Context, tenantID string, ip string) (int64, error)

	// Rule configuration
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
