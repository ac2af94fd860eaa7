// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveProfile upserts a behavioral profile with tenant isolation.
func (r *SQLRepository) SaveProfile(ctx context.Context, tenantID string, profile *domain.BehavioralProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if profile == nil || profile.UserID == "" {
		return fmt.Errorf("%w: profile with userID is required", ErrInvalidInput)
	}

	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	query := `
		INSERT INTO behavioral_profiles (tenant_id, user_id, profile, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO UPDATE SET
			profile = excluded.profile,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, profile.UserID, string(doc), time.Now().UTC(),
	)
	return err
}

// GetProfile retrieves a behavioral profile with tenant isolation.
// Returns nil, nil when the user has no profile yet.
func (r *SQLRepository) GetProfile(ctx context.Context, tenantID string, userID string) (*domain.BehavioralProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT profile
		FROM behavioral_profiles
		WHERE tenant_id = ? AND user_id = ?
	`

	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var profile domain.BehavioralProfile
	if err := json.Unmarshal([]byte(doc), &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}

	return &profile, nil
}

// SaveDetection stores an anomaly detection. Inserts are idempotent per
// detection id so retried evaluations never duplicate the audit trail.
func (r *SQLRepository) SaveDetection(ctx context.Context, tenantID string, det *domain.AnomalyDetection) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if det == nil || det.ID == "" {
		return fmt.Errorf("%w: detection with id is required", ErrInvalidInput)
	}

	txCtx, _ := json.Marshal(det.Context)
	details, _ := json.Marshal(det.Details)

	query := `
		INSERT INTO anomaly_detections (
			id, tenant_id, tx_id, tx_type, user_id, type,
			score, severity, context, details, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		det.ID, tenantID, det.TxID, det.TxType, det.UserID, det.Type,
		det.Score, det.Severity, string(txCtx), string(details), det.DetectedAt,
	)
	return err
}

// GetDetection retrieves a detection by ID with tenant isolation.
func (r *SQLRepository) GetDetection(ctx context.Context, tenantID string, detID string) (*domain.AnomalyDetection, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, tx_type, user_id, type,
			   score, severity, context, details, detected_at
		FROM anomaly_detections
		WHERE tenant_id = ? AND id = ?
	`

	det, err := scanDetection(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, detID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return det, nil
}

// ListDetectionsByTx retrieves all detections for a transaction.
func (r *SQLRepository) ListDetectionsByTx(ctx context.Context, tenantID string, txID string) ([]*domain.AnomalyDetection, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, tx_type, user_id, type,
			   score, severity, context, details, detected_at
		FROM anomaly_detections
		WHERE tenant_id = ? AND tx_id = ?
		ORDER BY score DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var detections []*domain.AnomalyDetection
	for rows.Next() {
		det, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		detections = append(detections, det)
	}

	return detections, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetection(row rowScanner) (*domain.AnomalyDetection, error) {
	var det domain.AnomalyDetection
	var txCtx, details string

	err := row.Scan(
		&det.ID, &det.TenantID, &det.TxID, &det.TxType, &det.UserID, &det.Type,
		&det.Score, &det.Severity, &txCtx, &details, &det.DetectedAt,
	)
	if err != nil {
		return nil, err
	}

	if txCtx != "" {
		json.Unmarshal([]byte(txCtx), &det.Context)
	}
	if details != "" {
		json.Unmarshal([]byte(details), &det.Details)
	}

	return &det, nil
}

// SaveObservation stores a transaction observation with tenant isolation.
func (r *SQLRepository) SaveObservation(ctx context.Context, tenantID string, obs *domain.Observation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if obs == nil || obs.ID == "" {
		return fmt.Errorf("%w: observation with id is required", ErrInvalidInput)
	}

	blocked := 0
	if obs.Blocked {
		blocked = 1
	}

	query := `
		INSERT INTO observations (
			id, tenant_id, tx_id, user_id, amount, currency,
			device_fingerprint, ip, lat, lon, blocked, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		obs.ID, tenantID, obs.TxID, obs.UserID, obs.Amount, obs.Currency,
		obs.DeviceFingerprint, obs.IP, obs.Lat, obs.Lon, blocked, obs.Timestamp,
	)
	return err
}

// GetAmountHistory returns up to limit most recent amounts for a user,
// ordered oldest first so callers get a chronological sample.
func (r *SQLRepository) GetAmountHistory(ctx context.Context, tenantID string, userID string, limit int) ([]float64, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT amount
		FROM observations
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	amounts, err := r.queryAmounts(ctx, r.rebind(query), tenantID, userID, limit)
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(amounts)-1; i < j; i, j = i+1, j-1 {
		amounts[i], amounts[j] = amounts[j], amounts[i]
	}
	return amounts, nil
}

// GetRecentAmounts returns all amounts for a user since the given time,
// ordered oldest first.
func (r *SQLRepository) GetRecentAmounts(ctx context.Context, tenantID string, userID string, since time.Time) ([]float64, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT amount
		FROM observations
		WHERE tenant_id = ? AND user_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`

	return r.queryAmounts(ctx, r.rebind(query), tenantID, userID, since)
}

func (r *SQLRepository) queryAmounts(ctx context.Context, query string, args ...any) ([]float64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var amounts []float64
	for rows.Next() {
		var amount float64
		if err := rows.Scan(&amount); err != nil {
			return nil, err
		}
		amounts = append(amounts, amount)
	}

	return amounts, rows.Err()
}

// CountUsersByDevice counts distinct users seen on a device fingerprint.
func (r *SQLRepository) CountUsersByDevice(ctx context.Context, tenantID string, fingerprint string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(DISTINCT user_id)
		FROM observations
		WHERE tenant_id = ? AND device_fingerprint = ? AND timestamp >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, fingerprint, since).Scan(&count)
	return count, err
}

// CountUsersByIP counts distinct users seen from an IP address.
func (r *SQLRepository) CountUsersByIP(ctx context.Context, tenantID string, ip string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(DISTINCT user_id)
		FROM observations
		WHERE tenant_id = ? AND ip = ? AND timestamp >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ip, since).Scan(&count)
	return count, err
}

// CountBlockedByIP counts blocked observations associated with an IP.
func (r *SQLRepository) CountBlockedByIP(ctx context.Context, tenantID string, ip string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*)
		FROM observations
		WHERE tenant_id = ? AND ip = ? AND blocked = 1
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ip).Scan(&count)
	return count, err
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, anomaly_type, score, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			anomaly_type = excluded.anomaly_type,
			score = excluded.score,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, rule.AnomalyType, rule.Score, enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, anomaly_type, score, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.RuleConfig
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
		&cfg.Version, &cfg.Expression, &cfg.AnomalyType, &cfg.Score, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1

	return &cfg, nil
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, anomaly_type, score, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
			&cfg.Version, &cfg.Expression, &cfg.AnomalyType, &cfg.Score, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
