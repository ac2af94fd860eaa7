package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("ProfileMissReturnsNil", func(t *testing.T) {
		p, err := repo.GetProfile(ctx, tenantID, "never-seen")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if p != nil {
			t.Errorf("expected nil profile, got %+v", p)
		}
	})

	t.Run("SaveAndGetProfile", func(t *testing.T) {
		profile := &domain.BehavioralProfile{
			UserID:            "user-001",
			TenantID:          tenantID,
			AvgAmount:         1200.50,
			StdDevAmount:      340,
			AvgDailyCount:     4,
			TotalTransactions: 87,
			Established:       true,
			UserSegment:       domain.SegmentRetailConsumer,
			HourlyPattern:     [24]float64{9: 20, 12: 35, 18: 45},
			TrustedDevices:    []string{"fp-abc"},
		}

		if err := repo.SaveProfile(ctx, tenantID, profile); err != nil {
			t.Fatalf("SaveProfile failed: %v", err)
		}

		retrieved, err := repo.GetProfile(ctx, tenantID, "user-001")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if retrieved == nil {
			t.Fatal("expected profile, got nil")
		}

		if retrieved.AvgAmount != profile.AvgAmount {
			t.Errorf("expected AvgAmount %.2f, got %.2f", profile.AvgAmount, retrieved.AvgAmount)
		}
		if retrieved.HourlyPattern[12] != 35 {
			t.Errorf("expected hourly pattern to round-trip, got %v", retrieved.HourlyPattern)
		}
		if !retrieved.Established {
			t.Error("expected Established to round-trip")
		}
	})

	t.Run("ProfileUpsert", func(t *testing.T) {
		updated := &domain.BehavioralProfile{
			UserID:            "user-001",
			TenantID:          tenantID,
			AvgAmount:         1500,
			TotalTransactions: 88,
		}

		if err := repo.SaveProfile(ctx, tenantID, updated); err != nil {
			t.Fatalf("SaveProfile failed: %v", err)
		}

		retrieved, _ := repo.GetProfile(ctx, tenantID, "user-001")
		if retrieved.AvgAmount != 1500 {
			t.Errorf("expected upserted AvgAmount 1500, got %v", retrieved.AvgAmount)
		}
		if retrieved.TotalTransactions != 88 {
			t.Errorf("expected TotalTransactions 88, got %d", retrieved.TotalTransactions)
		}
	})

	t.Run("SaveAndGetDetection", func(t *testing.T) {
		det := &domain.AnomalyDetection{
			ID:       "det-001",
			TxID:     "tx-001",
			TxType:   "transfer",
			UserID:   "user-001",
			Type:     domain.AnomalyStatistical,
			Score:    82.5,
			Severity: domain.SeverityCritical,
			Context:  map[string]any{"amount": 9000.0},
			Details:  map[string]any{"z_score": 7.5},

			DetectedAt: time.Now().UTC(),
		}

		if err := repo.SaveDetection(ctx, tenantID, det); err != nil {
			t.Fatalf("SaveDetection failed: %v", err)
		}

		retrieved, err := repo.GetDetection(ctx, tenantID, det.ID)
		if err != nil {
			t.Fatalf("GetDetection failed: %v", err)
		}

		if retrieved.Score != det.Score {
			t.Errorf("expected Score %.2f, got %.2f", det.Score, retrieved.Score)
		}
		if retrieved.Severity != domain.SeverityCritical {
			t.Errorf("expected severity critical, got %s", retrieved.Severity)
		}
		if retrieved.Details["z_score"] != 7.5 {
			t.Errorf("expected details to round-trip, got %v", retrieved.Details)
		}
	})

	t.Run("DetectionIdempotency", func(t *testing.T) {
		det := &domain.AnomalyDetection{
			ID:         "det-001",
			TxID:       "tx-001",
			Type:       domain.AnomalyStatistical,
			Score:      99, // different score, same id: first write wins
			Severity:   domain.SeverityCritical,
			DetectedAt: time.Now().UTC(),
		}

		if err := repo.SaveDetection(ctx, tenantID, det); err != nil {
			t.Fatalf("duplicate SaveDetection failed: %v", err)
		}

		retrieved, _ := repo.GetDetection(ctx, tenantID, "det-001")
		if retrieved.Score != 82.5 {
			t.Errorf("expected original score 82.5 to survive, got %v", retrieved.Score)
		}

		all, err := repo.ListDetectionsByTx(ctx, tenantID, "tx-001")
		if err != nil {
			t.Fatalf("ListDetectionsByTx failed: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("expected 1 detection after duplicate save, got %d", len(all))
		}
	})

	t.Run("ListDetectionsByTx", func(t *testing.T) {
		second := &domain.AnomalyDetection{
			ID:         "det-002",
			TxID:       "tx-001",
			Type:       domain.AnomalyVelocity,
			Score:      91,
			Severity:   domain.SeverityCritical,
			DetectedAt: time.Now().UTC(),
		}
		if err := repo.SaveDetection(ctx, tenantID, second); err != nil {
			t.Fatalf("SaveDetection failed: %v", err)
		}

		all, err := repo.ListDetectionsByTx(ctx, tenantID, "tx-001")
		if err != nil {
			t.Fatalf("ListDetectionsByTx failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 detections, got %d", len(all))
		}
		// Ordered by score descending
		if all[0].ID != "det-002" {
			t.Errorf("expected highest score first, got %s", all[0].ID)
		}
	})

	t.Run("Observations", func(t *testing.T) {
		base := time.Now().UTC().Add(-time.Hour)
		obs := []*domain.Observation{
			{ID: "obs-1", TxID: "tx-10", UserID: "user-a", Amount: 100, IP: "203.0.113.1", DeviceFingerprint: "fp-1", Timestamp: base},
			{ID: "obs-2", TxID: "tx-11", UserID: "user-a", Amount: 200, IP: "203.0.113.1", DeviceFingerprint: "fp-1", Timestamp: base.Add(10 * time.Minute)},
			{ID: "obs-3", TxID: "tx-12", UserID: "user-b", Amount: 300, IP: "203.0.113.1", DeviceFingerprint: "fp-1", Blocked: true, Timestamp: base.Add(20 * time.Minute)},
			{ID: "obs-4", TxID: "tx-13", UserID: "user-c", Amount: 400, IP: "198.51.100.9", DeviceFingerprint: "fp-2", Timestamp: base.Add(30 * time.Minute)},
		}
		for _, o := range obs {
			if err := repo.SaveObservation(ctx, tenantID, o); err != nil {
				t.Fatalf("SaveObservation failed: %v", err)
			}
		}

		t.Run("AmountHistoryChronological", func(t *testing.T) {
			amounts, err := repo.GetAmountHistory(ctx, tenantID, "user-a", 10)
			if err != nil {
				t.Fatalf("GetAmountHistory failed: %v", err)
			}
			if len(amounts) != 2 || amounts[0] != 100 || amounts[1] != 200 {
				t.Errorf("expected [100 200], got %v", amounts)
			}
		})

		t.Run("AmountHistoryLimit", func(t *testing.T) {
			amounts, err := repo.GetAmountHistory(ctx, tenantID, "user-a", 1)
			if err != nil {
				t.Fatalf("GetAmountHistory failed: %v", err)
			}
			// Limit keeps the most recent sample
			if len(amounts) != 1 || amounts[0] != 200 {
				t.Errorf("expected [200], got %v", amounts)
			}
		})

		t.Run("RecentAmounts", func(t *testing.T) {
			amounts, err := repo.GetRecentAmounts(ctx, tenantID, "user-a", base.Add(5*time.Minute))
			if err != nil {
				t.Fatalf("GetRecentAmounts failed: %v", err)
			}
			if len(amounts) != 1 || amounts[0] != 200 {
				t.Errorf("expected [200], got %v", amounts)
			}
		})

		t.Run("CountUsersByDevice", func(t *testing.T) {
			count, err := repo.CountUsersByDevice(ctx, tenantID, "fp-1", base.Add(-time.Minute))
			if err != nil {
				t.Fatalf("CountUsersByDevice failed: %v", err)
			}
			if count != 2 {
				t.Errorf("expected 2 distinct users on fp-1, got %d", count)
			}
		})

		t.Run("CountUsersByIP", func(t *testing.T) {
			count, err := repo.CountUsersByIP(ctx, tenantID, "203.0.113.1", base.Add(-time.Minute))
			if err != nil {
				t.Fatalf("CountUsersByIP failed: %v", err)
			}
			if count != 2 {
				t.Errorf("expected 2 distinct users on ip, got %d", count)
			}
		})

		t.Run("CountBlockedByIP", func(t *testing.T) {
			count, err := repo.CountBlockedByIP(ctx, tenantID, "203.0.113.1")
			if err != nil {
				t.Fatalf("CountBlockedByIP failed: %v", err)
			}
			if count != 1 {
				t.Errorf("expected 1 blocked observation, got %d", count)
			}
		})
	})

	t.Run("RuleConfigs", func(t *testing.T) {
		rule := &domain.RuleConfig{
			ID:          "rule-001",
			Name:        "high amount",
			Version:     "1",
			Expression:  "amount > 10000.0",
			AnomalyType: domain.AnomalyStatistical,
			Score:       75,
			Enabled:     true,
		}

		if err := repo.SaveRuleConfig(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}

		retrieved, err := repo.GetRuleConfig(ctx, tenantID, "rule-001")
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if retrieved.Expression != rule.Expression {
			t.Errorf("expected expression %q, got %q", rule.Expression, retrieved.Expression)
		}
		if retrieved.Score != 75 {
			t.Errorf("expected score 75, got %v", retrieved.Score)
		}

		all, err := repo.ListRuleConfigs(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("expected 1 rule config, got %d", len(all))
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		otherTenant := "tenant-002"

		p, err := repo.GetProfile(ctx, otherTenant, "user-001")
		if err != nil || p != nil {
			t.Errorf("expected nil profile for other tenant, got %v, %v", p, err)
		}

		_, err = repo.GetDetection(ctx, otherTenant, "det-001")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for other tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := repo.SaveProfile(ctx, "", &domain.BehavioralProfile{UserID: "u"})
		if err == nil {
			t.Error("expected error for empty tenantID")
		}

		_, err = repo.GetDetection(ctx, "", "det-001")
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetDetection(ctx, tenantID, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}

		_, err = repo.GetRuleConfig(ctx, tenantID, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
