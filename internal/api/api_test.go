package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/ipintel"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// createTestServer wires a full Community-tier stack: sqlite, LRU cache,
// channel bus, static IP intel.
func createTestServer(t *testing.T) (*Server, domain.EventBus) {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { eventBus.Close() })
	resolver := ipintel.NewStaticResolver(nil)

	ruleEngine, err := rules.NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	// Only very high amounts trigger, so normal test amounts stay clean.
	testRule := &domain.RuleConfig{
		ID:          "test-rule-001",
		Name:        "High Value Test Rule",
		Expression:  "amount > 100000.0",
		AnomalyType: domain.AnomalyVelocity,
		Score:       90,
		Enabled:     true,
	}
	if err := ruleEngine.LoadRule(testRule); err != nil {
		t.Fatalf("failed to load test rule: %v", err)
	}

	orchestrator := engine.New(domain.DefaultEngineConfig(), repo, lru, eventBus, resolver, ruleEngine, nil)

	return NewServer(cfg, repo, lru, eventBus, orchestrator, ruleEngine, "test-v1"), eventBus
}

func postJSON(t *testing.T, server *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func getPath(t *testing.T, server *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestDetectEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("CleanTransaction", func(t *testing.T) {
		rr := postJSON(t, server, "/detect", DetectRequest{
			TxID:   "tx-clean-001",
			TxType: "transfer",
			UserID: "user-001",
			Context: &domain.TransactionContext{
				Amount:   domain.Float64(120.50),
				Currency: domain.String("USD"),
			},
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp DetectResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.TxID != "tx-clean-001" {
			t.Errorf("expected txId tx-clean-001, got %s", resp.TxID)
		}
		if resp.HasCritical {
			t.Error("clean transaction should not be critical")
		}
		if resp.Persisted != 0 {
			t.Errorf("expected nothing persisted, got %d", resp.Persisted)
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
	})

	t.Run("RuleTriggersAndPersists", func(t *testing.T) {
		rr := postJSON(t, server, "/detect", DetectRequest{
			TxID:   "tx-big-001",
			UserID: "user-002",
			Context: &domain.TransactionContext{
				Amount: domain.Float64(250_000),
			},
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp DetectResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if !resp.HasCritical {
			t.Error("rule score 90 should be critical")
		}
		if resp.Persisted == 0 {
			t.Error("expected persisted detections")
		}

		// Retrieval by transaction
		listRR := getPath(t, server, "/detections?txId=tx-big-001")
		if listRR.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", listRR.Code)
		}
		var listResp struct {
			Detections []*domain.AnomalyDetection `json:"detections"`
			Count      int                        `json:"count"`
		}
		if err := json.Unmarshal(listRR.Body.Bytes(), &listResp); err != nil {
			t.Fatalf("failed to parse list response: %v", err)
		}
		if listResp.Count != resp.Persisted {
			t.Errorf("expected %d detections, got %d", resp.Persisted, listResp.Count)
		}

		// Retrieval by detection id
		detRR := getPath(t, server, "/detections/"+listResp.Detections[0].ID)
		if detRR.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", detRR.Code)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingContext", func(t *testing.T) {
		rr := postJSON(t, server, "/detect", DetectRequest{TxID: "tx-noctx"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestIngestEndpoint(t *testing.T) {
	server, eventBus := createTestServer(t)

	received := make(chan *domain.Message, 1)
	sub, err := eventBus.Subscribe(context.Background(), "tenant-001", domain.TopicTransactionIngested,
		func(_ context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	rr := postJSON(t, server, "/transactions", DetectRequest{
		TxType: "transfer",
		UserID: "user-async",
		Context: &domain.TransactionContext{
			Amount: domain.Float64(42),
		},
	})

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["txId"] == "" || resp["status"] != "queued" {
		t.Errorf("unexpected response: %v", resp)
	}

	select {
	case msg := <-received:
		var txMsg domain.TransactionMessage
		if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
			t.Fatalf("failed to parse payload: %v", err)
		}
		if txMsg.TxID != resp["txId"] {
			t.Errorf("payload txId %s does not match response %s", txMsg.TxID, resp["txId"])
		}
		if txMsg.UserID != "user-async" {
			t.Errorf("expected userId user-async, got %s", txMsg.UserID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ingested transaction never reached the bus")
	}
}

func TestProfileEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("NotFound", func(t *testing.T) {
		rr := getPath(t, server, "/profiles/stranger")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("CreatedByDetect", func(t *testing.T) {
		post := postJSON(t, server, "/detect", DetectRequest{
			UserID: "user-profiled",
			Context: &domain.TransactionContext{
				Amount: domain.Float64(88),
			},
		})
		if post.Code != http.StatusOK {
			t.Fatalf("detect failed: %d", post.Code)
		}

		rr := getPath(t, server, "/profiles/user-profiled")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var profile domain.BehavioralProfile
		if err := json.Unmarshal(rr.Body.Bytes(), &profile); err != nil {
			t.Fatalf("failed to parse profile: %v", err)
		}
		if profile.TotalTransactions != 1 || profile.AvgAmount != 88 {
			t.Errorf("unexpected profile: %+v", profile)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("ListLoaded", func(t *testing.T) {
		rr := getPath(t, server, "/rules")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 loaded rule, got %d", resp.Count)
		}
	})

	t.Run("GetRule", func(t *testing.T) {
		rr := getPath(t, server, "/rules/test-rule-001")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		rr = getPath(t, server, "/rules/nope")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("CreateAndReload", func(t *testing.T) {
		rr := postJSON(t, server, "/rules", CreateRuleRequest{
			ID:          "night-owl",
			Name:        "Night Activity",
			Expression:  "hour_of_day >= 1 && hour_of_day <= 5",
			AnomalyType: domain.AnomalyBehavioral,
			Score:       55,
			Enabled:     true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = postJSON(t, server, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 rule from database, got %d", resp.Count)
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		rr := postJSON(t, server, "/rules", CreateRuleRequest{
			ID:         "broken",
			Name:       "Broken",
			Expression: "amount >>> oops",
			Enabled:    true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		rr := postJSON(t, server, "/rules", CreateRuleRequest{ID: "only-id"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}

	rr = httptest.NewRecorder()
	server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}
