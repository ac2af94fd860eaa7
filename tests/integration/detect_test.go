//go:build integration
// +build integration

// Package integration exercises the full detection pipeline over HTTP: a
// transaction fans out to the detector families (statistical, velocity,
// geolocation, behavioral, device, rules), candidates above the persist
// threshold (default 40) are stored and emit an anomaly event, and every
// scored call records an observation and updates the user's behavioral
// profile. Repeated calls build history, so tests that need an established
// baseline seed it with a warm-up loop.
//
// Scores map to severities at fixed boundaries:
//
//	score <  40  low
//	score <  60  medium
//	score <  80  high
//	score >= 80  critical
//
// Run with:
//
//	go test -tags=integration -v ./tests/integration/...
//
// Some tests expect an optional seeded rule, created via POST /rules:
//
//	id: high-value-001   expression: amount > 100000.0   score: 90
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "test-tenant",
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// TransactionContext carries the transaction facts sent to POST /detect.
// All fields are optional pointers so absent data is distinguishable from zero.
type TransactionContext struct {
	Amount           *float64 `json:"amount,omitempty"`
	Currency         *string  `json:"currency,omitempty"`
	Lat              *float64 `json:"lat,omitempty"`
	Lon              *float64 `json:"lon,omitempty"`
	PrevLat          *float64 `json:"prevLat,omitempty"`
	PrevLon          *float64 `json:"prevLon,omitempty"`
	ElapsedSincePrev *float64 `json:"elapsedSincePrev,omitempty"`
	DeviceFP         *string  `json:"deviceFingerprint,omitempty"`
	IP               *string  `json:"ip,omitempty"`
	HourOfDay        *int     `json:"hourOfDay,omitempty"`
	DayOfWeek        *int     `json:"dayOfWeek,omitempty"`
}

// DetectRequest is the transaction sent to POST /detect
type DetectRequest struct {
	TxID    string              `json:"txId,omitempty"`
	TxType  string              `json:"txType,omitempty"`
	UserID  string              `json:"userId,omitempty"`
	Context *TransactionContext `json:"context"`
}

// Anomaly is a single detector finding in the response
type Anomaly struct {
	Type     string         `json:"type"`
	Score    float64        `json:"score"`
	Detected bool           `json:"detected"`
	Details  map[string]any `json:"details,omitempty"`
}

// DetectResponse is what POST /detect returns
type DetectResponse struct {
	TxID         string           `json:"txId"`
	Anomalies    []Anomaly        `json:"anomalies"`
	HighestScore float64          `json:"highestScore"`
	HasCritical  bool             `json:"hasCritical"`
	Persisted    int              `json:"persisted"`
	Metadata     ResponseMetadata `json:"metadata"`
}

type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func detect(t *testing.T, config TestConfig, req DetectRequest) DetectResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}

	var result DetectResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}

	return result
}

func floatPtr(v float64) *float64 { return &v }
func strPtr(s string) *string     { return &s }

// seedHistory posts `count` baseline transactions for userID so the
// statistical and behavioral detectors have an established profile.
func seedHistory(t *testing.T, config TestConfig, userID string, amount float64, count int) {
	t.Helper()

	for i := 0; i < count; i++ {
		// Small jitter keeps the stddev non-zero
		jittered := amount + float64(i%5)*amount*0.02
		detect(t, config, DetectRequest{
			TxID:   fmt.Sprintf("seed-%s-%03d", userID, i),
			TxType: "PAYMENT",
			UserID: userID,
			Context: &TransactionContext{
				Amount:   floatPtr(jittered),
				Currency: strPtr("USD"),
			},
		})
	}
}

// ============================================================================
// SCENARIO 1: Normal Transaction (Nothing Persisted)
// ============================================================================

func TestNormalTransaction_NothingPersisted(t *testing.T) {
	/*
	   SCENARIO: A regular $120 payment from a fresh user

	   EXPECTED BEHAVIOR:
	   - statistical: no history → every method reports insufficient data
	   - behavioral:  no profile → not detected
	   - geo/device:  no location or IP in the context → skipped
	   - velocity:    first transaction, windows stay under thresholds

	   FINAL DECISION: highestScore below persist threshold, persisted == 0
	*/
	config := getTestConfig()

	result := detect(t, config, DetectRequest{
		TxID:   fmt.Sprintf("normal-%d", time.Now().UnixNano()),
		TxType: "PAYMENT",
		UserID: fmt.Sprintf("user-normal-%d", time.Now().UnixNano()),
		Context: &TransactionContext{
			Amount:   floatPtr(120.50),
			Currency: strPtr("USD"),
		},
	})

	// ASSERTIONS
	if result.HasCritical {
		t.Errorf("Expected no critical anomaly for normal transaction, got hasCritical=true")
	}

	if result.Persisted != 0 {
		t.Errorf("Expected nothing persisted for normal transaction, got %d", result.Persisted)
	}

	if result.HighestScore >= 40 {
		t.Errorf("Expected highestScore below persist threshold, got %.2f", result.HighestScore)
	}

	t.Logf("✓ Normal transaction passed: highestScore=%.2f, persisted=%d",
		result.HighestScore, result.Persisted)
}

// ============================================================================
// SCENARIO 2: Statistical Outlier After Established History
// ============================================================================

func TestStatisticalOutlier_Persisted(t *testing.T) {
	/*
	   SCENARIO: A user with 30 payments around $1,000 suddenly spends $25,000

	   EXPECTED BEHAVIOR:
	   - The z-score of $25,000 against a ~$1,000 mean is far beyond 3.0
	   - Statistical candidates fire and score above the persist threshold
	   - The anomalies are stored and retrievable via GET /detections?txId=

	   WHY THE WARM-UP LOOP:
	   Statistical methods refuse to run without enough history. Each /detect
	   call records an observation, so 30 seeds establish the baseline.
	*/
	config := getTestConfig()

	userID := fmt.Sprintf("user-outlier-%d", time.Now().UnixNano())
	seedHistory(t, config, userID, 1000, 30)

	txID := fmt.Sprintf("outlier-%d", time.Now().UnixNano())
	result := detect(t, config, DetectRequest{
		TxID:   txID,
		TxType: "PAYMENT",
		UserID: userID,
		Context: &TransactionContext{
			Amount:   floatPtr(25000),
			Currency: strPtr("USD"),
		},
	})

	if result.HighestScore < 40 {
		t.Errorf("Expected highestScore >= 40 for 25x outlier, got %.2f", result.HighestScore)
	}

	if result.Persisted == 0 {
		t.Error("Expected at least one persisted anomaly for 25x outlier")
	}

	detectedStatistical := false
	for _, a := range result.Anomalies {
		if a.Type == "statistical" && a.Detected {
			detectedStatistical = true
		}
	}
	if !detectedStatistical {
		t.Error("Expected a detected statistical anomaly")
	}

	// Verify persistence round-trip
	listURL := fmt.Sprintf("%s/detections?txId=%s", config.BaseURL, txID)
	httpReq, _ := http.NewRequest("GET", listURL, nil)
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("List request failed: %v", err)
	}
	defer resp.Body.Close()

	var listResult struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResult); err != nil {
		t.Fatalf("Failed to decode list response: %v", err)
	}

	if listResult.Count != result.Persisted {
		t.Errorf("Stored detections (%d) do not match persisted count (%d)",
			listResult.Count, result.Persisted)
	}

	t.Logf("✓ Outlier persisted: highestScore=%.2f, persisted=%d",
		result.HighestScore, result.Persisted)
}

// ============================================================================
// SCENARIO 3: Impossible Travel (Critical)
// ============================================================================

func TestImpossibleTravel_Critical(t *testing.T) {
	/*
	   SCENARIO: A transaction in New York one hour after one in London

	   EXPECTED BEHAVIOR:
	   - Great-circle distance NY → London ≈ 5,570 km
	   - Covering it in 1 hour requires ~5,570 km/h, far beyond the 900 km/h cap
	   - The geolocation detector flags impossible travel with a critical score
	*/
	config := getTestConfig()

	result := detect(t, config, DetectRequest{
		TxID:   fmt.Sprintf("travel-%d", time.Now().UnixNano()),
		TxType: "PAYMENT",
		UserID: fmt.Sprintf("user-travel-%d", time.Now().UnixNano()),
		Context: &TransactionContext{
			Amount:           floatPtr(200),
			Currency:         strPtr("USD"),
			Lat:              floatPtr(40.7128),  // New York
			Lon:              floatPtr(-74.0060),
			PrevLat:          floatPtr(51.5074),  // London
			PrevLon:          floatPtr(-0.1278),
			ElapsedSincePrev: floatPtr(3600),
		},
	})

	if !result.HasCritical {
		t.Errorf("Expected hasCritical for NY→London in 1h, got highestScore=%.2f", result.HighestScore)
	}

	foundTravel := false
	for _, a := range result.Anomalies {
		if a.Type == "geolocation" && a.Detected {
			foundTravel = true
			if a.Score < 80 {
				t.Errorf("Expected critical score (>= 80) for impossible travel, got %.2f", a.Score)
			}
		}
	}
	if !foundTravel {
		t.Error("Expected a detected geolocation anomaly")
	}

	t.Logf("✓ Impossible travel flagged critical: highestScore=%.2f", result.HighestScore)
}

// ============================================================================
// SCENARIO 4: Velocity Burst
// ============================================================================

func TestVelocityBurst_Detected(t *testing.T) {
	/*
	   SCENARIO: 25 transactions from one user inside a few seconds

	   EXPECTED BEHAVIOR:
	   - The 5-minute sliding window (default limit 5) overflows partway through
	   - Later responses include a detected velocity anomaly

	   NOTE: Exact trigger point depends on configured window limits, so the
	   assertion is on the final response only.
	*/
	config := getTestConfig()

	userID := fmt.Sprintf("user-burst-%d", time.Now().UnixNano())

	var last DetectResponse
	for i := 0; i < 25; i++ {
		last = detect(t, config, DetectRequest{
			TxID:   fmt.Sprintf("burst-%s-%03d", userID, i),
			TxType: "PAYMENT",
			UserID: userID,
			Context: &TransactionContext{
				Amount:   floatPtr(50),
				Currency: strPtr("USD"),
			},
		})
	}

	foundVelocity := false
	for _, a := range last.Anomalies {
		if a.Type == "velocity" && a.Detected {
			foundVelocity = true
		}
	}

	if !foundVelocity {
		t.Errorf("Expected a detected velocity anomaly after 25 rapid transactions, anomalies=%+v",
			last.Anomalies)
	}

	t.Logf("✓ Velocity burst detected: highestScore=%.2f, persisted=%d",
		last.HighestScore, last.Persisted)
}

// ============================================================================
// SCENARIO 5: Profile Learning
// ============================================================================

func TestProfileBuiltFromDetections(t *testing.T) {
	/*
	   SCENARIO: Every /detect call should feed the user's behavioral profile

	   EXPECTED BEHAVIOR:
	   - After 5 payments, GET /profiles/{userId} returns a profile with
	     totalTransactions == 5 and a sane average amount
	*/
	config := getTestConfig()

	userID := fmt.Sprintf("user-profile-%d", time.Now().UnixNano())
	seedHistory(t, config, userID, 250, 5)

	httpReq, _ := http.NewRequest("GET", config.BaseURL+"/profiles/"+userID, nil)
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Profile request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for existing profile, got %d", resp.StatusCode)
	}

	var profile struct {
		UserID            string  `json:"userId"`
		TotalTransactions int64   `json:"totalTransactions"`
		AvgAmount         float64 `json:"avgAmount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		t.Fatalf("Failed to decode profile: %v", err)
	}

	if profile.TotalTransactions != 5 {
		t.Errorf("Expected 5 transactions in profile, got %d", profile.TotalTransactions)
	}

	if profile.AvgAmount < 200 || profile.AvgAmount > 300 {
		t.Errorf("Expected avgAmount near 250, got %.2f", profile.AvgAmount)
	}

	t.Logf("✓ Profile learned: totalTransactions=%d, avgAmount=%.2f",
		profile.TotalTransactions, profile.AvgAmount)
}

// ============================================================================
// SCENARIO 6: Input Validation
// ============================================================================

func TestMissingContext_Error(t *testing.T) {
	/*
	   SCENARIO: Request without a context object

	   EXPECTED: HTTP 400 Bad Request
	*/
	config := getTestConfig()

	body := []byte(`{"txId": "no-context-001", "userId": "user-001"}`)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/detect", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing context, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing context → HTTP %d", resp.StatusCode)
}

func TestMissingTenantHeader_Error(t *testing.T) {
	/*
	   SCENARIO: Request without X-Tenant-ID header

	   EXPECTED: HTTP 400 Bad Request (tenant is a required field, not auth)
	*/
	config := getTestConfig()

	body := []byte(`{"txId": "no-tenant-001", "userId": "user-001", "context": {"amount": 100}}`)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/detect", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	// NO X-Tenant-ID header!

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing tenant, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing tenant → HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 7: Async Intake
// ============================================================================

func TestAsyncIngest_Accepted(t *testing.T) {
	/*
	   SCENARIO: Submit a transaction via POST /transactions for async processing

	   EXPECTED BEHAVIOR:
	   - HTTP 202 Accepted with status "queued"
	   - The detection itself happens later on a worker; this test only
	     verifies the intake contract.
	*/
	config := getTestConfig()

	req := DetectRequest{
		TxID:   fmt.Sprintf("async-%d", time.Now().UnixNano()),
		TxType: "PAYMENT",
		UserID: "user-async-001",
		Context: &TransactionContext{
			Amount:   floatPtr(75),
			Currency: strPtr("USD"),
		},
	}

	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/transactions", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 202 Accepted, got %d: %s", resp.StatusCode, string(respBody))
	}

	var ack struct {
		TxID   string `json:"txId"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("Failed to decode ack: %v", err)
	}

	if ack.Status != "queued" {
		t.Errorf("Expected status queued, got %s", ack.Status)
	}

	t.Logf("✓ Async intake accepted: txId=%s", ack.TxID)
}

// ============================================================================
// SCENARIO 8: Response Metadata Verification
// ============================================================================

func TestResponseMetadata(t *testing.T) {
	/*
	   SCENARIO: Verify response includes all required metadata

	   This ensures the API contract is stable for clients.
	*/
	config := getTestConfig()

	result := detect(t, config, DetectRequest{
		TxType: "PAYMENT", // txId omitted on purpose; server must generate one
		UserID: "user-metadata-001",
		Context: &TransactionContext{
			Amount:   floatPtr(100),
			Currency: strPtr("USD"),
		},
	})

	if result.TxID == "" {
		t.Error("Missing txId (server should generate one when omitted)")
	}

	if result.Metadata.TraceID == "" {
		t.Error("Missing metadata.traceId")
	}

	if result.Metadata.Version == "" {
		t.Error("Missing metadata.version")
	}

	// Note: TotalMs can be 0 for very fast operations (sub-millisecond)
	if result.Metadata.TotalMs < 0 {
		t.Error("Invalid metadata.totalMs (negative)")
	}

	for _, a := range result.Anomalies {
		if a.Score < 0 || a.Score > 100 {
			t.Errorf("Score out of range on anomaly type %s: %.2f", a.Type, a.Score)
		}
	}

	t.Logf("✓ Metadata complete: txId=%s, traceId=%s, totalMs=%d, version=%s",
		result.TxID, result.Metadata.TraceID, result.Metadata.TotalMs, result.Metadata.Version)
}
