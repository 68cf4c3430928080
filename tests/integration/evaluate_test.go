//go:build integration

// Package integration runs end-to-end scenarios against a live Kestrel
// server started with the default (community) configuration:
//
//	kestrel serve
//	KESTREL_TEST_URL=http://localhost:8080 go test -tags=integration ./tests/integration/...
//
// Every run uses fresh card fingerprints and transaction ids, so the tests
// can be repeated against the same database.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

const tenantID = "it-psp-001"

var client = &http.Client{Timeout: 10 * time.Second}

func baseURL() string {
	if u := os.Getenv("KESTREL_TEST_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

// evaluateResponse mirrors the API's result plus metadata.
type evaluateResponse struct {
	domain.RuleEvaluationResult
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

func call(t *testing.T, method, path string, body any, want int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
	}
	req, err := http.NewRequest(method, baseURL()+path, &buf)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, want, resp.StatusCode, respBody)
	}
	return respBody
}

func evaluate(t *testing.T, req domain.TransactionRequest) evaluateResponse {
	t.Helper()
	var result evaluateResponse
	if err := json.Unmarshal(call(t, http.MethodPost, "/evaluate", req, http.StatusOK), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return result
}

func cardTx(amountMinor int64, country string, ts time.Time) domain.TransactionRequest {
	return domain.TransactionRequest{
		ID:          "it-" + uuid.NewString(),
		MerchantID:  "merchant-it-001",
		TerminalID:  "term-01",
		Channel:     "POS",
		CountryCode: country,
		PANHash:     "pan-" + uuid.NewString(),
		AmountMinor: amountMinor,
		Currency:    "USD",
		Timestamp:   &ts,
	}
}

func TestHealth(t *testing.T) {
	var health struct {
		Status string `json:"status"`
	}
	json.Unmarshal(call(t, http.MethodGet, "/health", nil, http.StatusOK), &health)
	if health.Status != "healthy" {
		t.Errorf("Expected healthy, got %s", health.Status)
	}
}

func TestOrdinaryPurchase_Allowed(t *testing.T) {
	result := evaluate(t, cardTx(4250, "US", time.Now().UTC()))

	if result.Decision != domain.DecisionAllow {
		t.Errorf("Expected ALLOW, got %s (reasons %v)", result.Decision, result.Reasons)
	}
	if result.SARRequired || result.CTRRequired {
		t.Error("Expected no reporting flags")
	}
	if result.Metadata.TraceID == "" {
		t.Error("Expected traceId in metadata")
	}
}

func TestLargeCashAmount_CTRWithoutHold(t *testing.T) {
	result := evaluate(t, cardTx(1500000, "US", time.Now().UTC()))

	if !result.CTRRequired {
		t.Error("Expected CTR for $15,000")
	}
	if !slices.Contains(result.TriggeredRules, rules.FallbackCTRThreshold) {
		t.Errorf("Expected %s in %v", rules.FallbackCTRThreshold, result.TriggeredRules)
	}
	if result.Decision != domain.DecisionAllow {
		t.Errorf("CTR alone should not hold, got %s", result.Decision)
	}
}

func TestSanctionedCountry_Blocked(t *testing.T) {
	result := evaluate(t, cardTx(1000, "KP", time.Now().UTC()))

	if result.Decision != domain.DecisionBlock || !result.SARRequired {
		t.Errorf("Expected BLOCK with SAR, got %s sar=%v", result.Decision, result.SARRequired)
	}
}

func TestStructuring_HeldOnFourthDeposit(t *testing.T) {
	start := time.Now().UTC().Add(-45 * time.Minute)
	first := cardTx(950000, "US", start)

	var last evaluateResponse
	for i := range 4 {
		req := first
		req.ID = fmt.Sprintf("%s-%d", first.ID, i)
		ts := start.Add(time.Duration(i) * 10 * time.Minute)
		req.Timestamp = &ts
		last = evaluate(t, req)

		if i < 3 && last.Decision != domain.DecisionAllow {
			t.Fatalf("Deposit %d: expected ALLOW, got %s", i+1, last.Decision)
		}
	}

	if last.Decision != domain.DecisionHold || !last.SARRequired {
		t.Errorf("Expected HOLD with SAR on the 4th deposit, got %s sar=%v", last.Decision, last.SARRequired)
	}
	if !slices.Contains(last.TriggeredRules, rules.FallbackStructuring) {
		t.Errorf("Expected %s in %v", rules.FallbackStructuring, last.TriggeredRules)
	}
}

func TestRuleLifecycle(t *testing.T) {
	name := "IT_MERCHANT_" + uuid.NewString()[:8]
	call(t, http.MethodPost, "/rules", domain.RuleDefinition{
		Name:     name,
		Type:     domain.RuleKindExpression,
		Priority: 5,
		Enabled:  true,
		Content:  `merchantId == "merchant-it-rules"`,
		Action:   domain.ActionHold,
	}, http.StatusCreated)
	t.Cleanup(func() {
		call(t, http.MethodPut, "/rules/"+name, map[string]bool{"enabled": false}, http.StatusOK)
		call(t, http.MethodPost, "/rules/reload", nil, http.StatusOK)
	})

	var report rules.ReloadReport
	json.Unmarshal(call(t, http.MethodPost, "/rules/reload", nil, http.StatusOK), &report)
	if !report.Success {
		t.Fatalf("Reload failed: %+v", report)
	}

	req := cardTx(2000, "US", time.Now().UTC())
	req.MerchantID = "merchant-it-rules"
	result := evaluate(t, req)

	if result.Decision != domain.DecisionHold || !slices.Contains(result.TriggeredRules, name) {
		t.Errorf("Expected HOLD from %s, got %s %v", name, result.Decision, result.TriggeredRules)
	}
	if result.RuleSetVersion != report.Version {
		t.Errorf("Expected rule set version %d, got %d", report.Version, result.RuleSetVersion)
	}
}

func TestAuditTrail(t *testing.T) {
	req := cardTx(1000, "SY", time.Now().UTC())
	evaluate(t, req)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		httpReq, _ := http.NewRequest(http.MethodGet, baseURL()+"/evaluations/"+req.ID, nil)
		httpReq.Header.Set("X-Tenant-ID", tenantID)
		resp, err := client.Do(httpReq)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		var rec domain.AuditRecord
		err = json.NewDecoder(resp.Body).Decode(&rec)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK && err == nil {
			if rec.Decision != domain.DecisionBlock {
				t.Errorf("Expected audited BLOCK, got %s", rec.Decision)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Audit record never appeared")
}
