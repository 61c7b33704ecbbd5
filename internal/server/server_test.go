package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradesafe/tradesafe/internal/config"
	"github.com/tradesafe/tradesafe/internal/escrow"
	"github.com/tradesafe/tradesafe/internal/payments"
	"github.com/tradesafe/tradesafe/internal/release"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		Currency:             "usd",
		PlatformFeeBPS:       500,
		ProcessingFeeBPS:     290,
		ProcessingFixedCents: 30,
		AutoApproveGrace:     72 * time.Hour,
		SweepInterval:        time.Hour,
		RateLimitRPS:         1000,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, WithLogger(logger), WithProcessor(payments.NewMemoryProcessor()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, actorID, actorRole string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
		req.Header.Set("X-Actor-Role", actorRole)
	}

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "GET", "/health/live", nil, "", "")
	if w.Code != http.StatusOK {
		t.Errorf("liveness = %d, want 200", w.Code)
	}

	// Readiness flips only once Run has started the background workers.
	w = doJSON(t, srv, "GET", "/health/ready", nil, "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before Run = %d, want 503", w.Code)
	}

	w = doJSON(t, srv, "GET", "/health", nil, "", "")
	if w.Code != http.StatusOK {
		t.Errorf("health = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestInfoEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "GET", "/api", nil, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("info = %d", w.Code)
	}

	var info struct {
		Name     string `json:"name"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Name != "TradeSafe" {
		t.Errorf("name = %q", info.Name)
	}
	if info.Currency != "usd" {
		t.Errorf("currency = %q", info.Currency)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "GET", "/metrics", nil, "", "")
	if w.Code != http.StatusOK {
		t.Errorf("metrics = %d", w.Code)
	}
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	// Landlord opens the escrow account.
	w := doJSON(t, srv, "POST", "/v1/escrow", map[string]any{
		"jobId":        "job-77",
		"landlordId":   "landlord-1",
		"contractorId": "contractor-1",
		"amountCents":  100000,
		"payoutRef":    "acct_contractor",
	}, "landlord-1", "landlord")
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		Account escrow.Account `json:"account"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	acct := created.Account
	if acct.ID == "" || acct.Status != escrow.StatusCreated {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if acct.Fees.NetToContractorCents != 92070 {
		t.Errorf("net = %d, want 92070", acct.Fees.NetToContractorCents)
	}

	// Fund it.
	w = doJSON(t, srv, "POST", "/v1/escrow/"+acct.ID+"/fund", map[string]any{
		"paymentRef": "pm_test_1",
	}, "landlord-1", "landlord")
	if w.Code != http.StatusOK {
		t.Fatalf("fund = %d: %s", w.Code, w.Body.String())
	}

	// Contractor asks for the full amount.
	w = doJSON(t, srv, "POST", "/v1/releases", map[string]any{
		"accountId": acct.ID,
		"type":      "full_release",
		"reason":    "job complete",
	}, "contractor-1", "contractor")
	if w.Code != http.StatusCreated {
		t.Fatalf("create request = %d: %s", w.Code, w.Body.String())
	}

	var reqResp struct {
		Request release.Request `json:"request"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &reqResp); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if reqResp.Request.Status != release.StatusPending {
		t.Fatalf("request status = %s", reqResp.Request.Status)
	}

	// Landlord approves; funds move.
	w = doJSON(t, srv, "POST", "/v1/releases/"+reqResp.Request.ID+"/respond", map[string]any{
		"decision": "approve",
		"note":     "looks good",
	}, "landlord-1", "landlord")
	if w.Code != http.StatusOK {
		t.Fatalf("respond = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, "GET", "/v1/escrow/"+acct.ID, nil, "landlord-1", "landlord")
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	var final struct {
		Account escrow.Account `json:"account"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if final.Account.Status != escrow.StatusReleased {
		t.Errorf("status = %s, want released", final.Account.Status)
	}
	if final.Account.ReleasedCents != 100000 || final.Account.HeldCents() != 0 {
		t.Errorf("released = %d held = %d", final.Account.ReleasedCents, final.Account.HeldCents())
	}

	// Listing by party sees the account from both sides.
	w = doJSON(t, srv, "GET", "/v1/parties/contractor-1/escrows", nil, "contractor-1", "contractor")
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}
}

func TestCreateEscrowValidationOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	// Same party on both sides is rejected by the ledger.
	w := doJSON(t, srv, "POST", "/v1/escrow", map[string]any{
		"jobId":        "job-1",
		"landlordId":   "party-1",
		"contractorId": "party-1",
		"amountCents":  5000,
	}, "party-1", "landlord")
	if w.Code != http.StatusBadRequest {
		t.Errorf("same-party create = %d, want 400: %s", w.Code, w.Body.String())
	}

	// Malformed body.
	w = doJSON(t, srv, "POST", "/v1/escrow", map[string]any{
		"jobId": "job-1",
	}, "party-1", "landlord")
	if w.Code != http.StatusBadRequest {
		t.Errorf("incomplete create = %d, want 400", w.Code)
	}

	w = doJSON(t, srv, "GET", "/v1/escrow/acc_missing", nil, "party-1", "landlord")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing account = %d, want 404", w.Code)
	}
}

func TestAdminSweepEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "POST", "/v1/admin/sweep", nil, "ops-1", "system")
	if w.Code != http.StatusOK {
		t.Errorf("sweep = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, "GET", "/v1/stats", nil, "ops-1", "system")
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	var stats struct {
		SweepRunning bool `json:"sweepRunning"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.SweepRunning {
		t.Error("sweeper should not be running before Run")
	}
}
