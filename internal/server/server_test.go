package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksp2701/chaintrust/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testWallet = "0x52908400098527886E0F7030069857D2E4169EE7"

// modelStub serves the model service's /predict and /health endpoints.
func modelStub(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/predict":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"risk_score":0.1,"risk_level":"LOW","feature_contributions":{"wallet_age_days":-0.2}}`))
		case "/health":
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testConfig returns an in-memory, chain-free config pointed at modelURL.
func testConfig(modelURL string) *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		LogFormat:               "text",
		ExplorerChainID:         config.DefaultExplorerChainID,
		ExplorerBaseURL:         config.DefaultExplorerBaseURL,
		SyntheticFallback:       true,
		MLServiceURL:            modelURL,
		RiskLowMax:              0.35,
		RiskMediumMax:           0.65,
		RejectBurnAddresses:     true,
		RejectKnownContracts:    true,
		RejectContracts:         true,
		RejectRugpullGTE:        0.70,
		RejectWalletAgeLT:       14,
		RejectLiquidationsGTE:   3,
		MaxRecommendedLimit:     100000,
		BurnAddresses:           config.DefaultBurnAddresses,
		KnownContractAddresses:  config.DefaultKnownContracts,
		DefaultPlatinumMinTrust: 0.85,
		DefaultGoldMinTrust:     0.70,
		DefaultSilverMinTrust:   0.55,
		DefaultBronzeMinTrust:   0.40,
		DefaultSilverMaxAmount:  5000,
		DefaultBronzeMaxAmount:  1000,
		BlockchainChainID:       config.DefaultBlockchainChainID,
		BlockchainGasLimit:      config.DefaultGasLimit,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(s.closeClients)
	return s
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(modelStub(t, true).URL))

	w := serve(s, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "risk_scorer", resp.Checks[0].Name)
	assert.True(t, resp.Checks[0].Healthy)
}

func TestHealthEndpoint_ModelDownIsDegradedNotFailing(t *testing.T) {
	s := newTestServer(t, testConfig(modelStub(t, false).URL))

	w := serve(s, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.False(t, resp.Checks[0].Healthy)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(modelStub(t, true).URL))

	w := serve(s, "GET", "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(modelStub(t, true).URL))

	// Run has not been called
	w := serve(s, "GET", "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = serve(s, "GET", "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// Route tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t, testConfig(modelStub(t, true).URL))

	registered := make(map[string]bool)
	for _, r := range s.Router().Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"POST /v1/loans/evaluate",
		"POST /v1/loans/outcome",
		"GET /v1/loans/training-data",
		"GET /v1/wallets/:address/features",
		"GET /v1/wallets/:address/history",
		"GET /metrics",
	} {
		assert.True(t, registered[want], "missing route %s", want)
	}
}

func TestEvaluateEndToEnd(t *testing.T) {
	s := newTestServer(t, testConfig(modelStub(t, true).URL))

	w := serve(s, "POST", "/v1/loans/evaluate", `{"walletAddress":"`+testWallet+`","amount":1000,"purpose":"working capital"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testWallet, resp["walletAddress"])
	assert.Equal(t, true, resp["syntheticHistory"])
	assert.Len(t, resp["decisionHash"], 64)
	assert.Equal(t, "DISABLED", resp["blockchain"].(map[string]any)["status"])

	// The decision is now available for outcome labelling.
	w = serve(s, "POST", "/v1/loans/outcome", `{"decisionHash":"`+resp["decisionHash"].(string)+`","outcome":"repaid"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(s, "GET", "/v1/loans/training-data", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	assert.Len(t, rows, 1)
}

func TestInvalidWalletParam(t *testing.T) {
	s := newTestServer(t, testConfig(modelStub(t, true).URL))

	w := serve(s, "GET", "/v1/wallets/not-an-address/features", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t, testConfig(modelStub(t, true).URL))

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	cfg := testConfig(modelStub(t, true).URL)
	cfg.CORSOrigins = []string{"https://lend.example.com"}
	s := newTestServer(t, cfg)

	req := httptest.NewRequest("GET", "/v1/loans/training-data", nil)
	req.Header.Set("Origin", "https://lend.example.com")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "https://lend.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, testConfig(modelStub(t, true).URL))

	w := serve(s, "GET", "/nonexistent", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(modelStub(t, true).URL)
	cfg.RateLimitRPS = 1
	s := newTestServer(t, cfg)

	// Burst is twice the rate.
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/health/live", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(s, "GET", "/health/live", "").Code)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, testConfig(modelStub(t, true).URL))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/chaintrust")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "app:")
	assert.Contains(t, masked, "@db:5432/chaintrust")
	assert.Equal(t, "postgres://db/chaintrust", maskDSN("postgres://db/chaintrust"))
}
