package riskscore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksp2701/chaintrust/internal/circuitbreaker"
	"github.com/ksp2701/chaintrust/internal/features"
)

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.RetryBackoff = time.Millisecond
	cfg.WarmupInterval = time.Millisecond
	cfg.WarmupPolls = 3
	cfg.Timeout = 2 * time.Second
	return cfg
}

func sampleFeatures() features.FeatureVector {
	return features.FeatureVector{
		Address:         "0x52908400098527886e0f7030069857d2e4169ee7",
		WalletAgeDays:   400,
		TxCount:         150,
		CollateralRatio: 1.8,
	}
}

func TestPredict_SnakeCaseResponse(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/predict", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(`{"risk_score":0.2,"risk_level":"low","feature_contributions":{"tx_count":0.05},"denial_reasons":["Wallet meets all credit criteria"]}`))
	}))
	defer srv.Close()

	got := New(testConfig(srv.URL)).Predict(context.Background(), sampleFeatures())

	assert.InDelta(t, 0.2, got.RiskScore, 1e-9)
	assert.Equal(t, LevelLow, got.RiskLevel)
	assert.Equal(t, 0.05, got.FeatureContributions["tx_count"])
	assert.Equal(t, []string{"Wallet meets all credit criteria"}, got.DenialReasons)
	assert.False(t, got.Fallback())

	assert.EqualValues(t, 400, payload[features.KeyWalletAgeDays])
	assert.Contains(t, payload, "avg_tx_value")
}

func TestPredict_CamelCaseClampedAndBanded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"riskScore":1.7}`))
	}))
	defer srv.Close()

	got := New(testConfig(srv.URL)).Predict(context.Background(), sampleFeatures())
	assert.Equal(t, 1.0, got.RiskScore)
	assert.Equal(t, LevelHigh, got.RiskLevel)
}

func TestPredict_LevelDerivedFromBands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"risk_score":0.5}`))
	}))
	defer srv.Close()

	got := New(testConfig(srv.URL)).Predict(context.Background(), sampleFeatures())
	assert.Equal(t, LevelMedium, got.RiskLevel)
}

func TestPredict_ClientErrorIsImmediate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	got := New(testConfig(srv.URL)).Predict(context.Background(), sampleFeatures())
	assert.Equal(t, "ML_UNAVAILABLE:422", got.Reason)
	assert.Equal(t, 1.0, got.RiskScore)
	assert.Equal(t, LevelHigh, got.RiskLevel)
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, got.Fallback())
}

func TestPredict_ServerErrorIsImmediate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	got := New(testConfig(srv.URL)).Predict(context.Background(), sampleFeatures())
	assert.Equal(t, "ML_UNAVAILABLE:503", got.Reason)
}

func TestPredict_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	got := New(testConfig(srv.URL)).Predict(context.Background(), sampleFeatures())
	assert.Equal(t, ReasonNon200, got.Reason)
}

func TestPredict_BadGatewayWarmsUpThenSucceeds(t *testing.T) {
	var predicts, healths atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			if healths.Add(1) < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case "/predict":
			if predicts.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"risk_score":0.1,"risk_level":"LOW"}`))
		}
	}))
	defer srv.Close()

	got := New(testConfig(srv.URL)).Predict(context.Background(), sampleFeatures())
	assert.Equal(t, LevelLow, got.RiskLevel)
	assert.EqualValues(t, 2, predicts.Load())
	assert.EqualValues(t, 2, healths.Load())
}

func TestPredict_PersistentBadGatewayExhausts(t *testing.T) {
	var predicts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/predict" {
			predicts.Add(1)
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	got := New(testConfig(srv.URL)).Predict(context.Background(), sampleFeatures())
	assert.Equal(t, ReasonMaxRetries, got.Reason)
	assert.EqualValues(t, 4, predicts.Load())
}

func TestPredict_TransportErrorsExhaust(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	got := New(testConfig(url)).Predict(context.Background(), sampleFeatures())
	assert.Equal(t, ReasonMaxRetries, got.Reason)
}

func TestPredict_OpenCircuitShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"risk_score":0.1}`))
	}))
	defer srv.Close()

	b := circuitbreaker.New(1, time.Hour)
	b.RecordFailure(breakerKey)

	got := New(testConfig(srv.URL), WithBreaker(b)).Predict(context.Background(), sampleFeatures())
	assert.Equal(t, ReasonCircuitOpen, got.Reason)
	assert.EqualValues(t, 0, calls.Load())
}

func TestBands_Level(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0, LevelLow},
		{0.3499, LevelLow},
		{0.35, LevelMedium},
		{0.6499, LevelMedium},
		{0.65, LevelHigh},
		{1, LevelHigh},
	}
	for _, tt := range tests {
		if got := DefaultBands.Level(tt.score); got != tt.want {
			t.Errorf("Level(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	assert.NoError(t, New(testConfig(srv.URL)).Ping(context.Background()))
}
