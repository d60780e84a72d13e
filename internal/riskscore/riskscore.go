// Package riskscore calls the external risk model service and turns its
// answer into a Result. Predict never fails: every failure mode collapses
// into a HIGH risk result whose Reason names the cause.
package riskscore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ksp2701/chaintrust/internal/circuitbreaker"
	"github.com/ksp2701/chaintrust/internal/features"
	"github.com/ksp2701/chaintrust/internal/logging"
	"github.com/ksp2701/chaintrust/internal/retry"
	"github.com/ksp2701/chaintrust/internal/traces"
)

// Risk levels.
const (
	LevelLow    = "LOW"
	LevelMedium = "MEDIUM"
	LevelHigh   = "HIGH"
)

// Fallback reasons.
const (
	ReasonNon200      = "ML_NON_200"
	ReasonUnavailable = "ML_UNAVAILABLE"
	ReasonMaxRetries  = ReasonUnavailable + ":MaxRetriesExceeded"
	ReasonCircuitOpen = ReasonUnavailable + ":CircuitOpen"
)

const breakerKey = "predict"

// Bands splits the risk score into levels: score < LowMax is LOW,
// score < MediumMax is MEDIUM, everything else HIGH.
type Bands struct {
	LowMax    float64
	MediumMax float64
}

// DefaultBands match the model service's own banding.
var DefaultBands = Bands{LowMax: 0.35, MediumMax: 0.65}

// Level returns the band for score.
func (b Bands) Level(score float64) string {
	switch {
	case score < b.LowMax:
		return LevelLow
	case score < b.MediumMax:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Valid reports whether 0 <= LowMax <= MediumMax <= 1.
func (b Bands) Valid() bool {
	return b.LowMax >= 0 && b.LowMax <= b.MediumMax && b.MediumMax <= 1
}

// Result is the scorer's verdict.
type Result struct {
	RiskScore            float64            `json:"riskScore"`
	RiskLevel            string             `json:"riskLevel"`
	Reason               string             `json:"reason,omitempty"`
	FeatureContributions map[string]float64 `json:"featureContributions,omitempty"`
	DenialReasons        []string           `json:"denialReasons,omitempty"`
}

// HighRisk is the fallback result used whenever the model cannot answer.
func HighRisk(reason string) Result {
	return Result{RiskScore: 1.0, RiskLevel: LevelHigh, Reason: reason}
}

// Fallback reports whether r came from a failure path rather than the model.
func (r Result) Fallback() bool {
	return strings.HasPrefix(r.Reason, ReasonUnavailable) || r.Reason == ReasonNon200
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	MaxAttempts    int
	RetryBackoff   time.Duration
	WarmupInterval time.Duration
	WarmupPolls    int
	Timeout        time.Duration
	Bands          Bands
}

// DefaultConfig returns production defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		MaxAttempts:    4,
		RetryBackoff:   10 * time.Second,
		WarmupInterval: 5 * time.Second,
		WarmupPolls:    8,
		Timeout:        60 * time.Second,
		Bands:          DefaultBands,
	}
}

// Client talks to the model service.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig(cfg.BaseURL)
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.WarmupPolls <= 0 {
		cfg.WarmupPolls = def.WarmupPolls
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if !cfg.Bands.Valid() || cfg.Bands == (Bands{}) {
		cfg.Bands = DefaultBands
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithName("risk_scorer")),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	logger := c.logger
	c.breaker.OnTransition(func(_ string, from, to circuitbreaker.State) {
		logger.Warn("risk model circuit changed", "from", from.String(), "to", to.String())
	})
	return c
}

// Bands returns the banding in use.
func (c *Client) Bands() Bands { return c.cfg.Bands }

// errBadGateway marks a 502 from the service, usually a cold start.
var errBadGateway = errors.New("riskscore: bad gateway")

// Predict scores fv.
func (c *Client) Predict(ctx context.Context, fv features.FeatureVector) Result {
	ctx, span := traces.StartSpan(ctx, "riskscore.predict", traces.WalletAddr(fv.Address))
	defer span.End()

	body, err := json.Marshal(features.ToPayload(fv))
	if err != nil {
		return c.finish(ctx, HighRisk(ReasonUnavailable+":EncodeFailed"), "encode_error")
	}

	log := logging.L(ctx)
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if !c.breaker.Allow(breakerKey) {
			return c.finish(ctx, HighRisk(ReasonCircuitOpen), "circuit_open")
		}

		res, status, err := c.post(ctx, body)
		switch {
		case err == nil:
			c.breaker.RecordSuccess(breakerKey)
			return c.finish(ctx, res, "ok")

		case errors.Is(err, errBadGateway):
			c.breaker.RecordFailure(breakerKey)
			log.Warn("risk model returned 502, waiting for warm-up", "attempt", attempt, "max_attempts", c.cfg.MaxAttempts)
			if attempt < c.cfg.MaxAttempts && !c.waitForHealth(ctx) {
				log.Warn("risk model did not pass health checks, retrying anyway")
			}

		case status >= 400:
			if status >= 500 {
				c.breaker.RecordFailure(breakerKey)
			} else {
				c.breaker.RecordSuccess(breakerKey)
			}
			log.Error("risk model http error", "status", status, "error", err)
			return c.finish(ctx, HighRisk(fmt.Sprintf("%s:%d", ReasonUnavailable, status)), "http_error")

		case status > 0:
			c.breaker.RecordSuccess(breakerKey)
			return c.finish(ctx, HighRisk(ReasonNon200), "non_200")

		default:
			c.breaker.RecordFailure(breakerKey)
			log.Error("risk model call failed", "attempt", attempt, "max_attempts", c.cfg.MaxAttempts, "error", err)
			if attempt < c.cfg.MaxAttempts {
				if err := retry.Sleep(ctx, c.cfg.RetryBackoff); err != nil {
					return c.finish(ctx, HighRisk(ReasonMaxRetries), "max_retries")
				}
			}
		}

		if ctx.Err() != nil {
			break
		}
	}

	log.Error("risk model unreachable", "attempts", c.cfg.MaxAttempts)
	return c.finish(ctx, HighRisk(ReasonMaxRetries), "max_retries")
}

func (c *Client) finish(ctx context.Context, r Result, outcome string) Result {
	scorerCalls.WithLabelValues(outcome).Inc()
	if outcome != "ok" {
		logging.L(ctx).Warn("risk scorer fallback", "reason", r.Reason)
	}
	return r
}

// wireResult accepts both snake_case and camelCase field names.
type wireResult struct {
	RiskScore            *float64           `json:"risk_score"`
	RiskScoreCamel       *float64           `json:"riskScore"`
	RiskLevel            string             `json:"risk_level"`
	RiskLevelCamel       string             `json:"riskLevel"`
	Reason               string             `json:"reason"`
	FeatureContributions map[string]float64 `json:"feature_contributions"`
	DenialReasons        []string           `json:"denial_reasons"`
}

// post sends one /predict call. A non-nil error with status 0 is a
// transport or decode failure; a status >= 400 is an HTTP failure; any
// other non-zero status with an error means a non-2xx or empty answer.
func (c *Client) post(ctx context.Context, body []byte) (Result, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return Result{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, 0, err
	}

	switch {
	case resp.StatusCode == http.StatusBadGateway:
		return Result{}, resp.StatusCode, errBadGateway
	case resp.StatusCode >= 400:
		return Result{}, resp.StatusCode, fmt.Errorf("riskscore: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	case resp.StatusCode < 200 || resp.StatusCode > 299 || len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null":
		return Result{}, resp.StatusCode, errors.New("riskscore: non-2xx or empty response")
	}

	var w wireResult
	if err := json.Unmarshal(raw, &w); err != nil {
		return Result{}, 0, fmt.Errorf("riskscore: decode response: %w", err)
	}
	return c.normalize(w), resp.StatusCode, nil
}

func (c *Client) normalize(w wireResult) Result {
	var score float64
	switch {
	case w.RiskScore != nil:
		score = *w.RiskScore
	case w.RiskScoreCamel != nil:
		score = *w.RiskScoreCamel
	}
	score = features.Clamp(score, 0, 1)

	level := w.RiskLevel
	if strings.TrimSpace(level) == "" {
		level = w.RiskLevelCamel
	}
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "" {
		level = c.cfg.Bands.Level(score)
	}

	return Result{
		RiskScore:            score,
		RiskLevel:            level,
		Reason:               w.Reason,
		FeatureContributions: w.FeatureContributions,
		DenialReasons:        w.DenialReasons,
	}
}

// waitForHealth polls /health until it answers 2xx or the poll budget runs
// out.
func (c *Client) waitForHealth(ctx context.Context) bool {
	err := retry.Poll(ctx, c.cfg.WarmupInterval, c.cfg.WarmupPolls, func(ctx context.Context) (bool, error) {
		return c.Ping(ctx) == nil, nil
	})
	return err == nil
}

// Ping calls GET /health and reports an error unless it answers 2xx.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New("riskscore: health status " + strconv.Itoa(resp.StatusCode))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
