// Package explorer is a client for an Etherscan-compatible ledger-indexing
// API. Every call rotates across a pool of API keys; a key is abandoned for
// the next one only when the response is classified as retryable.
package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ksp2701/chaintrust/internal/circuitbreaker"
	"github.com/ksp2701/chaintrust/internal/ratelimit"
)

var (
	ErrNoAPIKeys = errors.New("explorer: no API keys configured")
	ErrExhausted = errors.New("explorer: all API keys exhausted")
)

const (
	DefaultBaseURL  = "https://api.etherscan.io/v2/api"
	DefaultChainID  = 1
	DefaultPageSize = 100
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 4 << 20
)

// Outcome classifies a single keyed response.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNoTransactions
	OutcomeRetryable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoTransactions:
		return "no_transactions"
	default:
		return "retryable"
	}
}

// Sort order for transaction listings.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

var retryablePhrases = []string{
	"rate limit",
	"max rate limit",
	"invalid api key",
	"too many invalid api key",
	"temporarily unavailable",
	"timeout",
}

// Tx is a raw transaction as returned by the txlist action. All numeric
// fields arrive as decimal strings.
type Tx struct {
	Hash            string `json:"hash"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	Input           string `json:"input"`
	ContractAddress string `json:"contractAddress"`
	IsError         string `json:"isError"`
}

// Config configures a Client.
type Config struct {
	BaseURL string
	ChainID int64
	APIKeys []string
	// RequestsPerSecond caps calls per key; zero disables local throttling.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client calls the explorer API.
type Client struct {
	baseURL string
	chainID int64
	keys    *KeyRing
	http    *http.Client
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreaker replaces the per-key circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New creates an explorer client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultChainID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{
		baseURL: cfg.BaseURL,
		chainID: cfg.ChainID,
		keys:    NewKeyRing(cfg.APIKeys),
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(3, 30*time.Second, circuitbreaker.WithName("explorer")),
		logger:  slog.Default(),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.RequestsPerSecond,
			BurstSize:         max(1, int(cfg.RequestsPerSecond)),
		})
	}
	for _, opt := range opts {
		opt(c)
	}
	logger := c.logger
	c.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("explorer key circuit changed", "key", key, "from", from.String(), "to", to.String())
	})
	return c
}

// HasKeys reports whether any API key is configured.
func (c *Client) HasKeys() bool { return c.keys.Len() > 0 }

// Close releases background resources.
func (c *Client) Close() {
	if c.limiter != nil {
		c.limiter.Stop()
	}
}

// TxList returns up to offset transactions for addr. OutcomeNoTransactions
// is returned with a nil slice when the explorer reports an empty history.
func (c *Client) TxList(ctx context.Context, addr, sort string, offset int) ([]Tx, Outcome, error) {
	if offset <= 0 {
		offset = DefaultPageSize
	}
	params := url.Values{
		"module":     {"account"},
		"action":     {"txlist"},
		"address":    {addr},
		"startblock": {"0"},
		"endblock":   {"99999999"},
		"page":       {"1"},
		"offset":     {strconv.Itoa(offset)},
		"sort":       {sort},
	}

	raw, outcome, err := c.call(ctx, "txlist", params, classifyList)
	if err != nil || outcome == OutcomeNoTransactions {
		return nil, outcome, err
	}

	var txs []Tx
	if err := json.Unmarshal(raw, &txs); err != nil {
		return nil, OutcomeRetryable, fmt.Errorf("explorer: decode txlist: %w", err)
	}
	return txs, OutcomeSuccess, nil
}

// TxCount returns the account nonce at the latest block.
func (c *Client) TxCount(ctx context.Context, addr string) (int64, error) {
	raw, _, err := c.call(ctx, "eth_getTransactionCount", proxyParams("eth_getTransactionCount", addr), classifyProxy)
	if err != nil {
		return 0, err
	}
	hex, err := decodeHexResult(raw)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(hex, "0x"), 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("explorer: bad tx count %q", hex)
	}
	return n, nil
}

// GetCode returns the deployed bytecode at addr as a 0x-prefixed hex string.
func (c *Client) GetCode(ctx context.Context, addr string) (string, error) {
	raw, _, err := c.call(ctx, "eth_getCode", proxyParams("eth_getCode", addr), classifyProxy)
	if err != nil {
		return "", err
	}
	return decodeHexResult(raw)
}

func proxyParams(action, addr string) url.Values {
	return url.Values{
		"module":  {"proxy"},
		"action":  {action},
		"address": {addr},
		"tag":     {"latest"},
	}
}

func decodeHexResult(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("explorer: decode proxy result: %w", err)
	}
	return s, nil
}

// classifier maps a decoded body to an outcome, the payload to return on
// success, and a description of the failure otherwise.
type classifier func(body envelope) (Outcome, json.RawMessage, error)

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e envelope) resultText() string {
	var s string
	if err := json.Unmarshal(e.Result, &s); err == nil {
		return s
	}
	return ""
}

func classifyList(body envelope) (Outcome, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body.Result)
	if body.Status == "1" && len(trimmed) > 0 && trimmed[0] == '[' {
		return OutcomeSuccess, body.Result, nil
	}

	text := strings.TrimSpace(body.Message + " " + body.resultText())
	lower := strings.ToLower(text)
	if strings.Contains(lower, "no transactions found") {
		return OutcomeNoTransactions, nil, nil
	}
	if isRetryable(lower) {
		return OutcomeRetryable, nil, fmt.Errorf("retryable response: %s", text)
	}
	return OutcomeRetryable, nil, fmt.Errorf("non-success response: %s", text)
}

func classifyProxy(body envelope) (Outcome, json.RawMessage, error) {
	if body.Error != nil {
		return OutcomeRetryable, nil, fmt.Errorf("rpc error %d: %s", body.Error.Code, body.Error.Message)
	}
	text := body.resultText()
	if strings.HasPrefix(text, "0x") {
		return OutcomeSuccess, body.Result, nil
	}
	return OutcomeRetryable, nil, fmt.Errorf("non-hex proxy result: %s %s", body.Message, text)
}

func isRetryable(lower string) bool {
	for _, p := range retryablePhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// call walks the key ring until one key yields a non-retryable outcome.
// Keys that are locally throttled or whose breaker is open are skipped,
// except the last candidate, which is always tried.
func (c *Client) call(ctx context.Context, action string, params url.Values, classify classifier) (json.RawMessage, Outcome, error) {
	slots := c.keys.Ordered()
	if len(slots) == 0 {
		return nil, OutcomeRetryable, ErrNoAPIKeys
	}

	var lastErr error
	for i, slot := range slots {
		name := slot.Name()
		if i < len(slots)-1 && !c.admit(name) {
			explorerRequests.WithLabelValues(action, "skipped").Inc()
			lastErr = fmt.Errorf("%s throttled", name)
			continue
		}

		outcome, raw, err := c.attempt(ctx, slot.Key, params, classify)
		explorerRequests.WithLabelValues(action, outcome.String()).Inc()
		if outcome != OutcomeRetryable {
			c.breaker.RecordSuccess(name)
			return raw, outcome, nil
		}

		c.breaker.RecordFailure(name)
		lastErr = fmt.Errorf("%s: %w", name, err)
		c.logger.Debug("explorer key failed", "action", action, "key", name, "error", err)

		if ctx.Err() != nil {
			return nil, OutcomeRetryable, ctx.Err()
		}
	}
	return nil, OutcomeRetryable, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

func (c *Client) admit(name string) bool {
	if !c.breaker.Allow(name) {
		return false
	}
	return c.limiter == nil || c.limiter.Allow(name)
}

func (c *Client) attempt(ctx context.Context, key string, params url.Values, classify classifier) (Outcome, json.RawMessage, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("chainid", strconv.FormatInt(c.chainID, 10))
	q.Set("apikey", key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return OutcomeRetryable, nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// url.Error embeds the full URL, including the key
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return OutcomeRetryable, nil, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return OutcomeRetryable, nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return OutcomeRetryable, nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return OutcomeRetryable, nil, fmt.Errorf("decode body: %w", err)
	}
	return classify(env)
}
