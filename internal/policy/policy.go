// Package policy turns a risk score into a credit decision: tier, rate,
// recommended limit and the reasons behind a rejection.
//
// Hard rules run first, in a fixed order, and any hit rejects outright.
// Tier thresholds come from an optional JSON file that is re-read lazily
// at most once per reload interval.
package policy

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/ksp2701/chaintrust/internal/addressintel"
	"github.com/ksp2701/chaintrust/internal/features"
	"github.com/ksp2701/chaintrust/internal/riskscore"
	"github.com/ksp2701/chaintrust/internal/traces"
)

// Credit tiers.
const (
	TierPlatinum = "PLATINUM"
	TierGold     = "GOLD"
	TierSilver   = "SILVER"
	TierBronze   = "BRONZE"
	TierRejected = "REJECTED"
)

// Rejection reasons.
const (
	ReasonBurnAddress   = "Hard reject: burn/null address"
	ReasonKnownContract = "Hard reject: known protocol/router contract address"
	ReasonSmartContract = "Hard reject: smart contract address; only EOA wallets are eligible"
	ReasonRugpull       = "Hard reject: rugpull exposure exceeds policy threshold"
	ReasonWalletAge     = "Hard reject: wallet age below minimum policy threshold"
	ReasonLiquidations  = "Hard reject: excessive liquidation history"
	ReasonOverLimit     = "Policy reject: requested amount exceeds recommended limit"
)

// DefaultReloadInterval bounds how often the thresholds file is re-read.
const DefaultReloadInterval = 60 * time.Second

type tierTerms struct {
	name       string
	multiplier float64
	rate       float64
}

var (
	platinum = tierTerms{TierPlatinum, 5.0, 3.5}
	gold     = tierTerms{TierGold, 3.0, 6.0}
	silver   = tierTerms{TierSilver, 1.5, 9.5}
	bronze   = tierTerms{TierBronze, 0.75, 14.0}
	rejected = tierTerms{TierRejected, 0, 0}
)

// Request is the part of a loan request the policy reads.
type Request struct {
	WalletAddress string
	Amount        float64
}

// Decision is the policy outcome.
type Decision struct {
	Approved            bool     `json:"approved"`
	Tier                string   `json:"creditTier"`
	TrustScore          float64  `json:"trustScore"`
	RiskScore           float64  `json:"riskScore"`
	InterestRatePercent float64  `json:"interestRatePercent"`
	RecommendedLimit    int64    `json:"recommendedLimit"`
	Reasons             []string `json:"reasons"`
	HardRejected        bool     `json:"hardRejected"`
}

// Config holds the hard-rule switches and ceilings.
type Config struct {
	ThresholdsFile string
	ReloadInterval time.Duration
	Defaults       Thresholds

	RejectBurnAddresses   bool
	RejectKnownContracts  bool
	RejectContracts       bool
	RejectRugpullGTE      float64
	RejectWalletAgeLT     int64
	RejectLiquidationsGTE int

	MaxRecommendedLimit float64
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		ReloadInterval:        DefaultReloadInterval,
		Defaults:              DefaultThresholds(),
		RejectBurnAddresses:   true,
		RejectKnownContracts:  true,
		RejectContracts:       true,
		RejectRugpullGTE:      0.70,
		RejectWalletAgeLT:     14,
		RejectLiquidationsGTE: 3,
		MaxRecommendedLimit:   100000,
	}
}

type ruleInput struct {
	fv   features.FeatureVector
	addr addressintel.Assessment
}

type hardRule struct {
	name   string
	reason string
	hit    func(in ruleInput) bool
}

// Engine evaluates loan requests. It is safe for concurrent use.
type Engine struct {
	cfg         Config
	rules       []hardRule
	active      atomic.Pointer[Thresholds]
	lastAttempt atomic.Int64
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine. Out-of-order default thresholds fall back to
// DefaultThresholds.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = DefaultReloadInterval
	}
	if cfg.Defaults == (Thresholds{}) || !cfg.Defaults.Ordered() {
		cfg.Defaults = DefaultThresholds()
	}
	e := &Engine{cfg: cfg, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	defaults := cfg.Defaults
	e.active.Store(&defaults)
	e.rules = e.buildRules()
	return e
}

func (e *Engine) buildRules() []hardRule {
	c := e.cfg
	var rules []hardRule
	if c.RejectBurnAddresses {
		rules = append(rules, hardRule{"burn_address", ReasonBurnAddress, func(in ruleInput) bool { return in.addr.BurnAddress }})
	}
	if c.RejectKnownContracts {
		rules = append(rules, hardRule{"known_contract", ReasonKnownContract, func(in ruleInput) bool { return in.addr.KnownProtocolContract }})
	}
	if c.RejectContracts {
		rules = append(rules, hardRule{"smart_contract", ReasonSmartContract, func(in ruleInput) bool { return in.addr.SmartContract }})
	}
	return append(rules,
		hardRule{"rugpull_exposure", ReasonRugpull, func(in ruleInput) bool { return in.fv.RugpullExposureScore >= c.RejectRugpullGTE }},
		hardRule{"wallet_age", ReasonWalletAge, func(in ruleInput) bool { return in.fv.WalletAgeDays < c.RejectWalletAgeLT }},
		hardRule{"liquidations", ReasonLiquidations, func(in ruleInput) bool { return in.fv.LiquidationEvents >= c.RejectLiquidationsGTE }},
	)
}

// Thresholds returns the active threshold snapshot.
func (e *Engine) Thresholds() Thresholds {
	return *e.active.Load()
}

// Evaluate decides req. It never fails.
func (e *Engine) Evaluate(ctx context.Context, req Request, fv features.FeatureVector, risk riskscore.Result, addr addressintel.Assessment) Decision {
	_, span := traces.StartSpan(ctx, "policy.evaluate", traces.WalletAddr(req.WalletAddress))
	defer span.End()

	e.maybeReload()
	t := e.Thresholds()

	riskScore := features.Clamp(risk.RiskScore, 0, 1)
	trust := 1 - riskScore

	terms, approved := rejected, false
	switch {
	case trust >= t.PlatinumMinTrust:
		terms, approved = platinum, true
	case trust >= t.GoldMinTrust:
		terms, approved = gold, true
	case trust >= t.SilverMinTrust:
		terms, approved = silver, req.Amount <= t.SilverMaxAmount
	case trust >= t.BronzeMinTrust:
		terms, approved = bronze, req.Amount <= t.BronzeMaxAmount
	}

	limit := terms.multiplier * 1000
	if fv.TotalVolumeEth > 0 {
		limit = math.Min(fv.TotalVolumeEth*terms.multiplier*2000, e.cfg.MaxRecommendedLimit)
	}

	var reasons []string
	in := ruleInput{fv: fv, addr: addr}
	for _, r := range e.rules {
		if r.hit(in) {
			reasons = append(reasons, r.reason)
			hardRejects.WithLabelValues(r.name).Inc()
		}
	}
	if len(reasons) > 0 {
		span.SetAttributes(traces.Tier(TierRejected))
		return Decision{
			Tier:         TierRejected,
			TrustScore:   trust,
			RiskScore:    riskScore,
			Reasons:      reasons,
			HardRejected: true,
		}
	}

	tier, rate := terms.name, terms.rate
	if approved && req.Amount > limit {
		approved = false
		if tier == TierPlatinum || tier == TierGold {
			tier = TierSilver
		}
		reasons = append(reasons, ReasonOverLimit)
	}
	if !approved {
		rate = 0
	}

	span.SetAttributes(traces.Tier(tier))
	return Decision{
		Approved:            approved,
		Tier:                tier,
		TrustScore:          trust,
		RiskScore:           riskScore,
		InterestRatePercent: rate,
		RecommendedLimit:    roundHalfUp(limit),
		Reasons:             reasons,
	}
}

// maybeReload re-reads the thresholds file when the reload interval has
// passed since the last attempt. The CAS on the attempt timestamp lets a
// single caller do the reload.
func (e *Engine) maybeReload() {
	now := e.now().UnixNano()
	last := e.lastAttempt.Load()
	if last != 0 && now-last < e.cfg.ReloadInterval.Nanoseconds() {
		return
	}
	if !e.lastAttempt.CompareAndSwap(last, now) {
		return
	}
	_, _ = e.reload()
}

// Reload forces a re-read of the thresholds file and returns the active
// thresholds afterwards. A missing, malformed or out-of-order file leaves
// the active thresholds unchanged and is reported as an error.
func (e *Engine) Reload() (Thresholds, error) {
	e.lastAttempt.Store(e.now().UnixNano())
	return e.reload()
}

func (e *Engine) reload() (Thresholds, error) {
	current := e.Thresholds()
	if e.cfg.ThresholdsFile == "" {
		return current, nil
	}

	loaded, err := LoadThresholds(e.cfg.ThresholdsFile, current)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		thresholdReloads.WithLabelValues("missing").Inc()
		return current, err
	case errors.Is(err, ErrThresholdsOutOfOrder):
		thresholdReloads.WithLabelValues("out_of_order").Inc()
		e.logger.Warn("discarding out-of-order policy thresholds", "file", e.cfg.ThresholdsFile)
		return current, err
	case err != nil:
		thresholdReloads.WithLabelValues("invalid").Inc()
		e.logger.Warn("failed to load policy thresholds", "file", e.cfg.ThresholdsFile, "error", err)
		return current, err
	}

	e.active.Store(&loaded)
	thresholdReloads.WithLabelValues("loaded").Inc()
	if loaded != current {
		e.logger.Info("policy thresholds updated",
			"platinum", loaded.PlatinumMinTrust,
			"gold", loaded.GoldMinTrust,
			"silver", loaded.SilverMinTrust,
			"bronze", loaded.BronzeMinTrust,
		)
	}
	return loaded, nil
}

func roundHalfUp(v float64) int64 {
	return int64(math.Floor(math.Max(0, v) + 0.5))
}
