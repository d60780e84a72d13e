package loan

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ksp2701/chaintrust/internal/addressintel"
	"github.com/ksp2701/chaintrust/internal/attestation"
	"github.com/ksp2701/chaintrust/internal/audit"
	"github.com/ksp2701/chaintrust/internal/features"
	"github.com/ksp2701/chaintrust/internal/logging"
	"github.com/ksp2701/chaintrust/internal/policy"
	"github.com/ksp2701/chaintrust/internal/traces"
	"github.com/ksp2701/chaintrust/internal/validation"
)

// Service runs the credit decision pipeline.
type Service struct {
	history HistorySource
	address AddressAssessor
	scorer  RiskScorer
	policy  PolicyEngine
	chain   ChainRecorder
	audit   AuditLog
	now     func() time.Time
	logger  *slog.Logger
}

// Deps are the pipeline stages.
type Deps struct {
	History HistorySource
	Address AddressAssessor
	Scorer  RiskScorer
	Policy  PolicyEngine
	Chain   ChainRecorder
	Audit   AuditLog
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService wires the pipeline.
func NewService(d Deps, opts ...Option) *Service {
	s := &Service{
		history: d.History,
		address: d.Address,
		scorer:  d.Scorer,
		policy:  d.Policy,
		chain:   d.Chain,
		audit:   d.Audit,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EvaluateLoan decides req. Validation failures wrap ErrInvalidRequest.
// Degradable stage failures are absorbed into fallbacks; a history source
// that cannot serve, a required contract check that failed and a required
// chain write that failed abort the evaluation. Audit failures are logged.
func (s *Service) EvaluateLoan(ctx context.Context, req Request) (*Evaluation, error) {
	start := s.now()

	req.WalletAddress = strings.TrimSpace(req.WalletAddress)
	req.Purpose = validation.SanitizeString(req.Purpose, validation.MaxPurposeLength)
	if errs := validation.Validate(
		validation.Required("walletAddress", req.WalletAddress),
		validation.ValidAddress("walletAddress", req.WalletAddress),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, errs)
	}

	ctx = logging.WithLogger(ctx, s.logger)
	ctx = logging.WithWallet(ctx, req.WalletAddress)
	ctx, span := traces.StartSpan(ctx, "loan.evaluate", traces.WalletAddr(req.WalletAddress))
	defer span.End()
	log := logging.L(ctx)

	var (
		fv   features.FeatureVector
		addr addressintel.Assessment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fv, _, err = s.history.Extract(gctx, req.WalletAddress)
		return err
	})
	g.Go(func() error {
		var err error
		addr, err = s.address.Assess(gctx, req.WalletAddress)
		return err
	})
	if err := g.Wait(); err != nil {
		traces.Fail(span, err)
		log.Error("evaluation aborted", "stage", "evidence", "error", err)
		return nil, err
	}

	risk := s.scorer.Predict(ctx, fv)
	if risk.Fallback() {
		log.Warn("risk model unavailable, using maximum risk", "reason", risk.Reason)
	}

	decision := s.policy.Evaluate(ctx, policy.Request{WalletAddress: req.WalletAddress, Amount: req.Amount}, fv, risk, addr)
	reasons := buildReasons(fv, risk, decision, req.Amount, s.policy.Thresholds())
	hash := DecisionHash(req.WalletAddress, req.Amount, decision.Approved, decision.RiskScore, decision.Tier)
	span.SetAttributes(traces.DecisionHash(hash), traces.Tier(decision.Tier))

	chain, chainErr := s.chain.Record(ctx, attestation.Attestation{
		WalletAddress: req.WalletAddress,
		AmountUSD:     req.Amount,
		RiskScore:     decision.RiskScore,
		Tier:          decision.Tier,
		Approved:      decision.Approved,
		DecisionHash:  hash,
		Purpose:       req.Purpose,
	})

	// The record is written even when a required chain write failed so the
	// attempt stays auditable.
	if err := s.audit.Persist(ctx, audit.Entry{
		DecisionHash:        hash,
		WalletAddress:       req.WalletAddress,
		RequestedAmount:     req.Amount,
		Features:            fv,
		TrustScore:          decision.TrustScore,
		RiskScore:           decision.RiskScore,
		RiskLevel:           risk.RiskLevel,
		Tier:                decision.Tier,
		Approved:            decision.Approved,
		InterestRatePercent: decision.InterestRatePercent,
		RecommendedLimit:    decision.RecommendedLimit,
		Reasons:             reasons,
		Chain:               chain,
	}); err != nil {
		log.Error("failed to persist loan decision", "decision_hash", hash, "error", err)
	}

	if chainErr != nil {
		traces.Fail(span, chainErr)
		return nil, chainErr
	}

	evaluationsTotal.WithLabelValues(decision.Tier, strconv.FormatBool(decision.Approved)).Inc()
	evaluationDuration.Observe(s.now().Sub(start).Seconds())
	log.Info("loan evaluated",
		"decision_hash", hash,
		"tier", decision.Tier,
		"approved", decision.Approved,
		"risk_score", decision.RiskScore,
		"chain_status", chain.Status,
	)

	return &Evaluation{
		WalletAddress:        req.WalletAddress,
		Amount:               req.Amount,
		Approved:             decision.Approved,
		CreditTier:           decision.Tier,
		TrustScore:           round(decision.TrustScore, 3),
		RiskScore:            round(decision.RiskScore, 3),
		RiskLevel:            risk.RiskLevel,
		RiskReason:           risk.Reason,
		InterestRatePercent:  ratePtr(decision),
		RecommendedLimit:     decision.RecommendedLimit,
		HardRejected:         decision.HardRejected,
		Reasons:              reasons,
		FeatureContributions: nonNilMap(risk.FeatureContributions),
		WalletAgeDays:        fv.WalletAgeDays,
		TxCount:              fv.TxCount,
		DefiProtocolCount:    fv.DefiProtocolCount,
		KnownProtocols:       nonNilSlice(fv.KnownProtocols),
		CollateralRatio:      round(fv.CollateralRatio, 2),
		LiquidationEvents:    fv.LiquidationEvents,
		FlashLoanCount:       fv.FlashLoanCount,
		SyntheticHistory:     fv.Synthetic,
		Address:              addr,
		DecisionHash:         hash,
		Timestamp:            s.now().UnixMilli(),
		Blockchain:           chain,
	}, nil
}

// RecordOutcome labels a past decision with its repayment outcome.
func (s *Service) RecordOutcome(ctx context.Context, decisionHash, outcome string) (*audit.OutcomeUpdate, error) {
	return s.audit.UpdateOutcome(ctx, decisionHash, outcome)
}

// ExportTrainingRows returns every labelled decision with complete features.
func (s *Service) ExportTrainingRows(ctx context.Context) ([]map[string]any, error) {
	return s.audit.ExportLabeledRows(ctx)
}

// ExtractWalletFeatures derives the feature vector for addr without scoring.
func (s *Service) ExtractWalletFeatures(ctx context.Context, addr string) (features.FeatureVector, error) {
	addr = strings.TrimSpace(addr)
	if !validation.IsValidEthAddress(addr) {
		return features.FeatureVector{}, fmt.Errorf("%w: invalid wallet address", ErrInvalidRequest)
	}
	fv, _, err := s.history.Extract(logging.WithWallet(ctx, addr), addr)
	return fv, err
}

// FetchWalletHistory returns the classified transaction history for addr.
func (s *Service) FetchWalletHistory(ctx context.Context, addr string) ([]features.TransactionRecord, error) {
	addr = strings.TrimSpace(addr)
	if !validation.IsValidEthAddress(addr) {
		return nil, fmt.Errorf("%w: invalid wallet address", ErrInvalidRequest)
	}
	txs, _, err := s.history.FetchHistory(logging.WithWallet(ctx, addr), addr)
	if txs == nil {
		txs = []features.TransactionRecord{}
	}
	return txs, err
}

func ratePtr(d policy.Decision) *float64 {
	if !d.Approved {
		return nil
	}
	r := d.InterestRatePercent
	return &r
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Floor(v*p+0.5) / p
}

func nonNilMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
