// Package audit keeps the durable record of every credit decision and the
// repayment outcome reported for it later. Labelled records feed the
// model's training set.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ksp2701/chaintrust/internal/attestation"
	"github.com/ksp2701/chaintrust/internal/features"
	"github.com/ksp2701/chaintrust/internal/logging"
	"github.com/ksp2701/chaintrust/internal/retry"
	"github.com/ksp2701/chaintrust/internal/traces"
)

var (
	ErrDecisionNotFound = errors.New("audit: decision not found")
	ErrInvalidOutcome   = errors.New("audit: unsupported outcome")
)

// Outcome labels.
const (
	OutcomeUnknown   = "UNKNOWN"
	OutcomeRepaid    = "REPAID"
	OutcomeDefaulted = "DEFAULTED"
)

// LabeledOutcomes are the outcomes that make a record usable for training.
var LabeledOutcomes = []string{OutcomeRepaid, OutcomeDefaulted}

const maxChainErrorLen = 1000

// DecisionRecord is one persisted decision. Records are never deleted.
type DecisionRecord struct {
	ID                  int64      `json:"id"`
	DecisionHash        string     `json:"decisionHash"`
	WalletAddress       string     `json:"walletAddress"`
	RequestedAmount     float64    `json:"requestedAmount"`
	TrustScore          float64    `json:"trustScore"`
	RiskScore           float64    `json:"riskScore"`
	RiskLevel           string     `json:"riskLevel"`
	Tier                string     `json:"creditTier"`
	Approved            bool       `json:"approved"`
	InterestRatePercent float64    `json:"interestRatePercent"`
	RecommendedLimit    int64      `json:"recommendedLimit"`
	ChainStatus         string     `json:"onChainStatus"`
	ChainTxHash         string     `json:"onChainTxHash,omitempty"`
	ChainError          string     `json:"onChainError,omitempty"`
	FeaturesJSON        string     `json:"-"`
	ReasonsJSON         string     `json:"-"`
	OutcomeLabel        string     `json:"outcomeLabel"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	OutcomeUpdatedAt    *time.Time `json:"outcomeUpdatedAt,omitempty"`
}

// Store persists decision records.
type Store interface {
	// Upsert inserts rec or, when the hash exists, overwrites it while
	// keeping the original CreatedAt and OutcomeLabel.
	Upsert(ctx context.Context, rec *DecisionRecord) error
	GetByHash(ctx context.Context, hash string) (*DecisionRecord, error)
	UpdateOutcome(ctx context.Context, hash, outcome string, at time.Time) (*DecisionRecord, error)
	// ListLabeled returns records whose outcome is one of outcomes, oldest first.
	ListLabeled(ctx context.Context, outcomes []string) ([]*DecisionRecord, error)
}

// Entry is what the pipeline hands over for persistence.
type Entry struct {
	DecisionHash        string
	WalletAddress       string
	RequestedAmount     float64
	Features            features.FeatureVector
	TrustScore          float64
	RiskScore           float64
	RiskLevel           string
	Tier                string
	Approved            bool
	InterestRatePercent float64
	RecommendedLimit    int64
	Reasons             []string
	Chain               attestation.Result
}

// OutcomeUpdate is returned after an outcome is recorded.
type OutcomeUpdate struct {
	DecisionHash  string    `json:"decisionHash"`
	Outcome       string    `json:"outcome"`
	WalletAddress string    `json:"walletAddress"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RequestError carries a client-facing message for a rejected outcome
// update.
type RequestError struct {
	Msg string
	Err error
}

func (e *RequestError) Error() string { return e.Msg }
func (e *RequestError) Unwrap() error { return e.Err }

// Service wraps a Store with the decision-record rules.
type Service struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
	retry  retry.Policy
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

// WithRetry replaces the retry policy used for store writes.
func WithRetry(p retry.Policy) Option {
	return func(s *Service) { s.retry = p }
}

// NewService creates a Service over store. Writes are attempted three
// times with exponential backoff starting at 100ms.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
		retry:  retry.Policy{MaxAttempts: 3, Backoff: retry.Exponential(100 * time.Millisecond)},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Persist upserts the record for e. Failures are counted and returned for
// logging; they never change the decision.
func (s *Service) Persist(ctx context.Context, e Entry) error {
	ctx, span := traces.StartSpan(ctx, "audit.persist", traces.DecisionHash(e.DecisionHash))
	defer span.End()

	featuresJSON, err := json.Marshal(features.ToPayload(e.Features))
	if err != nil {
		featuresJSON = []byte("{}")
	}
	reasons := e.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		reasonsJSON = []byte("[]")
	}

	now := s.now().UTC()
	rec := &DecisionRecord{
		DecisionHash:        NormalizeHash(e.DecisionHash),
		WalletAddress:       e.WalletAddress,
		RequestedAmount:     e.RequestedAmount,
		TrustScore:          e.TrustScore,
		RiskScore:           e.RiskScore,
		RiskLevel:           e.RiskLevel,
		Tier:                e.Tier,
		Approved:            e.Approved,
		InterestRatePercent: e.InterestRatePercent,
		RecommendedLimit:    e.RecommendedLimit,
		ChainStatus:         e.Chain.Status,
		ChainTxHash:         e.Chain.TxHash,
		ChainError:          truncate(e.Chain.Error, maxChainErrorLen),
		FeaturesJSON:        string(featuresJSON),
		ReasonsJSON:         string(reasonsJSON),
		OutcomeLabel:        OutcomeUnknown,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	policy := s.retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, wait time.Duration, err error) {
			logging.L(ctx).Warn("audit upsert failed, retrying",
				"decision_hash", rec.DecisionHash, "attempt", attempt, "wait", wait, "error", err)
		}
	}
	err = policy.Do(ctx, func(ctx context.Context, _ int) error {
		return s.store.Upsert(ctx, rec)
	})
	if err != nil {
		auditFailures.WithLabelValues("persist").Inc()
		traces.Fail(span, err)
		return fmt.Errorf("audit: persist %s: %w", rec.DecisionHash, err)
	}
	return nil
}

// UpdateOutcome labels the decision identified by hash. The hash is
// matched case-insensitively with or without 0x; outcome must be REPAID or
// DEFAULTED in any case.
func (s *Service) UpdateOutcome(ctx context.Context, hash, outcome string) (*OutcomeUpdate, error) {
	hash = NormalizeHash(hash)
	outcome = strings.ToUpper(strings.TrimSpace(outcome))
	ctx, span := traces.StartSpan(ctx, "audit.update_outcome", traces.DecisionHash(hash), traces.Outcome(outcome))
	defer span.End()

	if _, err := s.store.GetByHash(ctx, hash); err != nil {
		if errors.Is(err, ErrDecisionNotFound) {
			return nil, &RequestError{Msg: "Decision hash not found: " + hash, Err: ErrDecisionNotFound}
		}
		auditFailures.WithLabelValues("update_outcome").Inc()
		return nil, err
	}
	if !IsLabeledOutcome(outcome) {
		return nil, &RequestError{Msg: "Unsupported outcome: " + outcome + ". Allowed: REPAID, DEFAULTED", Err: ErrInvalidOutcome}
	}

	rec, err := s.store.UpdateOutcome(ctx, hash, outcome, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrDecisionNotFound) {
			return nil, &RequestError{Msg: "Decision hash not found: " + hash, Err: ErrDecisionNotFound}
		}
		auditFailures.WithLabelValues("update_outcome").Inc()
		traces.Fail(span, err)
		return nil, err
	}

	logging.L(ctx).Info("loan outcome recorded", "decision_hash", hash, "outcome", outcome)
	out := &OutcomeUpdate{
		DecisionHash:  rec.DecisionHash,
		Outcome:       rec.OutcomeLabel,
		WalletAddress: rec.WalletAddress,
	}
	if rec.OutcomeUpdatedAt != nil {
		out.UpdatedAt = *rec.OutcomeUpdatedAt
	}
	return out, nil
}

// ExportLabeledRows returns one training row per labelled decision: the
// stored feature payload plus label (1 for REPAID, 0 for DEFAULTED),
// decision_hash, wallet_address, created_at and outcome_updated_at.
// Records with unreadable or incomplete features are skipped.
func (s *Service) ExportLabeledRows(ctx context.Context) ([]map[string]any, error) {
	recs, err := s.store.ListLabeled(ctx, LabeledOutcomes)
	if err != nil {
		auditFailures.WithLabelValues("export").Inc()
		return nil, err
	}

	rows := make([]map[string]any, 0, len(recs))
	skipped := 0
	for _, rec := range recs {
		var row map[string]any
		if err := json.Unmarshal([]byte(rec.FeaturesJSON), &row); err != nil || !features.HasAllTrainingFields(row) {
			skipped++
			continue
		}

		label := 0
		if strings.EqualFold(rec.OutcomeLabel, OutcomeRepaid) {
			label = 1
		}
		row["label"] = label
		row["decision_hash"] = rec.DecisionHash
		row["wallet_address"] = rec.WalletAddress
		row["created_at"] = formatTime(&rec.CreatedAt)
		row["outcome_updated_at"] = formatTime(rec.OutcomeUpdatedAt)
		rows = append(rows, row)
	}

	if skipped > 0 {
		s.logger.Warn("skipped incomplete training rows", "skipped", skipped)
	}
	return rows, nil
}

// NormalizeHash lower-cases hash and strips a 0x prefix.
func NormalizeHash(hash string) string {
	hash = strings.ToLower(strings.TrimSpace(hash))
	return strings.TrimPrefix(hash, "0x")
}

// IsLabeledOutcome reports whether outcome is REPAID or DEFAULTED.
func IsLabeledOutcome(outcome string) bool {
	for _, o := range LabeledOutcomes {
		if outcome == o {
			return true
		}
	}
	return false
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
