// Package loan orchestrates a credit decision for one wallet: history and
// address checks run side by side, then the risk model, the policy, the
// optional on-chain attestation and finally the audit record.
package loan

import (
	"context"
	"errors"

	"github.com/ksp2701/chaintrust/internal/addressintel"
	"github.com/ksp2701/chaintrust/internal/attestation"
	"github.com/ksp2701/chaintrust/internal/audit"
	"github.com/ksp2701/chaintrust/internal/features"
	"github.com/ksp2701/chaintrust/internal/history"
	"github.com/ksp2701/chaintrust/internal/policy"
	"github.com/ksp2701/chaintrust/internal/riskscore"
)

// ErrInvalidRequest wraps every input validation failure.
var ErrInvalidRequest = errors.New("loan: invalid request")

// Request is a loan evaluation request.
type Request struct {
	WalletAddress string  `json:"walletAddress"`
	Amount        float64 `json:"amount"`
	Purpose       string  `json:"purpose,omitempty"`
}

// Evaluation is the decision payload returned to the caller.
type Evaluation struct {
	WalletAddress        string                  `json:"walletAddress"`
	Amount               float64                 `json:"amount"`
	Approved             bool                    `json:"approved"`
	CreditTier           string                  `json:"creditTier"`
	TrustScore           float64                 `json:"trustScore"`
	RiskScore            float64                 `json:"riskScore"`
	RiskLevel            string                  `json:"riskLevel"`
	RiskReason           string                  `json:"riskReason,omitempty"`
	InterestRatePercent  *float64                `json:"interestRatePercent"`
	RecommendedLimit     int64                   `json:"recommendedLimit"`
	HardRejected         bool                    `json:"hardRejected"`
	Reasons              []string                `json:"reasons"`
	FeatureContributions map[string]float64      `json:"featureContributions"`
	WalletAgeDays        int64                   `json:"walletAgeDays"`
	TxCount              int64                   `json:"txCount"`
	DefiProtocolCount    int                     `json:"defiProtocolCount"`
	KnownProtocols       []string                `json:"knownProtocols"`
	CollateralRatio      float64                 `json:"collateralRatio"`
	LiquidationEvents    int                     `json:"liquidationEvents"`
	FlashLoanCount       int                     `json:"flashLoanCount"`
	SyntheticHistory     bool                    `json:"syntheticHistory"`
	Address              addressintel.Assessment `json:"addressAssessment"`
	DecisionHash         string                  `json:"decisionHash"`
	Timestamp            int64                   `json:"timestamp"`
	Blockchain           attestation.Result      `json:"blockchain"`
}

// HistorySource fetches wallet history and derives features.
type HistorySource interface {
	Extract(ctx context.Context, addr string) (features.FeatureVector, []features.TransactionRecord, error)
	FetchHistory(ctx context.Context, addr string) ([]features.TransactionRecord, history.Source, error)
}

// AddressAssessor classifies the wallet address.
type AddressAssessor interface {
	Assess(ctx context.Context, addr string) (addressintel.Assessment, error)
}

// RiskScorer scores a feature vector. It never fails.
type RiskScorer interface {
	Predict(ctx context.Context, fv features.FeatureVector) riskscore.Result
}

// PolicyEngine turns a score into a decision.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req policy.Request, fv features.FeatureVector, risk riskscore.Result, addr addressintel.Assessment) policy.Decision
	Thresholds() policy.Thresholds
}

// ChainRecorder writes the decision attestation.
type ChainRecorder interface {
	Record(ctx context.Context, a attestation.Attestation) (attestation.Result, error)
}

// AuditLog persists decisions and their outcomes.
type AuditLog interface {
	Persist(ctx context.Context, e audit.Entry) error
	UpdateOutcome(ctx context.Context, hash, outcome string) (*audit.OutcomeUpdate, error)
	ExportLabeledRows(ctx context.Context) ([]map[string]any, error)
}
