package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists decision records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the loan_decisions table and indexes. It mirrors
// migrations/001_loan_decisions.sql for deployments that skip goose.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS loan_decisions (
			id                    BIGSERIAL PRIMARY KEY,
			decision_hash         VARCHAR(64) NOT NULL UNIQUE,
			wallet_address        VARCHAR(42) NOT NULL,
			requested_amount      DOUBLE PRECISION NOT NULL,
			trust_score           DOUBLE PRECISION NOT NULL,
			risk_score            DOUBLE PRECISION NOT NULL,
			risk_level            VARCHAR(16) NOT NULL,
			approved              BOOLEAN NOT NULL,
			credit_tier           VARCHAR(16) NOT NULL,
			interest_rate_percent DOUBLE PRECISION NOT NULL,
			recommended_limit     BIGINT NOT NULL,
			on_chain_status       VARCHAR(32) NOT NULL,
			on_chain_tx_hash      VARCHAR(80),
			on_chain_error        VARCHAR(1000),
			features_json         TEXT NOT NULL DEFAULT '{}',
			reasons_json          TEXT NOT NULL DEFAULT '[]',
			outcome_label         VARCHAR(16) NOT NULL DEFAULT 'UNKNOWN',
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			outcome_updated_at    TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_loan_decisions_wallet ON loan_decisions (wallet_address, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_loan_decisions_outcome ON loan_decisions (outcome_label);
	`)
	return err
}

func (p *PostgresStore) Upsert(ctx context.Context, rec *DecisionRecord) error {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO loan_decisions (
			decision_hash, wallet_address, requested_amount,
			trust_score, risk_score, risk_level,
			approved, credit_tier, interest_rate_percent, recommended_limit,
			on_chain_status, on_chain_tx_hash, on_chain_error,
			features_json, reasons_json, outcome_label,
			created_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16,
			$17, $18
		)
		ON CONFLICT (decision_hash) DO UPDATE SET
			wallet_address        = EXCLUDED.wallet_address,
			requested_amount      = EXCLUDED.requested_amount,
			trust_score           = EXCLUDED.trust_score,
			risk_score            = EXCLUDED.risk_score,
			risk_level            = EXCLUDED.risk_level,
			approved              = EXCLUDED.approved,
			credit_tier           = EXCLUDED.credit_tier,
			interest_rate_percent = EXCLUDED.interest_rate_percent,
			recommended_limit     = EXCLUDED.recommended_limit,
			on_chain_status       = EXCLUDED.on_chain_status,
			on_chain_tx_hash      = EXCLUDED.on_chain_tx_hash,
			on_chain_error        = EXCLUDED.on_chain_error,
			features_json         = EXCLUDED.features_json,
			reasons_json          = EXCLUDED.reasons_json,
			updated_at            = EXCLUDED.updated_at
		RETURNING id, created_at, outcome_label`,
		rec.DecisionHash, rec.WalletAddress, rec.RequestedAmount,
		rec.TrustScore, rec.RiskScore, rec.RiskLevel,
		rec.Approved, rec.Tier, rec.InterestRatePercent, rec.RecommendedLimit,
		rec.ChainStatus, nullString(rec.ChainTxHash), nullString(rec.ChainError),
		rec.FeaturesJSON, rec.ReasonsJSON, outcomeOrUnknown(rec.OutcomeLabel),
		rec.CreatedAt, rec.UpdatedAt,
	)
	return row.Scan(&rec.ID, &rec.CreatedAt, &rec.OutcomeLabel)
}

const recordColumns = `id, decision_hash, wallet_address, requested_amount,
		       trust_score, risk_score, risk_level,
		       approved, credit_tier, interest_rate_percent, recommended_limit,
		       on_chain_status, on_chain_tx_hash, on_chain_error,
		       features_json, reasons_json, outcome_label,
		       created_at, updated_at, outcome_updated_at`

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*DecisionRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM loan_decisions WHERE decision_hash = $1`, hash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDecisionNotFound
	}
	return rec, err
}

func (p *PostgresStore) UpdateOutcome(ctx context.Context, hash, outcome string, at time.Time) (*DecisionRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE loan_decisions SET
			outcome_label = $1, outcome_updated_at = $2, updated_at = $2
		WHERE decision_hash = $3
		RETURNING `+recordColumns,
		outcome, at, hash,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDecisionNotFound
	}
	return rec, err
}

func (p *PostgresStore) ListLabeled(ctx context.Context, outcomes []string) ([]*DecisionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM loan_decisions
		WHERE outcome_label = ANY($1)
		ORDER BY created_at ASC, id ASC`, pq.Array(outcomes))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*DecisionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*DecisionRecord, error) {
	rec := &DecisionRecord{}
	var (
		txHash           sql.NullString
		chainErr         sql.NullString
		outcomeUpdatedAt sql.NullTime
	)
	err := s.Scan(
		&rec.ID, &rec.DecisionHash, &rec.WalletAddress, &rec.RequestedAmount,
		&rec.TrustScore, &rec.RiskScore, &rec.RiskLevel,
		&rec.Approved, &rec.Tier, &rec.InterestRatePercent, &rec.RecommendedLimit,
		&rec.ChainStatus, &txHash, &chainErr,
		&rec.FeaturesJSON, &rec.ReasonsJSON, &rec.OutcomeLabel,
		&rec.CreatedAt, &rec.UpdatedAt, &outcomeUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ChainTxHash = txHash.String
	rec.ChainError = chainErr.String
	if outcomeUpdatedAt.Valid {
		t := outcomeUpdatedAt.Time
		rec.OutcomeUpdatedAt = &t
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func outcomeOrUnknown(s string) string {
	if s == "" {
		return OutcomeUnknown
	}
	return s
}

var _ Store = (*PostgresStore)(nil)
