// Package history fetches wallet transaction history and derives the
// feature vector scored by the risk model.
//
// History comes from an ordered list of sources. Each source reports a
// tagged step: success ends the walk, continue moves to the next source,
// stop aborts. With the explorer unavailable and the synthetic fallback
// disabled the fetch fails with ErrHistoryUnavailable.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/ksp2701/chaintrust/internal/explorer"
	"github.com/ksp2701/chaintrust/internal/features"
	"github.com/ksp2701/chaintrust/internal/logging"
	"github.com/ksp2701/chaintrust/internal/traces"
)

var ErrHistoryUnavailable = errors.New("history: unable to fetch wallet history")

// Source names where a history came from.
type Source string

const (
	SourceExplorer  Source = "explorer"
	SourceSynthetic Source = "synthetic"
)

// Step is the tagged result of one source attempt.
type Step int

const (
	StepSuccess Step = iota
	StepContinue
	StepStop
)

// Strategy is one history source.
type Strategy interface {
	Source() Source
	Fetch(ctx context.Context, addr string) ([]features.TransactionRecord, Step, error)
}

// Explorer is the subset of the explorer client used here.
type Explorer interface {
	HasKeys() bool
	TxList(ctx context.Context, addr, sort string, offset int) ([]explorer.Tx, explorer.Outcome, error)
	TxCount(ctx context.Context, addr string) (int64, error)
}

// NonceReader reads an account nonce from a chain node. *ethclient.Client
// satisfies it.
type NonceReader interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// Config configures a Fetcher.
type Config struct {
	SyntheticFallback bool
	PageSize          int
	Rugpull           RugpullPredicate
}

// Fetcher retrieves history and derives features.
type Fetcher struct {
	explorer   Explorer
	nonces     NonceReader
	classifier *Classifier
	strategies []Strategy
	pageSize   int
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithNonceReader enables the RPC fallback for total tx count.
func WithNonceReader(r NonceReader) Option {
	return func(f *Fetcher) { f.nonces = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New builds a Fetcher. exp may be nil when no explorer is configured.
func New(exp Explorer, cfg Config, opts ...Option) *Fetcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = explorer.DefaultPageSize
	}
	f := &Fetcher{
		explorer:   exp,
		classifier: NewClassifier(cfg.Rugpull),
		pageSize:   cfg.PageSize,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if exp != nil {
		f.strategies = append(f.strategies, &explorerStrategy{client: exp, classifier: f.classifier, pageSize: cfg.PageSize})
	}
	if cfg.SyntheticFallback {
		f.strategies = append(f.strategies, &syntheticStrategy{now: f.now})
	}
	return f
}

// FetchHistory walks the configured sources in order.
func (f *Fetcher) FetchHistory(ctx context.Context, addr string) ([]features.TransactionRecord, Source, error) {
	ctx, span := traces.StartSpan(ctx, "history.fetch", traces.WalletAddr(addr))
	defer span.End()

	lastErr := errors.New("no history source configured")
	for _, s := range f.strategies {
		txs, step, err := s.Fetch(ctx, addr)
		switch step {
		case StepSuccess:
			historySource.WithLabelValues(string(s.Source())).Inc()
			return txs, s.Source(), nil
		case StepStop:
			return nil, s.Source(), fmt.Errorf("%w: %s: %w", ErrHistoryUnavailable, s.Source(), err)
		}
		logging.L(ctx).Warn("history source failed, trying next", "source", s.Source(), "error", err)
		lastErr = err
	}
	historySource.WithLabelValues("unavailable").Inc()
	return nil, "", fmt.Errorf("%w: %v", ErrHistoryUnavailable, lastErr)
}

// FetchFirstTxTimestamp returns the timestamp of the oldest transaction.
func (f *Fetcher) FetchFirstTxTimestamp(ctx context.Context, addr string) (int64, bool) {
	if f.explorer == nil || !f.explorer.HasKeys() {
		return 0, false
	}
	txs, outcome, err := f.explorer.TxList(ctx, addr, explorer.SortAsc, 1)
	if err != nil || outcome != explorer.OutcomeSuccess || len(txs) == 0 {
		return 0, false
	}
	ts := parseInt(txs[0].TimeStamp)
	return ts, ts > 0
}

// FetchTotalTxCount returns the account nonce, from the explorer or, when
// that fails, from the chain node.
func (f *Fetcher) FetchTotalTxCount(ctx context.Context, addr string) (int64, bool) {
	if f.explorer != nil && f.explorer.HasKeys() {
		if n, err := f.explorer.TxCount(ctx, addr); err == nil {
			return n, true
		}
	}
	if f.nonces != nil && common.IsHexAddress(addr) {
		if n, err := f.nonces.NonceAt(ctx, common.HexToAddress(addr), nil); err == nil {
			return int64(n), true //nolint:gosec // nonces fit in int64
		}
	}
	return 0, false
}

// Extract fetches history plus the unbounded age/count lookups and derives
// the feature vector. The lookups only run against live history.
func (f *Fetcher) Extract(ctx context.Context, addr string) (features.FeatureVector, []features.TransactionRecord, error) {
	txs, source, err := f.FetchHistory(ctx, addr)
	if err != nil {
		return features.FeatureVector{}, nil, err
	}

	var firstTs, total int64
	if source == SourceExplorer && len(txs) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if ts, ok := f.FetchFirstTxTimestamp(gctx, addr); ok {
				firstTs = ts
			}
			return nil
		})
		g.Go(func() error {
			if n, ok := f.FetchTotalTxCount(gctx, addr); ok {
				total = n
			}
			return nil
		})
		_ = g.Wait()
	}

	return DeriveFeatures(addr, txs, firstTs, total, f.now()), txs, nil
}

type explorerStrategy struct {
	client     Explorer
	classifier *Classifier
	pageSize   int
}

func (s *explorerStrategy) Source() Source { return SourceExplorer }

func (s *explorerStrategy) Fetch(ctx context.Context, addr string) ([]features.TransactionRecord, Step, error) {
	if !s.client.HasKeys() {
		return nil, StepContinue, explorer.ErrNoAPIKeys
	}

	raw, outcome, err := s.client.TxList(ctx, addr, explorer.SortDesc, s.pageSize)
	if err != nil {
		if ctx.Err() != nil {
			return nil, StepStop, ctx.Err()
		}
		return nil, StepContinue, err
	}
	if outcome == explorer.OutcomeNoTransactions {
		return []features.TransactionRecord{}, StepSuccess, nil
	}

	records := make([]features.TransactionRecord, len(raw))
	for i, tx := range raw {
		records[i] = s.classifier.Record(tx)
	}
	return records, StepSuccess, nil
}

type syntheticStrategy struct {
	now func() time.Time
}

func (s *syntheticStrategy) Source() Source { return SourceSynthetic }

func (s *syntheticStrategy) Fetch(_ context.Context, addr string) ([]features.TransactionRecord, Step, error) {
	return SyntheticHistory(addr, s.now()), StepSuccess, nil
}
