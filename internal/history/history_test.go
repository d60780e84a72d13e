package history

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksp2701/chaintrust/internal/explorer"
	"github.com/ksp2701/chaintrust/internal/features"
)

const wallet = "0xAbC0000000000000000000000000000000000001"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeExplorer struct {
	keys      bool
	list      []explorer.Tx
	outcome   explorer.Outcome
	listErr   error
	firstTx   []explorer.Tx
	count     int64
	countErr  error
	listCalls int
}

func (f *fakeExplorer) HasKeys() bool { return f.keys }

func (f *fakeExplorer) TxList(_ context.Context, _ string, sort string, offset int) ([]explorer.Tx, explorer.Outcome, error) {
	f.listCalls++
	if sort == explorer.SortAsc && offset == 1 {
		return f.firstTx, explorer.OutcomeSuccess, nil
	}
	return f.list, f.outcome, f.listErr
}

func (f *fakeExplorer) TxCount(context.Context, string) (int64, error) {
	return f.count, f.countErr
}

type fakeNonces struct{ n uint64 }

func (f fakeNonces) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return f.n, nil
}

func day(n int) int64 { return testNow.Unix() - int64(n)*secondsPerDay }

func TestFetchHistory_ExplorerSuccess(t *testing.T) {
	exp := &fakeExplorer{keys: true, outcome: explorer.OutcomeSuccess, list: []explorer.Tx{
		{Hash: "0x1", TimeStamp: "1700000000", From: wallet, To: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D", Value: "500000000000000000", Input: "0x38ed1739aaaa"},
	}}
	f := New(exp, Config{SyntheticFallback: true}, WithClock(func() time.Time { return testNow }))

	txs, src, err := f.FetchHistory(context.Background(), wallet)

	require.NoError(t, err)
	assert.Equal(t, SourceExplorer, src)
	require.Len(t, txs, 1)
	assert.Equal(t, "Uniswap V2", txs[0].Protocol)
	assert.Equal(t, 0.5, txs[0].ValueEth)
	assert.Equal(t, "0x38ed1739", txs[0].MethodID)
	assert.True(t, txs[0].IsContract)
	assert.False(t, txs[0].Synthetic)
}

func TestFetchHistory_NoTransactionsIsEmptySuccess(t *testing.T) {
	exp := &fakeExplorer{keys: true, outcome: explorer.OutcomeNoTransactions}
	f := New(exp, Config{SyntheticFallback: true})

	txs, src, err := f.FetchHistory(context.Background(), wallet)

	require.NoError(t, err)
	assert.Equal(t, SourceExplorer, src)
	assert.Empty(t, txs)
}

func TestFetchHistory_FallsBackToSynthetic(t *testing.T) {
	exp := &fakeExplorer{keys: true, outcome: explorer.OutcomeRetryable, listErr: explorer.ErrExhausted}
	f := New(exp, Config{SyntheticFallback: true}, WithClock(func() time.Time { return testNow }))

	txs, src, err := f.FetchHistory(context.Background(), wallet)

	require.NoError(t, err)
	assert.Equal(t, SourceSynthetic, src)
	require.NotEmpty(t, txs)
	for _, tx := range txs {
		assert.True(t, tx.Synthetic)
	}
}

func TestFetchHistory_FailsLoudlyWithoutFallback(t *testing.T) {
	t.Run("explorer exhausted", func(t *testing.T) {
		exp := &fakeExplorer{keys: true, outcome: explorer.OutcomeRetryable, listErr: explorer.ErrExhausted}
		_, _, err := New(exp, Config{}).FetchHistory(context.Background(), wallet)
		assert.ErrorIs(t, err, ErrHistoryUnavailable)
	})
	t.Run("no keys", func(t *testing.T) {
		_, _, err := New(&fakeExplorer{}, Config{}).FetchHistory(context.Background(), wallet)
		assert.ErrorIs(t, err, ErrHistoryUnavailable)
	})
	t.Run("no explorer", func(t *testing.T) {
		_, _, err := New(nil, Config{}).FetchHistory(context.Background(), wallet)
		assert.ErrorIs(t, err, ErrHistoryUnavailable)
	})
}

func TestFetchHistory_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exp := &fakeExplorer{keys: true, outcome: explorer.OutcomeRetryable, listErr: context.Canceled}
	_, _, err := New(exp, Config{SyntheticFallback: true}).FetchHistory(ctx, wallet)
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchTotalTxCount_FallsBackToNonce(t *testing.T) {
	exp := &fakeExplorer{keys: true, countErr: errors.New("down")}
	f := New(exp, Config{}, WithNonceReader(fakeNonces{n: 321}))

	n, ok := f.FetchTotalTxCount(context.Background(), wallet)
	assert.True(t, ok)
	assert.Equal(t, int64(321), n)

	_, ok = New(exp, Config{}).FetchTotalTxCount(context.Background(), wallet)
	assert.False(t, ok)
}

func TestExtract_UsesTrueAgeAndCount(t *testing.T) {
	exp := &fakeExplorer{
		keys:    true,
		outcome: explorer.OutcomeSuccess,
		list: []explorer.Tx{
			{Hash: "0x2", TimeStamp: "1767225600", From: wallet, To: "0x0000000000000000000000000000000000000009", Value: "1000000000000000000"},
		},
		firstTx: []explorer.Tx{{TimeStamp: "1704067200"}}, // 2024-01-01
		count:   1500,
	}
	f := New(exp, Config{}, WithClock(func() time.Time { return testNow }))

	fv, txs, err := f.Extract(context.Background(), wallet)

	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, int64(1500), fv.TxCount)
	assert.Equal(t, (testNow.Unix()-1704067200)/secondsPerDay, fv.WalletAgeDays)
}

func TestDeriveFeatures_Empty(t *testing.T) {
	fv := DeriveFeatures(wallet, nil, 0, 0, testNow)
	assert.Equal(t, int64(1), fv.WalletAgeDays)
	assert.Equal(t, features.NeutralCollateralRatio, fv.CollateralRatio)
	assert.Equal(t, int64(0), fv.TxCount)
}

func TestDeriveFeatures_Metrics(t *testing.T) {
	other := "0x9999999999999999999999999999999999999999"
	txs := []features.TransactionRecord{
		{Timestamp: day(100), From: wallet, To: "0x7fc66500c84a76ad7e9c93437bfc5ac33e2ddae9", ValueEth: 1, IsContract: true, Protocol: "Aave", RiskFlag: features.FlagNormal},
		{Timestamp: day(90), From: other, To: wallet, ValueEth: 3, Protocol: ProtocolTransfer, RiskFlag: features.FlagNormal},
		{Timestamp: day(30), From: wallet, To: "0xdead000000000000000000000000000000000001", ValueEth: 2, IsContract: true, Protocol: ProtocolInteraction, RiskFlag: features.FlagFlashLoan},
		{Timestamp: day(29), From: wallet, To: "0x7FC66500C84A76AD7E9C93437BFC5AC33E2DDAE9", ValueEth: 2, IsContract: true, Protocol: "Aave", RiskFlag: features.FlagLiquidation},
	}

	fv := DeriveFeatures(wallet, txs, 0, 0, testNow)

	assert.Equal(t, int64(100), fv.WalletAgeDays)
	assert.Equal(t, int64(4), fv.TxCount)
	assert.InDelta(t, 2.0, fv.AvgTxValueEth, 1e-9)
	assert.Equal(t, 3.0, fv.MaxSingleTxEth)
	assert.InDelta(t, math.Sqrt(0.5), fv.TxVariance, 1e-9)
	assert.Equal(t, 8.0, fv.TotalVolumeEth)
	assert.InDelta(t, 0.25, fv.IncomingOutgoingRatio, 1e-9)
	assert.Equal(t, 2, fv.UniqueContracts)
	assert.Equal(t, []string{"Aave"}, fv.KnownProtocols)
	assert.Equal(t, 1, fv.DefiProtocolCount)
	assert.Equal(t, 1, fv.FlashLoanCount)
	assert.Equal(t, 1, fv.LiquidationEvents)
	assert.InDelta(t, 60.0, fv.DormantPeriodDays, 1e-9)
	assert.Equal(t, 1, fv.CrossChainCount)
	assert.InDelta(t, 1.5+0.15-0.3-0.5, fv.CollateralRatio, 1e-9)
	assert.Equal(t, 0.0, fv.RugpullExposureScore)
	assert.Equal(t, testNow.AddDate(0, 0, -100).Format(dateLayout), fv.FirstSeenDate)
	assert.False(t, fv.Synthetic)
}

func TestDeriveFeatures_CollateralClampAndCrossChainCap(t *testing.T) {
	var txs []features.TransactionRecord
	for i := 0; i < 15; i++ {
		txs = append(txs, features.TransactionRecord{
			Timestamp: day(600 - i*30),
			From:      wallet,
			RiskFlag:  features.FlagLiquidation,
		})
	}
	fv := DeriveFeatures(wallet, txs, 0, 0, testNow)
	assert.Equal(t, features.MinCollateralRatio, fv.CollateralRatio)
	assert.Equal(t, maxCrossChainCount, fv.CrossChainCount)
}

func TestDeriveFeatures_RugpullExposure(t *testing.T) {
	txs := []features.TransactionRecord{
		{Timestamp: day(10), RiskFlag: features.FlagRugpull},
		{Timestamp: day(9), RiskFlag: features.FlagNormal},
		{Timestamp: day(8), RiskFlag: features.FlagRugpull},
		{Timestamp: day(7), RiskFlag: features.FlagNormal},
	}
	fv := DeriveFeatures(wallet, txs, 0, 0, testNow)
	assert.Equal(t, 0.5, fv.RugpullExposureScore)
}

func TestSyntheticHistory_Deterministic(t *testing.T) {
	a := SyntheticHistory(wallet, testNow)
	b := SyntheticHistory("0xabc0000000000000000000000000000000000001", testNow.Add(3*time.Hour))
	c := SyntheticHistory("0x0000000000000000000000000000000000000002", testNow)

	require.NotEmpty(t, a)
	assert.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Timestamp, b[i].Timestamp)
		assert.Equal(t, a[i].ValueEth, b[i].ValueEth)
		assert.Equal(t, a[i].RiskFlag, b[i].RiskFlag)
	}
	assert.NotEqual(t, a[0].To, c[0].To)

	for _, tx := range a {
		assert.LessOrEqual(t, tx.Timestamp, testNow.Unix())
		assert.GreaterOrEqual(t, tx.ValueEth, 0.001)
		assert.Less(t, tx.ValueEth, 2.001)
	}
	assert.LessOrEqual(t, len(a), 99)
}

func TestClassifier(t *testing.T) {
	c := NewClassifier(nil)
	assert.Equal(t, features.FlagFlashLoan, c.RiskFlag(features.TransactionRecord{MethodID: "0x5cffe9de"}))
	assert.Equal(t, features.FlagNFT, c.RiskFlag(features.TransactionRecord{To: "0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D"}))
	assert.Equal(t, features.FlagNormal, c.RiskFlag(features.TransactionRecord{ValueEth: 0.000001}))

	dust := NewClassifier(DustValuePredicate(0.00001))
	assert.Equal(t, features.FlagRugpull, dust.RiskFlag(features.TransactionRecord{ValueEth: 0.000001}))
	assert.Equal(t, features.FlagNormal, dust.RiskFlag(features.TransactionRecord{ValueEth: 0}), "zero-value approvals are not dust")
}

func TestClassifier_Record(t *testing.T) {
	c := NewClassifier(nil)

	transfer := c.Record(explorer.Tx{To: "0x0000000000000000000000000000000000000042", Input: "0x", Value: "garbage"})
	assert.False(t, transfer.IsContract)
	assert.Equal(t, ProtocolTransfer, transfer.Protocol)
	assert.Equal(t, "0x", transfer.MethodID)
	assert.Equal(t, 0.0, transfer.ValueEth)

	deploy := c.Record(explorer.Tx{ContractAddress: "0x0000000000000000000000000000000000000043", Input: ""})
	assert.True(t, deploy.IsContract)
	assert.Equal(t, ProtocolInteraction, deploy.Protocol)
}

func TestWeiToEth(t *testing.T) {
	assert.Equal(t, 1.0, WeiToEth("1000000000000000000"))
	assert.InDelta(t, 123456.789, WeiToEth("123456789000000000000000"), 1e-6)
	assert.Equal(t, 0.0, WeiToEth(""))
}
