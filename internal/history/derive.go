package history

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ksp2701/chaintrust/internal/features"
)

const (
	secondsPerDay      = 86400
	crossChainGapDays  = 14
	maxCrossChainCount = 10
	dateLayout         = "2006-01-02"
)

// DeriveFeatures computes the feature vector for addr from a history page.
//
// firstTxTimestamp and totalTxCount come from separate lookups that are not
// bounded by the page size; pass zero (or less) when they are unavailable
// and the page itself is used instead.
func DeriveFeatures(addr string, txs []features.TransactionRecord, firstTxTimestamp, totalTxCount int64, now time.Time) features.FeatureVector {
	f := features.FeatureVector{Address: addr}
	if len(txs) == 0 {
		f.WalletAgeDays = 1
		f.CollateralRatio = features.NeutralCollateralRatio
		return features.Normalize(f)
	}

	timestamps := make([]int64, len(txs))
	values := make([]float64, len(txs))
	synthetic := true
	for i, tx := range txs {
		timestamps[i] = tx.Timestamp
		values[i] = tx.ValueEth
		synthetic = synthetic && tx.Synthetic
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	minTs, maxTs := timestamps[0], timestamps[len(timestamps)-1]

	ageBase := minTs
	if firstTxTimestamp > 0 {
		ageBase = firstTxTimestamp
	}
	f.WalletAgeDays = max(1, (now.Unix()-ageBase)/secondsPerDay)

	f.TxCount = int64(len(txs))
	if totalTxCount > 0 {
		f.TxCount = totalTxCount
	}
	f.FirstSeenDate = time.Unix(minTs, 0).UTC().Format(dateLayout)
	f.LastSeenDate = time.Unix(maxTs, 0).UTC().Format(dateLayout)
	f.Synthetic = synthetic

	f.AvgTxValueEth, f.MaxSingleTxEth, f.TxVariance, f.TotalVolumeEth = valueStats(values)

	var incoming, outgoing int
	contracts := map[string]struct{}{}
	protocols := map[string]struct{}{}
	var rugpulls int
	for _, tx := range txs {
		if strings.EqualFold(tx.To, addr) {
			incoming++
		}
		if strings.EqualFold(tx.From, addr) {
			outgoing++
		}
		if tx.IsContract && tx.To != "" {
			contracts[strings.ToLower(tx.To)] = struct{}{}
		}
		if IsNamedProtocol(tx.Protocol) {
			protocols[tx.Protocol] = struct{}{}
		}
		switch tx.RiskFlag {
		case features.FlagFlashLoan:
			f.FlashLoanCount++
		case features.FlagLiquidation:
			f.LiquidationEvents++
		case features.FlagNFT:
			f.NFTTransactionCount++
		case features.FlagRugpull:
			rugpulls++
		}
	}
	if incoming+outgoing > 0 {
		f.IncomingOutgoingRatio = float64(incoming) / float64(incoming+outgoing)
	}
	f.UniqueContracts = len(contracts)

	f.KnownProtocols = make([]string, 0, len(protocols))
	for p := range protocols {
		f.KnownProtocols = append(f.KnownProtocols, p)
	}
	sort.Strings(f.KnownProtocols)
	f.DefiProtocolCount = len(f.KnownProtocols)

	f.DormantPeriodDays, f.CrossChainCount = gapStats(timestamps)

	f.CollateralRatio = features.NeutralCollateralRatio +
		0.15*float64(f.DefiProtocolCount) -
		0.3*float64(f.FlashLoanCount) -
		0.5*float64(f.LiquidationEvents)

	f.RugpullExposureScore = math.Min(1, float64(rugpulls)/float64(len(txs)))

	return features.Normalize(f)
}

// valueStats returns mean, max, population standard deviation and sum.
// The feature named "variance" has always carried the standard deviation.
func valueStats(values []float64) (avg, maxV, stddev, total float64) {
	for _, v := range values {
		total += v
		maxV = math.Max(maxV, v)
	}
	avg = total / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - avg) * (v - avg)
	}
	return avg, maxV, math.Sqrt(sq / float64(len(values))), total
}

// gapStats returns the longest gap in days between consecutive sorted
// timestamps and the number of gaps longer than two weeks, capped.
func gapStats(sorted []int64) (dormantDays float64, crossChain int) {
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i] - sorted[i-1]
		dormantDays = math.Max(dormantDays, float64(gap)/secondsPerDay)
		if gap > crossChainGapDays*secondsPerDay {
			crossChain++
		}
	}
	return dormantDays, min(crossChain, maxCrossChainCount)
}
