// Package features defines the per-wallet feature vector consumed by the
// risk model, the transaction records it is derived from, and the canonical
// payload shape shared by the scorer and the training export.
package features

import (
	"math"
)

// RiskFlag classifies a single historical transaction.
type RiskFlag string

const (
	FlagNormal      RiskFlag = "NORMAL"
	FlagFlashLoan   RiskFlag = "FLASH_LOAN"
	FlagLiquidation RiskFlag = "LIQUIDATION"
	FlagRugpull     RiskFlag = "RUGPULL"
	FlagNFT         RiskFlag = "NFT"
)

// Collateral ratio bounds. Wallets without history get the neutral value.
const (
	MinCollateralRatio     = 0.1
	MaxCollateralRatio     = 4.0
	NeutralCollateralRatio = 1.5
)

// TransactionRecord is one historical transfer.
type TransactionRecord struct {
	Hash        string   `json:"hash"`
	BlockNumber int64    `json:"blockNumber"`
	Timestamp   int64    `json:"timestamp"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	ValueEth    float64  `json:"valueEth"`
	IsContract  bool     `json:"isContract"`
	MethodID    string   `json:"methodId"`
	Protocol    string   `json:"protocol"`
	RiskFlag    RiskFlag `json:"riskFlag"`
	// Synthetic marks records generated without a live ledger source.
	Synthetic bool `json:"synthetic,omitempty"`
}

// FeatureVector holds the derived metrics for one wallet. Build it with
// Normalize so ratio fields are within range; treat it as a value afterwards.
type FeatureVector struct {
	Address               string   `json:"address"`
	WalletAgeDays         int64    `json:"walletAgeDays"`
	TxCount               int64    `json:"txCount"`
	AvgTxValueEth         float64  `json:"avgTxValueEth"`
	MaxSingleTxEth        float64  `json:"maxSingleTxEth"`
	TxVariance            float64  `json:"txVariance"`
	UniqueContracts       int      `json:"uniqueContracts"`
	IncomingOutgoingRatio float64  `json:"incomingOutgoingRatio"`
	DefiProtocolCount     int      `json:"defiProtocolCount"`
	FlashLoanCount        int      `json:"flashLoanCount"`
	LiquidationEvents     int      `json:"liquidationEvents"`
	NFTTransactionCount   int      `json:"nftTransactionCount"`
	DormantPeriodDays     float64  `json:"dormantPeriodDays"`
	CollateralRatio       float64  `json:"collateralRatio"`
	CrossChainCount       int      `json:"crossChainCount"`
	RugpullExposureScore  float64  `json:"rugpullExposureScore"`
	TotalVolumeEth        float64  `json:"totalVolumeEth"`
	FirstSeenDate         string   `json:"firstSeenDate,omitempty"`
	LastSeenDate          string   `json:"lastSeenDate,omitempty"`
	KnownProtocols        []string `json:"knownProtocols"`
	Synthetic             bool     `json:"synthetic,omitempty"`
}

// Normalize returns a copy of f with counts forced non-negative, ratio
// fields clamped to their declared ranges and non-finite values replaced.
func Normalize(f FeatureVector) FeatureVector {
	f.WalletAgeDays = max(f.WalletAgeDays, 0)
	f.TxCount = max(f.TxCount, 0)
	f.UniqueContracts = max(f.UniqueContracts, 0)
	f.DefiProtocolCount = max(f.DefiProtocolCount, 0)
	f.FlashLoanCount = max(f.FlashLoanCount, 0)
	f.LiquidationEvents = max(f.LiquidationEvents, 0)
	f.NFTTransactionCount = max(f.NFTTransactionCount, 0)
	f.CrossChainCount = max(f.CrossChainCount, 0)

	f.AvgTxValueEth = nonNegative(f.AvgTxValueEth)
	f.MaxSingleTxEth = nonNegative(f.MaxSingleTxEth)
	f.TxVariance = nonNegative(f.TxVariance)
	f.DormantPeriodDays = nonNegative(f.DormantPeriodDays)
	f.TotalVolumeEth = nonNegative(f.TotalVolumeEth)

	f.IncomingOutgoingRatio = Clamp(finiteOr(f.IncomingOutgoingRatio, 0), 0, 1)
	f.RugpullExposureScore = Clamp(finiteOr(f.RugpullExposureScore, 0), 0, 1)
	f.CollateralRatio = Clamp(finiteOr(f.CollateralRatio, NeutralCollateralRatio), MinCollateralRatio, MaxCollateralRatio)

	if f.KnownProtocols == nil {
		f.KnownProtocols = []string{}
	} else {
		f.KnownProtocols = append([]string(nil), f.KnownProtocols...)
	}
	return f
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func nonNegative(v float64) float64 {
	return math.Max(0, finiteOr(v, 0))
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
