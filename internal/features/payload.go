package features

// Training field names, in the order the model was trained on.
const (
	KeyWalletAgeDays         = "wallet_age_days"
	KeyTxCount               = "tx_count"
	KeyAvgTxValueEth         = "avg_tx_value_eth"
	KeyUniqueContracts       = "unique_contracts"
	KeyIncomingOutgoingRatio = "incoming_outgoing_ratio"
	KeyTxVariance            = "tx_variance"
	KeyDefiProtocolCount     = "defi_protocol_count"
	KeyFlashLoanCount        = "flash_loan_count"
	KeyLiquidationEvents     = "liquidation_events"
	KeyNFTTransactionCount   = "nft_transaction_count"
	KeyMaxSingleTxEth        = "max_single_tx_eth"
	KeyDormantPeriodDays     = "dormant_period_days"
	KeyCollateralRatio       = "collateral_ratio"
	KeyCrossChainCount       = "cross_chain_count"
	KeyRugpullExposureScore  = "rugpull_exposure_score"

	// older model builds read this name instead of avg_tx_value_eth
	keyLegacyAvgTxValue = "avg_tx_value"
)

// TrainingFields lists every field an exported training row must carry.
var TrainingFields = []string{
	KeyWalletAgeDays,
	KeyTxCount,
	KeyAvgTxValueEth,
	KeyUniqueContracts,
	KeyIncomingOutgoingRatio,
	KeyTxVariance,
	KeyDefiProtocolCount,
	KeyFlashLoanCount,
	KeyLiquidationEvents,
	KeyNFTTransactionCount,
	KeyMaxSingleTxEth,
	KeyDormantPeriodDays,
	KeyCollateralRatio,
	KeyCrossChainCount,
	KeyRugpullExposureScore,
}

// ToPayload renders the canonical model payload. The vector is normalized
// first, so the payload is always in range.
func ToPayload(f FeatureVector) map[string]any {
	f = Normalize(f)
	return map[string]any{
		KeyWalletAgeDays:         f.WalletAgeDays,
		KeyTxCount:               f.TxCount,
		KeyAvgTxValueEth:         f.AvgTxValueEth,
		keyLegacyAvgTxValue:      f.AvgTxValueEth,
		KeyUniqueContracts:       f.UniqueContracts,
		KeyIncomingOutgoingRatio: f.IncomingOutgoingRatio,
		KeyTxVariance:            f.TxVariance,
		KeyDefiProtocolCount:     f.DefiProtocolCount,
		KeyFlashLoanCount:        f.FlashLoanCount,
		KeyLiquidationEvents:     f.LiquidationEvents,
		KeyNFTTransactionCount:   f.NFTTransactionCount,
		KeyMaxSingleTxEth:        f.MaxSingleTxEth,
		KeyDormantPeriodDays:     f.DormantPeriodDays,
		KeyCollateralRatio:       f.CollateralRatio,
		KeyCrossChainCount:       f.CrossChainCount,
		KeyRugpullExposureScore:  f.RugpullExposureScore,
	}
}

// HasAllTrainingFields reports whether row carries a non-nil value for
// every training field.
func HasAllTrainingFields(row map[string]any) bool {
	for _, k := range TrainingFields {
		if v, ok := row[k]; !ok || v == nil {
			return false
		}
	}
	return true
}
