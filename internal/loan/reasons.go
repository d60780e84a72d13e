package loan

import (
	"fmt"
	"strings"

	"github.com/ksp2701/chaintrust/internal/features"
	"github.com/ksp2701/chaintrust/internal/policy"
	"github.com/ksp2701/chaintrust/internal/riskscore"
)

// buildReasons explains a decision: behavioural signals first, then tier
// caps, model denial reasons and finally the policy's own reasons.
func buildReasons(fv features.FeatureVector, risk riskscore.Result, d policy.Decision, amount float64, t policy.Thresholds) []string {
	var r []string

	switch {
	case fv.WalletAgeDays >= 365:
		r = append(r, "Wallet active for over a year: strong history")
	case fv.WalletAgeDays >= 90:
		r = append(r, "Wallet age acceptable (>=90 days)")
	default:
		r = append(r, "Wallet age below 90 days: insufficient history")
	}

	switch {
	case fv.TxCount >= 100:
		r = append(r, "High transaction count: active user")
	case fv.TxCount >= 20:
		r = append(r, "Reasonable transaction count")
	default:
		r = append(r, "Low transaction count: limited on-chain activity")
	}

	switch {
	case fv.DefiProtocolCount >= 3:
		r = append(r, fmt.Sprintf("Active DeFi user across %d protocols", fv.DefiProtocolCount))
	case fv.DefiProtocolCount > 0:
		r = append(r, "Limited DeFi protocol usage")
	}

	switch {
	case fv.CollateralRatio >= 1.5:
		r = append(r, fmt.Sprintf("Healthy collateral ratio (%.2fx)", fv.CollateralRatio))
	case fv.CollateralRatio >= 1.1:
		r = append(r, fmt.Sprintf("Collateral ratio marginal (%.2fx)", fv.CollateralRatio))
	default:
		r = append(r, fmt.Sprintf("Insufficient collateral ratio (%.2fx)", fv.CollateralRatio))
	}

	if fv.LiquidationEvents > 0 {
		r = append(r, fmt.Sprintf("%d past liquidation(s): negative credit signal", fv.LiquidationEvents))
	}

	switch {
	case fv.FlashLoanCount > 3:
		r = append(r, fmt.Sprintf("%d flash loans: high-risk behaviour pattern", fv.FlashLoanCount))
	case fv.FlashLoanCount > 0:
		r = append(r, fmt.Sprintf("%d flash loan(s) detected", fv.FlashLoanCount))
	}

	if fv.RugpullExposureScore > 0.2 {
		r = append(r, fmt.Sprintf("High exposure to suspected rugpull contracts (%.0f%%)", fv.RugpullExposureScore*100))
	}
	if fv.DormantPeriodDays > 180 {
		r = append(r, fmt.Sprintf("Long wallet dormancy (%.0f days)", fv.DormantPeriodDays))
	}
	if fv.Synthetic {
		r = append(r, "Live history unavailable: decision based on synthetic history")
	}

	if !d.Approved && d.Tier == policy.TierSilver && amount > t.SilverMaxAmount {
		r = append(r, fmt.Sprintf("Requested amount exceeds SILVER tier limit ($%.0f)", t.SilverMaxAmount))
	}
	if !d.Approved && d.Tier == policy.TierBronze && amount > t.BronzeMaxAmount {
		r = append(r, fmt.Sprintf("Requested amount exceeds BRONZE tier limit ($%.0f)", t.BronzeMaxAmount))
	}

	if risk.Fallback() {
		r = append(r, "Risk model unavailable ("+risk.Reason+"): maximum risk assumed")
	}
	for _, dr := range risk.DenialReasons {
		if !strings.Contains(dr, "meets all") {
			r = append(r, dr)
		}
	}

	return append(r, d.Reasons...)
}
