package attestation

import (
	"encoding/hex"
	"errors"
	"math"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidDecisionHash is returned for anything but 32 bytes of hex.
var ErrInvalidDecisionHash = errors.New("attestation: decisionHash must be 32-byte hex string")

var bytes32Pattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Tier enum values as stored by the contract.
const (
	TierNone uint8 = iota
	TierBronze
	TierSilver
	TierGold
	TierPlatinum
)

// ToCents converts a USD amount to whole cents, rounding half up. Negative
// and non-finite amounts become zero.
func ToCents(amountUSD float64) *big.Int {
	if math.IsNaN(amountUSD) || math.IsInf(amountUSD, 0) || amountUSD <= 0 {
		return new(big.Int)
	}
	return decimal.NewFromFloat(amountUSD).Shift(2).Round(0).BigInt()
}

// ToRiskBps converts a risk score to basis points after clamping to [0,1].
func ToRiskBps(risk float64) uint32 {
	if math.IsNaN(risk) {
		risk = 0
	}
	risk = math.Max(0, math.Min(1, risk))
	return uint32(math.Floor(risk*10000 + 0.5))
}

// TierValue maps a tier name to the contract enum; unknown names map to 0.
func TierValue(tier string) uint8 {
	switch strings.ToUpper(strings.TrimSpace(tier)) {
	case "BRONZE":
		return TierBronze
	case "SILVER":
		return TierSilver
	case "GOLD":
		return TierGold
	case "PLATINUM":
		return TierPlatinum
	default:
		return TierNone
	}
}

// ToBytes32 decodes a 64-character hex string, with or without 0x.
func ToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if !bytes32Pattern.MatchString(s) {
		return out, ErrInvalidDecisionHash
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, ErrInvalidDecisionHash
	}
	copy(out[:], b)
	return out, nil
}
