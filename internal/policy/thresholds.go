package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrThresholdsOutOfOrder rejects a threshold set whose tier minimums are
// not descending.
var ErrThresholdsOutOfOrder = errors.New("policy: tier thresholds out of order")

// Thresholds are the trust-score minimums per tier and the amount caps for
// the lower tiers.
type Thresholds struct {
	PlatinumMinTrust float64 `json:"platinum_min_trust"`
	GoldMinTrust     float64 `json:"gold_min_trust"`
	SilverMinTrust   float64 `json:"silver_min_trust"`
	BronzeMinTrust   float64 `json:"bronze_min_trust"`
	SilverMaxAmount  float64 `json:"silver_max_amount"`
	BronzeMaxAmount  float64 `json:"bronze_max_amount"`
}

// DefaultThresholds are used until a thresholds file is loaded.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PlatinumMinTrust: 0.85,
		GoldMinTrust:     0.70,
		SilverMinTrust:   0.55,
		BronzeMinTrust:   0.40,
		SilverMaxAmount:  5000,
		BronzeMaxAmount:  1000,
	}
}

// Ordered reports whether platinum >= gold >= silver >= bronze.
func (t Thresholds) Ordered() bool {
	return t.PlatinumMinTrust >= t.GoldMinTrust &&
		t.GoldMinTrust >= t.SilverMinTrust &&
		t.SilverMinTrust >= t.BronzeMinTrust
}

// thresholdsFile is the on-disk shape. Pointers distinguish absent keys,
// which inherit the active value.
type thresholdsFile struct {
	PlatinumMinTrust *float64 `json:"platinum_min_trust"`
	GoldMinTrust     *float64 `json:"gold_min_trust"`
	SilverMinTrust   *float64 `json:"silver_min_trust"`
	BronzeMinTrust   *float64 `json:"bronze_min_trust"`
	SilverMaxAmount  *float64 `json:"silver_max_amount"`
	BronzeMaxAmount  *float64 `json:"bronze_max_amount"`
}

// LoadThresholds reads path and merges it over base. The document may hold
// the keys at the top level or under "thresholds".
func LoadThresholds(path string, base Thresholds) (Thresholds, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-configured path
	if err != nil {
		return base, err
	}
	return ParseThresholds(data, base)
}

// ParseThresholds merges the JSON document data over base.
func ParseThresholds(data []byte, base Thresholds) (Thresholds, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return base, fmt.Errorf("policy: parse thresholds: %w", err)
	}
	raw := json.RawMessage(data)
	if nested, ok := doc["thresholds"]; ok && string(nested) != "null" {
		raw = nested
	}

	var f thresholdsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return base, fmt.Errorf("policy: parse thresholds: %w", err)
	}

	out := base
	merge(&out.PlatinumMinTrust, f.PlatinumMinTrust)
	merge(&out.GoldMinTrust, f.GoldMinTrust)
	merge(&out.SilverMinTrust, f.SilverMinTrust)
	merge(&out.BronzeMinTrust, f.BronzeMinTrust)
	merge(&out.SilverMaxAmount, f.SilverMaxAmount)
	merge(&out.BronzeMaxAmount, f.BronzeMaxAmount)

	if !out.Ordered() {
		return base, ErrThresholdsOutOfOrder
	}
	return out, nil
}

func merge(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
