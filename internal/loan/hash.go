package loan

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// DecisionHash is the hex SHA-256 of "address:amount:approved:riskScore:tier".
// Numbers keep the rendering already-recorded decisions were hashed with
// ("1000.0", "0.1", "1.0E7"), so re-evaluations reproduce the same hash.
func DecisionHash(addr string, amount float64, approved bool, riskScore float64, tier string) string {
	payload := strings.Join([]string{
		addr,
		formatDouble(amount),
		strconv.FormatBool(approved),
		formatDouble(riskScore),
		tier,
	}, ":")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// formatDouble renders the shortest round-trip form of v: plain decimal with
// at least one fractional digit inside [1e-3, 1e7), otherwise "d.dddE±n".
func formatDouble(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	case v == 0:
		if math.Signbit(v) {
			return "-0.0"
		}
		return "0.0"
	}

	abs := math.Abs(v)
	if abs >= 1e-3 && abs < 1e7 {
		s := strconv.FormatFloat(v, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}

	s := strconv.FormatFloat(v, 'e', -1, 64)
	mantissa, exp, _ := strings.Cut(s, "e")
	if !strings.Contains(mantissa, ".") {
		mantissa += ".0"
	}
	n, _ := strconv.Atoi(exp)
	return mantissa + "E" + strconv.Itoa(n)
}
