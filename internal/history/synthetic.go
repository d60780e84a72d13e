package history

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ksp2701/chaintrust/internal/features"
)

var syntheticProtocols = []string{
	"Uniswap V2", "Uniswap V3", "Aave", "Compound", "SushiSwap", "1inch", ProtocolTransfer,
}

// SyntheticHistory builds a pseudo-history for addr. The PRNG is seeded
// from the lower-cased address, and timestamps are anchored to the UTC day
// of now, so the same address yields the same records all day. Every record
// is marked Synthetic.
func SyntheticHistory(addr string, now time.Time) []features.TransactionRecord {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(addr)))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	day := now.UTC().Truncate(24 * time.Hour).Unix()
	n := 20 + int(seed%80)
	ts := day - int64(60+seed%700)*secondsPerDay

	records := make([]features.TransactionRecord, 0, n)
	for i := 0; i < n; i++ {
		ts += int64(rng.IntN(3)+1) * secondsPerDay
		if ts > day {
			break
		}

		protocol := syntheticProtocols[rng.IntN(len(syntheticProtocols))]
		flag := features.FlagNormal
		switch chance := rng.IntN(20); {
		case chance == 0:
			flag = features.FlagFlashLoan
		case chance == 1:
			flag = features.FlagLiquidation
		case chance < 4:
			flag = features.FlagNFT
		case chance == 4:
			flag = features.FlagRugpull
		}

		records = append(records, features.TransactionRecord{
			Hash:        fmt.Sprintf("0x%064x", seed*uint64(i+1)),
			BlockNumber: 15_000_000 + int64(i)*100,
			Timestamp:   ts,
			From:        addr,
			To:          fmt.Sprintf("0x%040x", rng.Uint64()),
			ValueEth:    0.001 + rng.Float64()*2,
			IsContract:  protocol != ProtocolTransfer,
			MethodID:    fmt.Sprintf("0x%08x", rng.Uint32()),
			Protocol:    protocol,
			RiskFlag:    flag,
			Synthetic:   true,
		})
	}
	return records
}
