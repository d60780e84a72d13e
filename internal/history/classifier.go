package history

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ksp2701/chaintrust/internal/explorer"
	"github.com/ksp2701/chaintrust/internal/features"
)

// Protocol labels that do not name a real protocol.
const (
	ProtocolTransfer    = "ETH Transfer"
	ProtocolInteraction = "Contract Interaction"
	ProtocolUnknown     = "Unknown"
)

// protocolContracts maps lower-cased router/pool addresses to protocol names.
var protocolContracts = map[string]string{
	"0x7a250d5630b4cf539739df2c5dacb4c659f2488d": "Uniswap V2",
	"0xe592427a0aece92de3edee1f18e0157c05861564": "Uniswap V3",
	"0x7fc66500c84a76ad7e9c93437bfc5ac33e2ddae9": "Aave",
	"0x3d9819210a31b4961b30ef54be2aed79b9c9cd3b": "Compound",
	"0xd9e1ce17f2641f24ae83637ab66a2cca9c378b9f": "SushiSwap",
	"0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45": "Uniswap Universal Router",
	"0x1111111254fb6c44bac0bed2854e76f90643097d": "1inch",
	"0x00000000219ab540356cbb839cbe05303d7705fa": "ETH2 Deposit",
	"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2": "WETH",
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "USDC",
}

var flashLoanSelectors = map[string]struct{}{
	"0x5cffe9de": {}, // flashLoan(address,address,uint256,bytes)
	"0xab9c4b5d": {}, // Aave V2 flashLoan
	"0x1b11d0b4": {}, // dYdX operate
}

var nftContracts = map[string]struct{}{
	"0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d": {}, // BAYC
	"0x60e4d786628fea6478f785a6d7e704777c86a7c6": {}, // MAYC
	"0x23581767a106ae21c074b2276d25e5c3e136a68b": {}, // Moonbirds
}

// RugpullPredicate decides whether a record counts as rugpull exposure.
type RugpullPredicate func(features.TransactionRecord) bool

// DustValuePredicate flags non-zero transfers below thresholdEth. Zero-value
// calls (approvals, most contract calls) are never flagged.
func DustValuePredicate(thresholdEth float64) RugpullPredicate {
	return func(r features.TransactionRecord) bool {
		return r.ValueEth > 0 && r.ValueEth < thresholdEth
	}
}

// Classifier turns raw explorer rows into typed records.
type Classifier struct {
	rugpull RugpullPredicate
}

// NewClassifier returns a classifier. A nil predicate never flags RUGPULL.
func NewClassifier(rugpull RugpullPredicate) *Classifier {
	return &Classifier{rugpull: rugpull}
}

// RiskFlag classifies one record.
func (c *Classifier) RiskFlag(r features.TransactionRecord) features.RiskFlag {
	if _, ok := flashLoanSelectors[r.MethodID]; ok {
		return features.FlagFlashLoan
	}
	if _, ok := nftContracts[strings.ToLower(r.To)]; ok {
		return features.FlagNFT
	}
	if c.rugpull != nil && c.rugpull(r) {
		return features.FlagRugpull
	}
	return features.FlagNormal
}

// Record converts a raw explorer transaction.
func (c *Classifier) Record(tx explorer.Tx) features.TransactionRecord {
	hasContractAddr := tx.ContractAddress != "" && !strings.EqualFold(tx.ContractAddress, "0x")
	hasInput := strings.TrimSpace(tx.Input) != "" && tx.Input != "0x"
	isContract := hasContractAddr || hasInput

	methodID := "0x"
	if len(tx.Input) >= 10 {
		methodID = strings.ToLower(tx.Input[:10])
	}

	r := features.TransactionRecord{
		Hash:        tx.Hash,
		BlockNumber: parseInt(tx.BlockNumber),
		Timestamp:   parseInt(tx.TimeStamp),
		From:        tx.From,
		To:          tx.To,
		ValueEth:    WeiToEth(tx.Value),
		IsContract:  isContract,
		MethodID:    methodID,
		Protocol:    ResolveProtocol(tx.To, isContract),
	}
	r.RiskFlag = c.RiskFlag(r)
	return r
}

// ResolveProtocol names the protocol behind a destination address.
func ResolveProtocol(to string, isContract bool) string {
	if name, ok := protocolContracts[strings.ToLower(to)]; ok {
		return name
	}
	if isContract {
		return ProtocolInteraction
	}
	return ProtocolTransfer
}

// IsNamedProtocol reports whether p names a real protocol rather than a
// generic label.
func IsNamedProtocol(p string) bool {
	switch p {
	case "", ProtocolTransfer, ProtocolInteraction, ProtocolUnknown:
		return false
	}
	return true
}

var weiPerEth = new(big.Float).SetFloat64(1e18)

// WeiToEth converts a decimal wei string. Malformed input yields zero.
func WeiToEth(wei string) float64 {
	v, ok := new(big.Int).SetString(strings.TrimSpace(wei), 10)
	if !ok {
		return 0
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(v), weiPerEth).Float64()
	return eth
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
