// Package addressintel classifies a wallet address before it is scored:
// burn/null address, known protocol contract, or deployed smart contract.
package addressintel

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ksp2701/chaintrust/internal/logging"
	"github.com/ksp2701/chaintrust/internal/traces"
)

// ErrContractCheckFailed is returned when no source could determine
// whether the address holds code and policy forbids assuming an EOA.
var ErrContractCheckFailed = errors.New("addressintel: unable to verify address type")

// Check sources.
const (
	SourceRPC      = "rpc"
	SourceExplorer = "explorer"
)

// DefaultBurnAddresses are always rejected.
var DefaultBurnAddresses = []string{
	"0x0000000000000000000000000000000000000000",
	"0x000000000000000000000000000000000000dEaD",
}

// DefaultKnownContracts are router contracts that must never be treated as
// borrower wallets.
var DefaultKnownContracts = []string{
	"0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D", // Uniswap V2 router
	"0xE592427A0AEce92De3Edee1F18E0157C05861564", // Uniswap V3 router
	"0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45", // Uniswap universal router
	"0x1111111254fb6c44bAC0beD2854e76F90643097d", // 1inch
}

// Assessment is the classification of one address.
type Assessment struct {
	BurnAddress            bool   `json:"burnAddress"`
	KnownProtocolContract  bool   `json:"knownProtocolContract"`
	SmartContract          bool   `json:"smartContract"`
	ContractCheckSucceeded bool   `json:"contractCheckSucceeded"`
	ContractCheckError     string `json:"contractCheckError,omitempty"`
	CheckSource            string `json:"checkSource,omitempty"`
}

// CodeReader reads contract code from a chain node. *ethclient.Client
// satisfies it.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// CodeLookup fetches code through the explorer API. *explorer.Client
// satisfies it.
type CodeLookup interface {
	HasKeys() bool
	GetCode(ctx context.Context, addr string) (string, error)
}

// Config configures an Assessor.
type Config struct {
	BurnAddresses   []string
	KnownContracts  []string
	RejectContracts bool
	// RequireCheckSuccess turns a failed contract check into an error when
	// RejectContracts is also set.
	RequireCheckSuccess bool
}

// DefaultConfig mirrors the production policy.
func DefaultConfig() Config {
	return Config{
		BurnAddresses:   DefaultBurnAddresses,
		KnownContracts:  DefaultKnownContracts,
		RejectContracts: true,
	}
}

// Assessor classifies addresses.
type Assessor struct {
	cfg        Config
	burn       map[string]struct{}
	known      map[string]struct{}
	strategies []codeStrategy
}

// codeStrategy is one way of fetching code, tried in order.
type codeStrategy struct {
	source string
	fetch  func(ctx context.Context, addr string) (string, error)
}

// New creates an Assessor. Either reader may be nil.
func New(cfg Config, rpc CodeReader, exp CodeLookup) *Assessor {
	a := &Assessor{
		cfg:   cfg,
		burn:  lowerSet(cfg.BurnAddresses),
		known: lowerSet(cfg.KnownContracts),
	}
	if rpc != nil {
		a.strategies = append(a.strategies, codeStrategy{source: SourceRPC, fetch: func(ctx context.Context, addr string) (string, error) {
			code, err := rpc.CodeAt(ctx, common.HexToAddress(addr), nil)
			if err != nil {
				return "", err
			}
			return hexutil.Encode(code), nil
		}})
	}
	if exp != nil {
		a.strategies = append(a.strategies, codeStrategy{source: SourceExplorer, fetch: func(ctx context.Context, addr string) (string, error) {
			if !exp.HasKeys() {
				return "", errors.New("no explorer API keys")
			}
			return exp.GetCode(ctx, addr)
		}})
	}
	return a
}

// Assess classifies addr. It returns ErrContractCheckFailed only when every
// code source failed and the configuration requires a successful check.
func (a *Assessor) Assess(ctx context.Context, addr string) (Assessment, error) {
	ctx, span := traces.StartSpan(ctx, "addressintel.assess", traces.WalletAddr(addr))
	defer span.End()

	lower := strings.ToLower(strings.TrimSpace(addr))
	out := Assessment{}
	_, out.BurnAddress = a.burn[lower]
	_, out.KnownProtocolContract = a.known[lower]

	var failures []string
	for _, s := range a.strategies {
		code, err := s.fetch(ctx, lower)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", s.source, err))
			logging.L(ctx).Warn("contract check failed", "source", s.source, "error", err)
			continue
		}
		out.SmartContract = IsContractCode(code)
		out.ContractCheckSucceeded = true
		out.CheckSource = s.source
		return out, nil
	}

	if len(failures) == 0 {
		failures = append(failures, "no code source configured")
	}
	out.ContractCheckError = strings.Join(failures, " | ")

	if a.cfg.RequireCheckSuccess && a.cfg.RejectContracts {
		err := fmt.Errorf("%w: %s", ErrContractCheckFailed, out.ContractCheckError)
		traces.Fail(span, err)
		return out, err
	}
	return out, nil
}

// IsContractCode reports whether code is non-empty bytecode.
func IsContractCode(code string) bool {
	c := strings.ToLower(strings.TrimSpace(code))
	return c != "" && c != "0x" && c != "0x0"
}

func lowerSet(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			set[a] = struct{}{}
		}
	}
	return set
}
