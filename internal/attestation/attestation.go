// Package attestation records loan decisions on-chain through the
// recordLoanDecision contract call.
package attestation

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ksp2701/chaintrust/internal/logging"
	"github.com/ksp2701/chaintrust/internal/retry"
	"github.com/ksp2701/chaintrust/internal/syncutil"
	"github.com/ksp2701/chaintrust/internal/traces"
)

var (
	ErrRecordingRequired = errors.New("attestation: on-chain recording required but failed")
	ErrNotConfigured     = errors.New("Blockchain config missing or invalid (contract address/private key)") //nolint:staticcheck // surfaced verbatim to clients
	ErrReverted          = errors.New("On-chain transaction reverted")                                       //nolint:staticcheck // surfaced verbatim to clients
	ErrNoClient          = errors.New("attestation: no chain client configured")
)

// WriteError wraps a failed step of a chain write.
type WriteError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *WriteError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("attestation: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("attestation: %s failed: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// EthClient is the subset of *ethclient.Client used for writes.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

const recorderABI = `[
	{"type":"function","name":"recordLoanDecision","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"borrower","type":"address"},
		{"name":"amountUsdCents","type":"uint256"},
		{"name":"riskScoreBps","type":"uint32"},
		{"name":"approved","type":"bool"},
		{"name":"creditTier","type":"uint8"},
		{"name":"decisionHash","type":"bytes32"},
		{"name":"purpose","type":"string"}
	]}
]`

const (
	DefaultChainID             = int64(11155111)
	DefaultGasLimit            = uint64(550000)
	MinGasLimit                = uint64(21000)
	DefaultReceiptPollInterval = 1500 * time.Millisecond
	DefaultReceiptPolls        = 40
)

// Status values.
const (
	StatusDisabled  = "DISABLED"
	StatusFailed    = "FAILED"
	StatusSubmitted = "SUBMITTED"
	StatusConfirmed = "CONFIRMED"
)

// Result is the outcome of a chain write.
type Result struct {
	Status string `json:"status"`
	TxHash string `json:"txHash,omitempty"`
	Error  string `json:"error,omitempty"`
}

func Disabled() Result { return Result{Status: StatusDisabled} }

func Submitted(txHash string) Result { return Result{Status: StatusSubmitted, TxHash: txHash} }

func Confirmed(txHash string) Result { return Result{Status: StatusConfirmed, TxHash: txHash} }

func Failed(txHash string, err error) Result {
	r := Result{Status: StatusFailed, TxHash: txHash}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Attestation is one decision to record.
type Attestation struct {
	WalletAddress string
	AmountUSD     float64
	RiskScore     float64
	Tier          string
	Approved      bool
	DecisionHash  string
	Purpose       string
}

// Config for the writer.
type Config struct {
	Enabled             bool
	Required            bool
	ChainID             int64
	ContractAddress     string
	PrivateKey          string // hex, 0x optional
	GasLimit            uint64
	GasPriceWei         *big.Int // used when > 0, otherwise the node's suggestion
	ReceiptPollInterval time.Duration
	ReceiptPolls        int
}

// Option configures the writer.
type Option func(*Writer)

// WithClient sets the chain client.
func WithClient(client EthClient) Option {
	return func(w *Writer) { w.client = client }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// Writer submits decision records.
type Writer struct {
	cfg        Config
	client     EthClient
	privateKey *ecdsa.PrivateKey
	from       common.Address
	contract   common.Address
	chainID    *big.Int
	abi        abi.ABI
	configured bool
	sendLock   *syncutil.KeyedMutex
	logger     *slog.Logger
}

// New creates a Writer. A missing contract address or key does not fail
// construction; Record reports it instead.
func New(cfg Config, opts ...Option) (*Writer, error) {
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultChainID
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	cfg.GasLimit = max(cfg.GasLimit, MinGasLimit)
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	if cfg.ReceiptPolls <= 0 {
		cfg.ReceiptPolls = DefaultReceiptPolls
	}

	parsed, err := abi.JSON(strings.NewReader(recorderABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse recorder ABI: %w", err)
	}

	w := &Writer{
		cfg:      cfg,
		chainID:  big.NewInt(cfg.ChainID),
		abi:      parsed,
		sendLock: syncutil.NewKeyedMutex(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	contract := strings.TrimSpace(cfg.ContractAddress)
	key := strings.TrimSpace(cfg.PrivateKey)
	key = strings.TrimPrefix(strings.TrimPrefix(key, "0x"), "0X")
	if common.IsHexAddress(contract) && bytes32Pattern.MatchString(key) {
		if pk, err := crypto.HexToECDSA(key); err == nil {
			w.privateKey = pk
			w.from = crypto.PubkeyToAddress(pk.PublicKey)
			w.contract = common.HexToAddress(contract)
			w.configured = true
		}
	}
	return w, nil
}

// Enabled reports whether writes are attempted at all.
func (w *Writer) Enabled() bool { return w.cfg.Enabled }

// Required reports whether write failures abort the evaluation.
func (w *Writer) Required() bool { return w.cfg.Required }

// Record writes a. The error is non-nil only when recording is required
// and the write failed; the Result is always populated.
func (w *Writer) Record(ctx context.Context, a Attestation) (Result, error) {
	if !w.cfg.Enabled {
		chainWrites.WithLabelValues(StatusDisabled).Inc()
		return Disabled(), nil
	}

	ctx, span := traces.StartSpan(ctx, "attestation.record",
		traces.WalletAddr(a.WalletAddress),
		traces.DecisionHash(a.DecisionHash),
		traces.Tier(a.Tier),
	)
	defer span.End()

	res, err := w.write(ctx, a)
	chainWrites.WithLabelValues(res.Status).Inc()
	if err == nil {
		return res, nil
	}

	traces.Fail(span, err)
	logging.L(ctx).Error("on-chain recording failed", "error", err, "tx_hash", res.TxHash)
	if w.cfg.Required {
		return res, fmt.Errorf("%w: %w", ErrRecordingRequired, err)
	}
	return res, nil
}

func (w *Writer) write(ctx context.Context, a Attestation) (Result, error) {
	if !w.configured {
		return Failed("", ErrNotConfigured), ErrNotConfigured
	}
	if w.client == nil {
		return Failed("", ErrNoClient), ErrNoClient
	}

	data, err := w.pack(a)
	if err != nil {
		return Failed("", err), &WriteError{Op: "pack", Err: err}
	}

	gasPrice := w.cfg.GasPriceWei
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		gasPrice, err = w.client.SuggestGasPrice(ctx)
		if err != nil {
			return Failed("", err), &WriteError{Op: "gas_price", Err: err}
		}
	}

	signed, werr := w.send(ctx, data, gasPrice)
	if werr != nil {
		return Failed("", werr.Err), werr
	}
	return w.awaitReceipt(ctx, signed.Hash())
}

// send holds the sender lock from nonce lookup until the node has accepted
// the transaction, so concurrent decisions never reuse a nonce.
func (w *Writer) send(ctx context.Context, data []byte, gasPrice *big.Int) (*types.Transaction, *WriteError) {
	unlock, err := w.sendLock.LockContext(ctx, w.from.Hex())
	if err != nil {
		return nil, &WriteError{Op: "nonce", Err: err}
	}
	defer unlock()

	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return nil, &WriteError{Op: "nonce", Err: err}
	}

	tx := types.NewTransaction(nonce, w.contract, big.NewInt(0), w.cfg.GasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return nil, &WriteError{Op: "sign", Err: err}
	}
	txHash := signed.Hash().Hex()

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return nil, &WriteError{Op: "send", TxHash: txHash, Err: err}
	}
	logging.L(ctx).Info("decision submitted on-chain", "tx_hash", txHash, "nonce", nonce)
	return signed, nil
}

func (w *Writer) pack(a Attestation) ([]byte, error) {
	if !common.IsHexAddress(a.WalletAddress) {
		return nil, fmt.Errorf("invalid wallet address %q", a.WalletAddress)
	}
	hash, err := ToBytes32(a.DecisionHash)
	if err != nil {
		return nil, err
	}
	return w.abi.Pack("recordLoanDecision",
		common.HexToAddress(a.WalletAddress),
		ToCents(a.AmountUSD),
		ToRiskBps(a.RiskScore),
		a.Approved,
		TierValue(a.Tier),
		hash,
		a.Purpose,
	)
}

// awaitReceipt polls for the receipt. Running out of polls after the node
// reported the tx as pending yields SUBMITTED; if every poll failed with an
// RPC error the write is FAILED with the hash attached.
func (w *Writer) awaitReceipt(ctx context.Context, hash common.Hash) (Result, error) {
	txHash := hash.Hex()
	var receipt *types.Receipt
	pending := 0

	err := retry.Poll(ctx, w.cfg.ReceiptPollInterval, w.cfg.ReceiptPolls, func(ctx context.Context) (bool, error) {
		r, err := w.client.TransactionReceipt(ctx, hash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			pending++
			return false, nil
		case err != nil:
			return false, err
		}
		receipt = r
		return true, nil
	})

	switch {
	case err == nil:
	case errors.Is(err, retry.ErrPollExhausted) && pending == 0:
		return Failed(txHash, err), &WriteError{Op: "receipt", TxHash: txHash, Err: err}
	default:
		logging.L(ctx).Warn("no receipt within polling budget", "tx_hash", txHash, "error", err)
		return Submitted(txHash), nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return Failed(txHash, ErrReverted), &WriteError{Op: "confirm", TxHash: txHash, Err: ErrReverted}
	}
	return Confirmed(txHash), nil
}
