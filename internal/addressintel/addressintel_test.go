package addressintel

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eoa = "0x52908400098527886E0F7030069857D2E4169EE7"

type fakeRPC struct {
	code  []byte
	err   error
	calls int
}

func (f *fakeRPC) CodeAt(_ context.Context, _ common.Address, _ *big.Int) ([]byte, error) {
	f.calls++
	return f.code, f.err
}

type fakeExplorer struct {
	keys  bool
	code  string
	err   error
	calls int
}

func (f *fakeExplorer) HasKeys() bool { return f.keys }

func (f *fakeExplorer) GetCode(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.code, f.err
}

func TestAssess_BurnAndKnownContracts(t *testing.T) {
	a := New(DefaultConfig(), &fakeRPC{}, nil)

	got, err := a.Assess(context.Background(), "0x000000000000000000000000000000000000DEAD")
	require.NoError(t, err)
	assert.True(t, got.BurnAddress)

	got, err = a.Assess(context.Background(), "0x7a250d5630b4cf539739df2c5dacb4c659f2488d")
	require.NoError(t, err)
	assert.True(t, got.KnownProtocolContract)
	assert.False(t, got.BurnAddress)
}

func TestAssess_RPCDetectsContract(t *testing.T) {
	rpc := &fakeRPC{code: []byte{0x60, 0x80, 0x60, 0x40}}
	exp := &fakeExplorer{keys: true, code: "0x"}
	a := New(DefaultConfig(), rpc, exp)

	got, err := a.Assess(context.Background(), eoa)
	require.NoError(t, err)
	assert.True(t, got.SmartContract)
	assert.True(t, got.ContractCheckSucceeded)
	assert.Equal(t, SourceRPC, got.CheckSource)
	assert.Equal(t, 0, exp.calls, "explorer must not be consulted after rpc succeeds")
}

func TestAssess_EmptyCodeIsEOA(t *testing.T) {
	a := New(DefaultConfig(), &fakeRPC{code: nil}, nil)

	got, err := a.Assess(context.Background(), eoa)
	require.NoError(t, err)
	assert.False(t, got.SmartContract)
	assert.True(t, got.ContractCheckSucceeded)
}

func TestAssess_FallsBackToExplorer(t *testing.T) {
	rpc := &fakeRPC{err: errors.New("dial tcp: connection refused")}
	exp := &fakeExplorer{keys: true, code: "0x6080"}
	a := New(DefaultConfig(), rpc, exp)

	got, err := a.Assess(context.Background(), eoa)
	require.NoError(t, err)
	assert.True(t, got.SmartContract)
	assert.Equal(t, SourceExplorer, got.CheckSource)
	assert.Equal(t, 1, rpc.calls)
	assert.Equal(t, 1, exp.calls)
}

func TestAssess_AllChecksFail(t *testing.T) {
	rpc := &fakeRPC{err: errors.New("rpc down")}
	exp := &fakeExplorer{keys: false}

	t.Run("lenient", func(t *testing.T) {
		a := New(DefaultConfig(), rpc, exp)
		got, err := a.Assess(context.Background(), eoa)
		require.NoError(t, err)
		assert.False(t, got.ContractCheckSucceeded)
		assert.False(t, got.SmartContract)
		assert.Contains(t, got.ContractCheckError, "rpc down")
		assert.Contains(t, got.ContractCheckError, "no explorer API keys")
	})

	t.Run("required", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RequireCheckSuccess = true
		a := New(cfg, rpc, exp)
		_, err := a.Assess(context.Background(), eoa)
		assert.ErrorIs(t, err, ErrContractCheckFailed)
	})

	t.Run("required but contracts allowed", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RequireCheckSuccess = true
		cfg.RejectContracts = false
		a := New(cfg, rpc, exp)
		_, err := a.Assess(context.Background(), eoa)
		assert.NoError(t, err)
	})
}

func TestAssess_NoSources(t *testing.T) {
	a := New(DefaultConfig(), nil, nil)
	got, err := a.Assess(context.Background(), eoa)
	require.NoError(t, err)
	assert.Equal(t, "no code source configured", got.ContractCheckError)
}

func TestIsContractCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"", false},
		{"0x", false},
		{"0x0", false},
		{" 0X ", false},
		{"0x6080604052", true},
	}
	for _, tt := range tests {
		if got := IsContractCode(tt.code); got != tt.want {
			t.Errorf("IsContractCode(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
