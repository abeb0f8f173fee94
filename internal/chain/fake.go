package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeClient is a scriptable in-memory client for tests.
type FakeClient struct {
	mu sync.Mutex

	Nonce    uint64
	GasPrice *big.Int
	Estimate uint64
	Balance  *big.Int

	NonceErr    error
	GasPriceErr error
	EstimateErr error
	SendErr     error
	PingErr     error

	EstimateCalls []ethereum.CallMsg
	Sent          []*types.Transaction
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		GasPrice: big.NewInt(1_000_000_000),
		Estimate: 21000,
		Balance:  big.NewInt(0),
	}
}

func (f *FakeClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NonceErr != nil {
		return 0, f.NonceErr
	}
	return f.Nonce, nil
}

func (f *FakeClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GasPriceErr != nil {
		return nil, f.GasPriceErr
	}
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *FakeClient) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EstimateCalls = append(f.EstimateCalls, msg)
	if f.EstimateErr != nil {
		return 0, f.EstimateErr
	}
	return f.Estimate, nil
}

func (f *FakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, tx)
	f.Nonce = tx.Nonce() + 1
	return nil
}

func (f *FakeClient) BalanceAt(_ context.Context, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.Balance), nil
}

func (f *FakeClient) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

// SentCount reports how many transactions were broadcast.
func (f *FakeClient) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}
