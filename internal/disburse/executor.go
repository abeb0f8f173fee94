// Package disburse builds, signs, and broadcasts the actual value
// transfer. A Send moves real funds and is not idempotent; the coordinator
// invokes it at most once per approved claim.
package disburse

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"dripgate/internal/chain"
)

// Params are the policy-controlled knobs for one send, captured from a
// single config snapshot by the caller.
type Params struct {
	ChainID          int64
	GasMarginPercent int
	FallbackGasLimit uint64
}

// Executor submits transfers from the custodial account.
type Executor struct {
	client chain.Client
	key    *ecdsa.PrivateKey
	sender common.Address
	log    zerolog.Logger

	// the account nonce is a single shared resource; submissions are
	// serialized so concurrent claims cannot collide on it
	mu sync.Mutex
}

func NewExecutor(client chain.Client, privateKeyHex string, log zerolog.Logger) (*Executor, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &Executor{
		client: client,
		key:    key,
		sender: crypto.PubkeyToAddress(key.PublicKey),
		log:    log,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Sender is the custodial account address.
func (e *Executor) Sender() common.Address {
	return e.sender
}

// Send transfers amount wei to the destination and returns the normalized
// transaction reference. Pre-broadcast failures are retryable or fatal;
// anything from broadcast onward is ambiguous.
func (e *Executor) Send(ctx context.Context, destination string, amount *big.Int, p Params) (string, error) {
	if !common.IsHexAddress(destination) {
		return "", classified(ClassFatal, "validate destination", fmt.Errorf("invalid address %q", destination))
	}
	to := common.HexToAddress(destination)

	e.mu.Lock()
	defer e.mu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.sender)
	if err != nil {
		return "", classified(ClassRetryable, "resolve nonce", err)
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", classified(ClassRetryable, "fetch gas price", err)
	}

	gasLimit := e.gasLimit(ctx, to, amount, p)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount,
		Gas:      gasLimit,
		GasPrice: gasPrice,
	})

	signer := types.LatestSignerForChainID(big.NewInt(p.ChainID))
	signed, err := types.SignTx(tx, signer, e.key)
	if err != nil {
		return "", classified(ClassFatal, "sign transaction", err)
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return "", classified(ClassAmbiguous, "broadcast", err)
	}

	ref := NormalizeTxRef(signed.Hash().Hex())
	e.log.Info().
		Str("txRef", ref).
		Str("to", strings.ToLower(to.Hex())).
		Str("amountWei", amount.String()).
		Uint64("nonce", nonce).
		Uint64("gasLimit", gasLimit).
		Msg("disbursement broadcast")
	return ref, nil
}

// gasLimit estimates and applies the margin factor. Estimation failure is
// survivable: fall back to the configured limit instead of failing the
// claim, but leave a trace.
func (e *Executor) gasLimit(ctx context.Context, to common.Address, amount *big.Int, p Params) uint64 {
	estimate, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.sender,
		To:    &to,
		Value: amount,
	})
	if err != nil {
		e.log.Warn().Err(err).
			Uint64("fallbackGasLimit", p.FallbackGasLimit).
			Msg("gas estimation failed, using fallback limit")
		return p.FallbackGasLimit
	}
	return estimate * uint64(p.GasMarginPercent) / 100
}

// Balance returns the custodial account balance in wei.
func (e *Executor) Balance(ctx context.Context) (*big.Int, error) {
	return e.client.BalanceAt(ctx, e.sender)
}

// NormalizeTxRef canonicalizes a transaction reference to lower-case
// 0x-prefixed hex regardless of how the library rendered it.
func NormalizeTxRef(ref string) string {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if !strings.HasPrefix(ref, "0x") {
		ref = "0x" + ref
	}
	return ref
}
