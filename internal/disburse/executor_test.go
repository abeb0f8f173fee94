package disburse

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dripgate/internal/chain"
)

// throwaway key, never funded
const testKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

const testDest = "0x00000000000000000000000000000000000000aa"

func testParams() Params {
	return Params{ChainID: 421614, GasMarginPercent: 120, FallbackGasLimit: 25000}
}

func newExecutor(t *testing.T, client chain.Client) *Executor {
	t.Helper()
	exec, err := NewExecutor(client, testKey, zerolog.Nop())
	require.NoError(t, err)
	return exec
}

func TestNewExecutorRejectsBadKey(t *testing.T) {
	_, err := NewExecutor(chain.NewFakeClient(), "not-a-key", zerolog.Nop())
	require.Error(t, err)
}

func TestSendBuildsSignedTransfer(t *testing.T) {
	fake := chain.NewFakeClient()
	fake.Nonce = 7
	fake.Estimate = 21000
	exec := newExecutor(t, fake)

	ref, err := exec.Send(context.Background(), testDest, big.NewInt(1_000_000_000_000_000), testParams())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ref, "0x"))
	require.Equal(t, ref, strings.ToLower(ref))

	require.Len(t, fake.Sent, 1)
	tx := fake.Sent[0]
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, strings.ToLower(testDest), strings.ToLower(tx.To().Hex()))
	require.Equal(t, "1000000000000000", tx.Value().String())
	// 21000 estimate with a 120% margin
	require.Equal(t, uint64(25200), tx.Gas())
}

func TestSendUsesFallbackGasOnEstimationFailure(t *testing.T) {
	fake := chain.NewFakeClient()
	fake.EstimateErr = errors.New("execution reverted")
	exec := newExecutor(t, fake)

	_, err := exec.Send(context.Background(), testDest, big.NewInt(1), testParams())
	require.NoError(t, err)

	require.Len(t, fake.Sent, 1)
	require.Equal(t, uint64(25000), fake.Sent[0].Gas())
}

func TestSendErrorClasses(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*chain.FakeClient)
		class ErrorClass
	}{
		{"nonce lookup", func(f *chain.FakeClient) { f.NonceErr = errors.New("rpc down") }, ClassRetryable},
		{"gas price lookup", func(f *chain.FakeClient) { f.GasPriceErr = errors.New("rpc down") }, ClassRetryable},
		{"broadcast", func(f *chain.FakeClient) { f.SendErr = errors.New("connection reset") }, ClassAmbiguous},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := chain.NewFakeClient()
			tc.setup(fake)
			exec := newExecutor(t, fake)

			_, err := exec.Send(context.Background(), testDest, big.NewInt(1), testParams())
			require.Error(t, err)
			require.Equal(t, tc.class, ClassOf(err))
			require.Equal(t, 0, fake.SentCount())
		})
	}
}

func TestSendRejectsInvalidDestination(t *testing.T) {
	fake := chain.NewFakeClient()
	exec := newExecutor(t, fake)

	_, err := exec.Send(context.Background(), "0x123", big.NewInt(1), testParams())
	require.Error(t, err)
	require.Equal(t, ClassFatal, ClassOf(err))
	require.Equal(t, 0, fake.SentCount())
}

func TestNormalizeTxRef(t *testing.T) {
	require.Equal(t, "0xdeadbeef", NormalizeTxRef("DEADBEEF"))
	require.Equal(t, "0xdeadbeef", NormalizeTxRef("0xDeadBeef"))
	require.Equal(t, "0xdeadbeef", NormalizeTxRef("  0xdeadbeef "))
}
