package policy

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dripgate/internal/ledger"
)

const (
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
	addrC = "0x00000000000000000000000000000000000000cc"
	addrD = "0x00000000000000000000000000000000000000dd"
)

type stubSource struct {
	approved map[string]bool
	err      error
}

func (s stubSource) Approved(_ context.Context, identity, address string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.approved[identity+"|"+address], nil
}

func testConfig(t *testing.T) *ConfigStore {
	t.Helper()
	cs, err := NewConfigStore("", Config{
		AmountWei:        big.NewInt(1_000_000_000_000_000),
		Cooldown:         24 * time.Hour,
		MaxAddresses:     3,
		ChainID:          421614,
		GasMarginPercent: 120,
		FallbackGasLimit: 25000,
	})
	require.NoError(t, err)
	return cs
}

func allow(identities ...string) stubSource {
	m := make(map[string]bool)
	for _, k := range identities {
		m[k] = true
	}
	return stubSource{approved: m}
}

func TestEvaluateInvalidAddress(t *testing.T) {
	eng := NewEngine(testConfig(t), ledger.NewMemoryStore(), allow(), zerolog.Nop())

	for _, raw := range []string{"", "nonsense", "0x123", "0xzz000000000000000000000000000000000000aa"} {
		d := eng.Evaluate(context.Background(), "u1", raw, time.Now())
		require.False(t, d.Allowed)
		require.Equal(t, DenyInvalidAddress, d.Reason, "input %q", raw)
	}
}

func TestEvaluateNotWhitelisted(t *testing.T) {
	eng := NewEngine(testConfig(t), ledger.NewMemoryStore(), allow(), zerolog.Nop())

	d := eng.Evaluate(context.Background(), "u2", addrB, time.Now())
	require.False(t, d.Allowed)
	require.Equal(t, DenyNotWhitelisted, d.Reason)
	require.Equal(t, addrB, d.Address)
}

func TestEvaluateAllowsFreshClaim(t *testing.T) {
	eng := NewEngine(testConfig(t), ledger.NewMemoryStore(), allow("u1|"+addrA), zerolog.Nop())

	d := eng.Evaluate(context.Background(), "u1", addrA, time.Now())
	require.True(t, d.Allowed)
	require.Equal(t, addrA, d.Address)
}

func TestEvaluateAddressCooldown(t *testing.T) {
	store := ledger.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.Append(context.Background(), ledger.Record{
		Identity: "u1", Address: addrA, ClaimedAt: now, TxRef: "0x01",
	}))

	eng := NewEngine(testConfig(t), store, allow("u1|"+addrA), zerolog.Nop())

	d := eng.Evaluate(context.Background(), "u1", addrA, now.Add(time.Hour))
	require.False(t, d.Allowed)
	require.Equal(t, DenyAddressOnCooldown, d.Reason)
	require.Equal(t, 23*time.Hour, d.RetryAfter)

	// window is sliding: eligible again exactly at T+cooldown
	d = eng.Evaluate(context.Background(), "u1", addrA, now.Add(24*time.Hour))
	require.True(t, d.Allowed)
}

func TestEvaluateCooldownIgnoresAddressCase(t *testing.T) {
	store := ledger.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.Append(context.Background(), ledger.Record{
		Identity: "u1", Address: addrA, ClaimedAt: now, TxRef: "0x01",
	}))

	eng := NewEngine(testConfig(t), store, allow("u1|"+addrA), zerolog.Nop())

	// same address with shouty casing must not dodge the cooldown
	mixed := "0x00000000000000000000000000000000000000AA"
	d := eng.Evaluate(context.Background(), "u1", mixed, now.Add(time.Hour))
	require.False(t, d.Allowed)
	require.Equal(t, DenyAddressOnCooldown, d.Reason)
}

func TestEvaluateIdentityCap(t *testing.T) {
	store := ledger.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0).UTC()
	for i, addr := range []string{addrA, addrB, addrC} {
		require.NoError(t, store.Append(context.Background(), ledger.Record{
			Identity: "u3", Address: addr, ClaimedAt: now.Add(time.Duration(i) * time.Minute), TxRef: "0x01",
		}))
	}

	eng := NewEngine(testConfig(t), store, allow("u3|"+addrD), zerolog.Nop())

	// addrD itself has no cooldown, but u3 already used 3 distinct addresses
	d := eng.Evaluate(context.Background(), "u3", addrD, now.Add(time.Hour))
	require.False(t, d.Allowed)
	require.Equal(t, DenyIdentityCapReached, d.Reason)

	// once the oldest claims slide out of the window the cap frees up
	d = eng.Evaluate(context.Background(), "u3", addrD, now.Add(24*time.Hour+5*time.Minute))
	require.True(t, d.Allowed)
}

func TestEvaluateCapCountsDistinctNotTotal(t *testing.T) {
	store := ledger.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0).UTC()
	// many claims but only two distinct addresses
	for i := 0; i < 5; i++ {
		addr := addrA
		if i%2 == 0 {
			addr = addrB
		}
		require.NoError(t, store.Append(context.Background(), ledger.Record{
			Identity: "u1", Address: addr, ClaimedAt: now.Add(time.Duration(i) * time.Minute), TxRef: "0x01",
		}))
	}

	eng := NewEngine(testConfig(t), store, allow("u1|"+addrC), zerolog.Nop())
	d := eng.Evaluate(context.Background(), "u1", addrC, now.Add(time.Hour))
	require.True(t, d.Allowed)
}

func TestEvaluateFailsClosed(t *testing.T) {
	eng := NewEngine(testConfig(t), ledger.NewMemoryStore(), stubSource{err: errors.New("rpc timeout")}, zerolog.Nop())

	d := eng.Evaluate(context.Background(), "u1", addrA, time.Now())
	require.False(t, d.Allowed)
	require.Equal(t, DenyUnavailable, d.Reason)
}

func TestConfigStoreUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	defaults := Config{
		AmountWei:        big.NewInt(1_000_000_000_000_000),
		Cooldown:         24 * time.Hour,
		MaxAddresses:     3,
		ChainID:          421614,
		GasMarginPercent: 120,
		FallbackGasLimit: 25000,
	}
	cs, err := NewConfigStore(path, defaults)
	require.NoError(t, err)

	_, err = cs.Update(func(c *Config) {
		c.AmountWei = big.NewInt(2_000_000_000_000_000)
		c.Cooldown = 12 * time.Hour
	})
	require.NoError(t, err)

	// fresh store sees the persisted values over the defaults
	cs2, err := NewConfigStore(path, defaults)
	require.NoError(t, err)
	got := cs2.Current()
	require.Equal(t, "2000000000000000", got.AmountWei.String())
	require.Equal(t, 12*time.Hour, got.Cooldown)
}

func TestConfigStoreRejectsInvalidUpdate(t *testing.T) {
	cs := testConfig(t)

	_, err := cs.Update(func(c *Config) { c.AmountWei = big.NewInt(0) })
	require.Error(t, err)

	// rejected update leaves the current snapshot untouched
	require.Equal(t, "1000000000000000", cs.Current().AmountWei.String())
}

func TestConfigSnapshotIsolation(t *testing.T) {
	cs := testConfig(t)
	snap := cs.Current()
	snap.AmountWei.SetInt64(7)

	require.Equal(t, "1000000000000000", cs.Current().AmountWei.String())
}
