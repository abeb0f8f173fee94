package ledger

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	rec := Record{
		Identity:  "u-pg",
		Address:   "0x00000000000000000000000000000000000000aa",
		ClaimedAt: time.Now().UTC().Truncate(time.Microsecond),
		TxRef:     "0x01",
	}
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	ts, ok, err := store.LastClaimByAddress(ctx, rec.Address)
	if err != nil {
		t.Fatalf("last claim: %v", err)
	}
	if !ok || ts.Before(rec.ClaimedAt) {
		t.Fatalf("unexpected last claim: %v %v", ts, ok)
	}

	got, err := store.RecentClaimsByIdentity(ctx, rec.Identity, rec.ClaimedAt.Add(-time.Minute))
	if err != nil {
		t.Fatalf("recent claims: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("expected at least one record")
	}
}
