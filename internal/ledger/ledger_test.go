package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryStoreQueries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	if _, ok, _ := store.LastClaimByAddress(ctx, "0xaaa"); ok {
		t.Fatalf("expected no claim for fresh address")
	}

	recs := []Record{
		{Identity: "u1", Address: "0xaaa", ClaimedAt: base, TxRef: "0x01"},
		{Identity: "u1", Address: "0xbbb", ClaimedAt: base.Add(time.Hour), TxRef: "0x02"},
		{Identity: "u2", Address: "0xccc", ClaimedAt: base.Add(2 * time.Hour), TxRef: "0x03"},
	}
	for _, rec := range recs {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ts, ok, _ := store.LastClaimByAddress(ctx, "0xbbb")
	if !ok || !ts.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected last claim: %v %v", ts, ok)
	}

	got, _ := store.RecentClaimsByIdentity(ctx, "u1", base.Add(-time.Minute))
	if len(got) != 2 {
		t.Fatalf("expected 2 claims for u1, got %d", len(got))
	}
	if !got[0].ClaimedAt.Before(got[1].ClaimedAt) {
		t.Fatalf("claims not in ascending order")
	}

	// cutoff is exclusive
	got, _ = store.RecentClaimsByIdentity(ctx, "u1", base)
	if len(got) != 1 || got[0].TxRef != "0x02" {
		t.Fatalf("unexpected claims after cutoff: %+v", got)
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	rec := Record{
		Identity:  "u1",
		Address:   "0xaaa",
		ClaimedAt: time.Unix(1_700_000_000, 0).UTC(),
		TxRef:     "0xdeadbeef",
	}
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	ts, ok, _ := store2.LastClaimByAddress(ctx, "0xaaa")
	if !ok || !ts.Equal(rec.ClaimedAt) {
		t.Fatalf("unexpected last claim after reload: %v %v", ts, ok)
	}
	got, _ := store2.RecentClaimsByIdentity(ctx, "u1", time.Time{})
	if len(got) != 1 || got[0].TxRef != "0xdeadbeef" {
		t.Fatalf("unexpected records after reload: %+v", got)
	}
}

func TestFileStoreAppendFailureLeavesNoRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	// replace the target with a directory so the flush fails
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	ctx := context.Background()
	rec := Record{Identity: "u1", Address: "0xaaa", ClaimedAt: time.Now(), TxRef: "0x01"}
	if err := store.Append(ctx, rec); err == nil {
		t.Fatalf("expected append to fail")
	}

	if _, ok, _ := store.LastClaimByAddress(ctx, "0xaaa"); ok {
		t.Fatalf("failed append must not be visible")
	}
	got, _ := store.RecentClaimsByIdentity(ctx, "u1", time.Time{})
	if len(got) != 0 {
		t.Fatalf("failed append must not be queryable: %+v", got)
	}
}
