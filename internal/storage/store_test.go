package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWatermarkCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetWatermark(ctx, "main"); err != nil || ok {
		t.Fatalf("expected no watermark, ok=%v err=%v", ok, err)
	}
	if err := store.CompareAndSetWatermark(ctx, "main", 0, false, 10); err != nil {
		t.Fatalf("initial set: %v", err)
	}
	if err := store.CompareAndSetWatermark(ctx, "main", 0, false, 12); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on second initial set, got %v", err)
	}
	if err := store.CompareAndSetWatermark(ctx, "main", 10, true, 20); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.CompareAndSetWatermark(ctx, "main", 10, true, 30); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on stale prev, got %v", err)
	}
	if err := store.CompareAndSetWatermark(ctx, "main", 20, true, 15); err == nil {
		t.Fatalf("expected decrease to be rejected")
	}
	h, ok, err := store.GetWatermark(ctx, "main")
	if err != nil || !ok || h != 20 {
		t.Fatalf("watermark = %d ok=%v err=%v, want 20", h, ok, err)
	}
}

func TestEnsureRecordIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := Record{EventID: "0xabc:1", Kind: "mint", Symbol: "AAPL", Amount: "2000000000000000000", BlockNumber: 7, LogIndex: 1, TxHash: "0xabc"}
	rec, created, err := store.EnsureRecord(ctx, in)
	if err != nil || !created {
		t.Fatalf("ensure: created=%v err=%v", created, err)
	}
	if rec.Status != StatusDiscovered || rec.Amount != in.Amount || rec.LogIndex != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}

	rec.Status = StatusOrderPending
	rec.ClientOrderID = "coid"
	if err := store.UpdateRecord(ctx, rec, StatusDiscovered); err != nil {
		t.Fatalf("update: %v", err)
	}

	again, created, err := store.EnsureRecord(ctx, in)
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
	if again.Status != StatusOrderPending || again.ClientOrderID != "coid" {
		t.Fatalf("second ensure must not reset the record: %+v", again)
	}
}

func TestUpdateRecordCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, _, err := store.EnsureRecord(ctx, Record{EventID: "e1", Kind: "mint", Symbol: "AAPL", Amount: "1", TxHash: "0x1"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	rec.Status = StatusOrderPending
	if err := store.UpdateRecord(ctx, rec, StatusOrderPlaced); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on wrong expected status, got %v", err)
	}
	if err := store.UpdateRecord(ctx, rec, StatusDiscovered); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec.Status = StatusFailed
	rec.ErrorKind = "validation"
	if err := store.UpdateRecord(ctx, rec, StatusOrderPending); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rec.Status = StatusDiscovered
	if err := store.UpdateRecord(ctx, rec, StatusFailed); !errors.Is(err, ErrConflict) {
		t.Fatalf("terminal record must not be modified, got %v", err)
	}
	got, err := store.GetRecord(ctx, "e1")
	if err != nil || got.Status != StatusFailed {
		t.Fatalf("record = %+v err=%v, want failed", got, err)
	}
}

func TestSaveAttemptAppendsLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, _, err := store.EnsureRecord(ctx, Record{EventID: "e1", Kind: "mint", Symbol: "AAPL", Amount: "1", TxHash: "0x1"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	rec.Status = StatusOrderPending
	rec.Attempts = 1
	rec.LastError = "429"
	if err := store.SaveAttempt(ctx, rec, StatusDiscovered, Attempt{EventID: "e1", Step: "order", Number: 1, Outcome: "transient", Error: "429"}); err != nil {
		t.Fatalf("save attempt: %v", err)
	}
	rec.Status = StatusOrderPlaced
	rec.Attempts = 2
	if err := store.SaveAttempt(ctx, rec, StatusOrderPending, Attempt{EventID: "e1", Step: "order", Number: 2, Outcome: "ok"}); err != nil {
		t.Fatalf("save attempt 2: %v", err)
	}

	attempts, err := store.ListAttempts(ctx, "e1")
	if err != nil || len(attempts) != 2 {
		t.Fatalf("attempts = %+v err=%v", attempts, err)
	}

	rec.Status = StatusSettled
	err = store.SaveAttempt(ctx, rec, StatusDiscovered, Attempt{EventID: "e1", Step: "settle", Number: 1, Outcome: "ok"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	attempts, _ = store.ListAttempts(ctx, "e1")
	if len(attempts) != 2 {
		t.Fatalf("conflicting save must roll back the attempt row, got %d", len(attempts))
	}
}

func TestListAndCountRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, r := range []Record{
		{EventID: "b", Kind: "mint", Symbol: "AAPL", Amount: "1", BlockNumber: 9, LogIndex: 0, TxHash: "0x2"},
		{EventID: "a", Kind: "mint", Symbol: "AAPL", Amount: "1", BlockNumber: 5, LogIndex: 3, TxHash: "0x1"},
		{EventID: "c", Kind: "redeem", Symbol: "TSLA", Amount: "1", BlockNumber: 5, LogIndex: 1, TxHash: "0x1"},
	} {
		if _, _, err := store.EnsureRecord(ctx, r); err != nil {
			t.Fatalf("ensure %s: %v", r.EventID, err)
		}
	}
	recs, err := store.ListRecords(ctx, RecordFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 || recs[0].EventID != "c" || recs[1].EventID != "a" || recs[2].EventID != "b" {
		t.Fatalf("records not in chain order: %+v", recs)
	}
	counts, err := store.CountByStatus(ctx)
	if err != nil || counts[StatusDiscovered] != 3 {
		t.Fatalf("counts = %v err=%v", counts, err)
	}
	failed, err := store.ListRecords(ctx, RecordFilter{Status: StatusFailed})
	if err != nil || len(failed) != 0 {
		t.Fatalf("failed = %v err=%v", failed, err)
	}

	c := recs[0]
	c.Status = StatusFailed
	if err := store.UpdateRecord(ctx, c, StatusDiscovered); err != nil {
		t.Fatalf("fail c: %v", err)
	}
	open, err := store.ListRecords(ctx, RecordFilter{Open: true, MaxBlock: 5})
	if err != nil || len(open) != 1 || open[0].EventID != "a" {
		t.Fatalf("open records below block 5 = %+v err=%v", open, err)
	}
}

func TestLeaseAcquireAndRelease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	store.now = func() time.Time { return now }

	ok, err := store.AcquireLease(ctx, "run", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire a: ok=%v err=%v", ok, err)
	}
	ok, err = store.AcquireLease(ctx, "run", "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("b must not acquire held lease: ok=%v err=%v", ok, err)
	}
	ok, err = store.AcquireLease(ctx, "run", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("owner renew: ok=%v err=%v", ok, err)
	}

	now = now.Add(2 * time.Minute)
	ok, err = store.AcquireLease(ctx, "run", "b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("b should take expired lease: ok=%v err=%v", ok, err)
	}

	if err := store.ReleaseLease(ctx, "run", "a"); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	ok, _ = store.AcquireLease(ctx, "run", "a", time.Minute)
	if ok {
		t.Fatalf("non-owner release must not drop the lease")
	}
	if err := store.ReleaseLease(ctx, "run", "b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = store.AcquireLease(ctx, "run", "a", time.Minute)
	if !ok {
		t.Fatalf("expected acquire after release")
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	store.Close()
	if err := store.Ping(ctx); err == nil {
		t.Fatalf("expected ping to fail after close")
	}
}
