package status

import (
	"context"
	"testing"
	"time"

	"roomwatch/internal/storage"
	"roomwatch/internal/subs"
	"roomwatch/pkg/logx"
)

func TestRecordClone(t *testing.T) {
	t.Parallel()
	since := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	last := since.Add(time.Hour)
	orig := &Record{Status: StateOnline, OnlineSince: &since, NotifiedUsers: []int64{1, 2}, LastNotification: &last}

	cp := orig.Clone()
	cp.NotifiedUsers[0] = 99
	*cp.OnlineSince = cp.OnlineSince.Add(time.Hour)
	*cp.LastNotification = cp.LastNotification.Add(time.Hour)

	if orig.NotifiedUsers[0] != 1 || !orig.OnlineSince.Equal(since) || !orig.LastNotification.Equal(last) {
		t.Fatalf("clone aliases the original: %+v", orig)
	}

	var nilRec *Record
	if nilRec.Clone() != nil {
		t.Fatalf("nil clone is not nil")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()
	since := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	rec := &Record{Status: StateOnline, OnlineSince: &since, NotifiedUsers: []int64{5}}

	got, err := DecodeRecord(EncodeRecord(rec))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != StateOnline || !got.OnlineSince.Equal(since) || len(got.NotifiedUsers) != 1 {
		t.Fatalf("round trip mangled record: %+v", got)
	}
}

func TestMigrateBackfillsLegacyRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	// Legacy record predating the notification bookkeeping fields.
	legacy := []byte(`{"status":"online","online_since":"2026-03-01T11:00:00Z"}`)
	if err := st.Set(ctx, subs.StatusKey("legacy"), legacy, 0); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}

	canonical := EncodeRecord(&Record{Status: StateOffline, NotifiedUsers: []int64{}})
	if err := st.Set(ctx, subs.StatusKey("canonical"), canonical, 0); err != nil {
		t.Fatalf("seed canonical: %v", err)
	}

	if err := st.Set(ctx, subs.StatusKey("garbage"), []byte("{{nope"), 0); err != nil {
		t.Fatalf("seed garbage: %v", err)
	}

	if err := Migrate(ctx, st, logx.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b, _, ok, _ := st.Get(ctx, subs.StatusKey("legacy"))
	if !ok {
		t.Fatalf("legacy record dropped")
	}
	rec, err := DecodeRecord(b)
	if err != nil {
		t.Fatalf("decode migrated: %v", err)
	}
	if rec.Status != StateOnline || rec.NotifiedUsers == nil || len(rec.NotifiedUsers) != 0 {
		t.Fatalf("migrated record = %+v", rec)
	}
	if rec.OnlineSince == nil {
		t.Fatalf("migration lost online_since")
	}

	// Canonical records are left untouched (version stays at 1).
	_, ver, _, _ := st.Get(ctx, subs.StatusKey("canonical"))
	if ver != 1 {
		t.Fatalf("canonical record rewritten, version = %d", ver)
	}

	if _, _, ok, _ := st.Get(ctx, subs.StatusKey("garbage")); ok {
		t.Fatalf("unreadable record kept")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	legacy := []byte(`{"status":"offline"}`)
	_ = st.Set(ctx, subs.StatusKey("a"), legacy, 0)

	if err := Migrate(ctx, st, logx.Nop()); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	_, ver1, _, _ := st.Get(ctx, subs.StatusKey("a"))

	if err := Migrate(ctx, st, logx.Nop()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	_, ver2, _, _ := st.Get(ctx, subs.StatusKey("a"))
	if ver1 != ver2 {
		t.Fatalf("second migration rewrote the record: %d -> %d", ver1, ver2)
	}
}
