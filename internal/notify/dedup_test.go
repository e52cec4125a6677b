package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"roomwatch/internal/storage"
	"roomwatch/pkg/logx"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newTestClock()
	st := storage.NewMemoryAt(clk.Now)
	d := NewDeduplicatorAt(st, logx.Nop(), clk.Now)

	if d.IsRecent(ctx, 7, "alpha", KindOnline) {
		t.Fatalf("unmarked notification reads as recent")
	}

	d.Record(ctx, 7, "alpha", KindOnline)
	if !d.IsRecent(ctx, 7, "alpha", KindOnline) {
		t.Fatalf("just-recorded notification not recent")
	}

	// Different dimensions are independent.
	if d.IsRecent(ctx, 8, "alpha", KindOnline) {
		t.Fatalf("other user's mark matched")
	}
	if d.IsRecent(ctx, 7, "beta", KindOnline) {
		t.Fatalf("other room's mark matched")
	}
	if d.IsRecent(ctx, 7, "alpha", KindOffline) {
		t.Fatalf("other kind's mark matched")
	}

	clk.Advance(DedupWindow)
	if d.IsRecent(ctx, 7, "alpha", KindOnline) {
		t.Fatalf("mark still recent past the window")
	}
}

func TestDedupMarksExpireFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := newTestClock()
	st := storage.NewMemoryAt(clk.Now)
	d := NewDeduplicatorAt(st, logx.Nop(), clk.Now)

	d.Record(ctx, 7, "alpha", KindOnline)
	clk.Advance(dedupKeep)

	if _, _, ok, _ := st.Get(ctx, dedupKey(7, "alpha", KindOnline)); ok {
		t.Fatalf("mark readable past its keep TTL")
	}
	n, err := st.PruneExpired(ctx, "dedup:")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d marks, want 1", n)
	}
}
