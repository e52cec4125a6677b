package poller

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"roomwatch/internal/notify"
	"roomwatch/internal/status"
	"roomwatch/internal/storage"
	"roomwatch/internal/subs"
	"roomwatch/pkg/logx"
)

type fakeFetcher struct {
	mu     sync.Mutex
	states map[string]status.State
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, room string) status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if s, ok := f.states[room]; ok {
		return s
	}
	return status.StateUnknown
}

type sentMsg struct {
	user int64
	room string
	kind notify.Kind
	text string
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMsg
	outcome func(user int64) notify.Outcome
}

func (f *fakeSender) Send(_ context.Context, user int64, room string, kind notify.Kind, text string) notify.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{user: user, room: room, kind: kind, text: text})
	if f.outcome != nil {
		return f.outcome(user)
	}
	return notify.Sent
}

func (f *fakeSender) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

type runnerFixture struct {
	st     storage.Store
	repo   *subs.Repository
	cache  *status.Cache
	fetch  *fakeFetcher
	send   *fakeSender
	runner *Runner
	now    time.Time
}

func newFixture(t *testing.T, cfg Config) *runnerFixture {
	t.Helper()
	st := storage.NewMemory()
	f := &runnerFixture{
		st:    st,
		repo:  subs.New(st, logx.Nop()),
		cache: status.NewCache(time.Minute),
		fetch: &fakeFetcher{states: map[string]status.State{}},
		send:  &fakeSender{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.runner = NewRunner(cfg, st, f.repo, f.cache, f.fetch, f.send, logx.Nop())
	f.runner.now = func() time.Time { return f.now }
	f.runner.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func (f *runnerFixture) subscribe(t *testing.T, user int64, room string) {
	t.Helper()
	if err := f.repo.Subscribe(context.Background(), user, room); err != nil {
		t.Fatalf("subscribe %d -> %s: %v", user, room, err)
	}
}

func (f *runnerFixture) seedRecord(t *testing.T, room string, rec *status.Record) {
	t.Helper()
	if err := f.st.Set(context.Background(), subs.StatusKey(room), status.EncodeRecord(rec), 0); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func (f *runnerFixture) record(t *testing.T, room string) *status.Record {
	t.Helper()
	b, _, ok, err := f.st.Get(context.Background(), subs.StatusKey(room))
	if err != nil || !ok {
		t.Fatalf("record for %s: ok=%v err=%v", room, ok, err)
	}
	rec, err := status.DecodeRecord(b)
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return rec
}

func TestCycleWentOnlineRecordsButDoesNotNotify(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.subscribe(t, 7, "alpha")
	f.fetch.states["alpha"] = status.StateOnline

	if err := f.runner.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if msgs := f.send.messages(); len(msgs) != 0 {
		t.Fatalf("transition notified before the grace period: %v", msgs)
	}
	rec := f.record(t, "alpha")
	if rec.Status != status.StateOnline {
		t.Fatalf("record status = %v", rec.Status)
	}
	if rec.OnlineSince == nil || !rec.OnlineSince.Equal(f.now) {
		t.Fatalf("online_since = %v, want %v", rec.OnlineSince, f.now)
	}
	if len(rec.NotifiedUsers) != 0 {
		t.Fatalf("fresh session has notified users: %v", rec.NotifiedUsers)
	}
}

func TestCycleWithinGraceStaysQuiet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.subscribe(t, 7, "alpha")
	f.fetch.states["alpha"] = status.StateOnline
	since := f.now.Add(-time.Minute) // grace defaults to 2m
	f.seedRecord(t, "alpha", &status.Record{Status: status.StateOnline, OnlineSince: &since, NotifiedUsers: []int64{}})

	if err := f.runner.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if msgs := f.send.messages(); len(msgs) != 0 {
		t.Fatalf("notified inside the grace period: %v", msgs)
	}
}

func TestCycleGraceElapsedNotifiesPendingSubscribersOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.subscribe(t, 1, "alpha")
	f.subscribe(t, 2, "alpha")
	f.fetch.states["alpha"] = status.StateOnline
	since := f.now.Add(-3 * time.Minute)
	f.seedRecord(t, "alpha", &status.Record{Status: status.StateOnline, OnlineSince: &since, NotifiedUsers: []int64{2}})

	if err := f.runner.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	msgs := f.send.messages()
	if len(msgs) != 1 || msgs[0].user != 1 || msgs[0].kind != notify.KindOnline {
		t.Fatalf("messages = %v, want one online notice to user 1", msgs)
	}
	if !strings.Contains(msgs[0].text, "alpha") {
		t.Fatalf("notification text %q does not name the room", msgs[0].text)
	}

	rec := f.record(t, "alpha")
	if len(rec.NotifiedUsers) != 2 {
		t.Fatalf("notified_users = %v, want both subscribers", rec.NotifiedUsers)
	}
	if rec.LastNotification == nil || !rec.LastNotification.Equal(f.now) {
		t.Fatalf("last_notification = %v", rec.LastNotification)
	}

	// The next cycle has nobody pending and stays silent.
	f.cache.Clear()
	if err := f.runner.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if msgs := f.send.messages(); len(msgs) != 1 {
		t.Fatalf("second cycle re-notified: %v", msgs)
	}
}

func TestCycleWentOfflineNotifiesImmediatelyWithDuration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.subscribe(t, 1, "alpha")
	f.subscribe(t, 2, "alpha")
	f.fetch.states["alpha"] = status.StateOffline
	since := f.now.Add(-90 * time.Minute)
	f.seedRecord(t, "alpha", &status.Record{Status: status.StateOnline, OnlineSince: &since, NotifiedUsers: []int64{1, 2}})

	if err := f.runner.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	msgs := f.send.messages()
	if len(msgs) != 2 {
		t.Fatalf("offline fan-out reached %d users, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.kind != notify.KindOffline {
			t.Fatalf("kind = %v", m.kind)
		}
		if !strings.Contains(m.text, "1hr 30m") {
			t.Fatalf("text %q missing session duration", m.text)
		}
	}

	rec := f.record(t, "alpha")
	if rec.Status != status.StateOffline || rec.OnlineSince != nil {
		t.Fatalf("record after offline = %+v", rec)
	}
}

func TestCycleOfflineToOfflineIsQuiet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.subscribe(t, 1, "alpha")
	f.fetch.states["alpha"] = status.StateOffline

	if err := f.runner.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if msgs := f.send.messages(); len(msgs) != 0 {
		t.Fatalf("offline room produced notifications: %v", msgs)
	}
}

func TestCycleAmbiguousReadSkipsRoom(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.subscribe(t, 1, "alpha")
	f.fetch.states["alpha"] = status.StateUnknown

	if err := f.runner.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if msgs := f.send.messages(); len(msgs) != 0 {
		t.Fatalf("ambiguous read notified: %v", msgs)
	}
	ctx := context.Background()
	if _, _, ok, _ := f.st.Get(ctx, subs.StatusKey("alpha")); ok {
		t.Fatalf("ambiguous read wrote a status record")
	}
}

func TestCycleErrorBudgetAborts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{BatchSize: 3, ErrorBudget: 2})
	for _, room := range []string{"r1", "r2", "r3", "r4", "r5", "r6"} {
		f.subscribe(t, 1, room)
		// every room reads unknown, burning budget
	}

	if err := f.runner.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	// First batch of 3 exceeds the budget of 2; later batches never fetch.
	if f.fetch.calls != 3 {
		t.Fatalf("fetch calls = %d, want 3", f.fetch.calls)
	}
}

func TestCycleLeaseBlocksConcurrentRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.subscribe(t, 1, "alpha")
	f.fetch.states["alpha"] = status.StateOnline

	ctx := context.Background()
	won, err := storage.PutIfAbsent(ctx, f.st, leaseKey, []byte("held"), time.Minute)
	if err != nil || !won {
		t.Fatalf("seed lease: won=%v err=%v", won, err)
	}

	if err := f.runner.RunCycle(ctx); err != nil {
		t.Fatalf("contended cycle: %v", err)
	}
	if f.fetch.calls != 0 {
		t.Fatalf("contended cycle polled %d rooms", f.fetch.calls)
	}

	// Once the holder releases, the next cycle runs and releases its own
	// lease on the way out.
	if err := f.st.Delete(ctx, leaseKey); err != nil {
		t.Fatalf("release seed lease: %v", err)
	}
	if err := f.runner.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.fetch.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.fetch.calls)
	}
	if _, _, ok, _ := f.st.Get(ctx, leaseKey); ok {
		t.Fatalf("lease still held after the cycle")
	}
}

func TestFanOutStopsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{FanoutFailCap: 3})
	for u := int64(1); u <= 6; u++ {
		f.subscribe(t, u, "alpha")
	}
	f.fetch.states["alpha"] = status.StateOffline
	since := f.now.Add(-time.Hour)
	f.seedRecord(t, "alpha", &status.Record{Status: status.StateOnline, OnlineSince: &since})
	f.send.outcome = func(int64) notify.Outcome { return notify.Failed }

	if err := f.runner.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := len(f.send.messages()); got != 3 {
		t.Fatalf("send attempts = %d, want cap 3", got)
	}
}

func TestFanOutDedupCountsAsNotified(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.subscribe(t, 1, "alpha")
	f.fetch.states["alpha"] = status.StateOnline
	since := f.now.Add(-3 * time.Minute)
	f.seedRecord(t, "alpha", &status.Record{Status: status.StateOnline, OnlineSince: &since, NotifiedUsers: []int64{}})
	f.send.outcome = func(int64) notify.Outcome { return notify.Deduped }

	if err := f.runner.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	rec := f.record(t, "alpha")
	if len(rec.NotifiedUsers) != 1 || rec.NotifiedUsers[0] != 1 {
		t.Fatalf("deduped delivery not bookkept: %v", rec.NotifiedUsers)
	}
}

func TestCycleRepairsRecordWithoutOnlineSince(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.subscribe(t, 1, "alpha")
	f.fetch.states["alpha"] = status.StateOnline
	f.seedRecord(t, "alpha", &status.Record{Status: status.StateOnline, NotifiedUsers: []int64{}})

	if err := f.runner.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if msgs := f.send.messages(); len(msgs) != 0 {
		t.Fatalf("repair cycle notified: %v", msgs)
	}
	rec := f.record(t, "alpha")
	if rec.OnlineSince == nil || !rec.OnlineSince.Equal(f.now) {
		t.Fatalf("online_since not restarted: %v", rec.OnlineSince)
	}
}
