package telegram

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
	"roomwatch/internal/transport"
	"roomwatch/pkg/logx"
)

type recordingAdapter struct {
	mu      sync.Mutex
	replies []string
}

func (a *recordingAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *recordingAdapter) Stop(context.Context) error                           { return nil }

func (a *recordingAdapter) SendText(_ context.Context, _ transport.Target, text string, _ *transport.SendOptions) error {
	a.mu.Lock()
	a.replies = append(a.replies, text)
	a.mu.Unlock()
	return nil
}

func (a *recordingAdapter) last(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.replies) == 0 {
		t.Fatalf("no reply sent")
	}
	return a.replies[len(a.replies)-1]
}

func newTestRouter(t *testing.T) (*Router, *recordingAdapter, *subs.Repository, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	repo := subs.New(st, logx.Nop())
	cache := status.NewCache(time.Minute)
	adapter := &recordingAdapter{}
	dedup := notify.NewDeduplicator(st, logx.Nop())
	disp := notify.NewDispatcher(adapter, dedup, 1000, logx.Nop())
	return NewRouter(adapter, repo, cache, disp, st, logx.Nop()), adapter, repo, st
}

func update(user int64, text string) transport.Update {
	return transport.Update{ChatID: user, FromID: user, Text: text}
}

func TestSubscribeCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, adapter, repo, _ := newTestRouter(t)

	r.handle(ctx, update(7, "/subscribe Alpha"))
	if !strings.Contains(adapter.last(t), "alpha") {
		t.Fatalf("reply = %q", adapter.last(t))
	}
	if rooms, _ := repo.Subscriptions(ctx, 7); len(rooms) != 1 || rooms[0] != "alpha" {
		t.Fatalf("subscriptions = %v", rooms)
	}
}

func TestSubscribeWithoutArgAsksAndWaits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, adapter, repo, st := newTestRouter(t)

	r.handle(ctx, update(7, "/subscribe"))
	if !strings.Contains(adapter.last(t), "Which room") {
		t.Fatalf("prompt = %q", adapter.last(t))
	}
	if _, _, ok, _ := st.Get(ctx, convKey(7)); !ok {
		t.Fatalf("conversation state not stored")
	}

	// The follow-up plain message completes the subscription and consumes
	// the conversation record.
	r.handle(ctx, update(7, "alpha"))
	if rooms, _ := repo.Subscriptions(ctx, 7); len(rooms) != 1 {
		t.Fatalf("subscriptions = %v", rooms)
	}
	if _, _, ok, _ := st.Get(ctx, convKey(7)); ok {
		t.Fatalf("conversation state not consumed")
	}

	// A second plain message with no pending conversation is ignored.
	before := len(adapter.replies)
	r.handle(ctx, update(7, "beta"))
	if len(adapter.replies) != before {
		t.Fatalf("stray message produced a reply")
	}
}

func TestUnsubscribeCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, repo, _ := newTestRouter(t)

	_ = repo.Subscribe(ctx, 7, "alpha")
	r.handle(ctx, update(7, "/unsub alpha"))
	if rooms, _ := repo.Subscriptions(ctx, 7); len(rooms) != 0 {
		t.Fatalf("subscriptions = %v", rooms)
	}
}

func TestListCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, adapter, repo, _ := newTestRouter(t)

	r.handle(ctx, update(7, "/list"))
	if !strings.Contains(adapter.last(t), "not watching") {
		t.Fatalf("empty list reply = %q", adapter.last(t))
	}

	_ = repo.Subscribe(ctx, 7, "alpha")
	_ = repo.Subscribe(ctx, 7, "beta")
	r.handle(ctx, update(7, "/list"))
	reply := adapter.last(t)
	if !strings.Contains(reply, "alpha") || !strings.Contains(reply, "beta") {
		t.Fatalf("list reply = %q", reply)
	}
}

func TestStatsCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, adapter, repo, _ := newTestRouter(t)
	_ = repo.Subscribe(ctx, 7, "alpha")

	r.handle(ctx, update(7, "/stats"))
	if !strings.Contains(adapter.last(t), "Rooms polled: 1") {
		t.Fatalf("stats reply = %q", adapter.last(t))
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, cmd, arg string
	}{
		{"/subscribe alpha", "/subscribe", "alpha"},
		{"/Subscribe  alpha  ", "/subscribe", "alpha"},
		{"/list@roomwatch_bot", "/list", ""},
		{"/sub@roomwatch_bot alpha", "/sub", "alpha"},
		{"plain text", "", "plain text"},
		{"/help", "/help", ""},
	}
	for _, tc := range cases {
		cmd, arg := splitCommand(tc.in)
		if cmd != tc.cmd || arg != tc.arg {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)", tc.in, cmd, arg, tc.cmd, tc.arg)
		}
	}
}
