package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"roomwatch/internal/notify"
	"roomwatch/internal/status"
	"roomwatch/internal/storage"
	"roomwatch/internal/subs"
	"roomwatch/pkg/logx"
)

// errAmbiguous marks a room whose upstream read was unknown. The room is
// skipped for this cycle (the next cycle retries naturally), but it still
// spends error budget so a degenerate upstream doesn't eat the interval.
var errAmbiguous = errors.New("ambiguous status read")

// Config tunes one poll cycle.
type Config struct {
	BatchSize     int           // rooms fetched per batch (default 10)
	Stagger       time.Duration // per-item delay inside a batch (default 250ms)
	BatchPause    time.Duration // pause between batches (default 1s)
	ErrorBudget   int           // cycle aborts past this many errors (default 5)
	FanoutFailCap int           // consecutive send failures ending one room's fan-out (default 10)
	GracePeriod   time.Duration // online debounce (default 2m)
	LeaseTTL      time.Duration // default 55s
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Stagger <= 0 {
		c.Stagger = 250 * time.Millisecond
	}
	if c.BatchPause <= 0 {
		c.BatchPause = time.Second
	}
	if c.ErrorBudget <= 0 {
		c.ErrorBudget = 5
	}
	if c.FanoutFailCap <= 0 {
		c.FanoutFailCap = 10
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	} else if c.GracePeriod == 0 {
		c.GracePeriod = 2 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	return c
}

// Fetcher reads one room's current state (the status source client).
type Fetcher interface {
	Fetch(ctx context.Context, room string) status.State
}

// Sender delivers one notification (the dispatcher).
type Sender interface {
	Send(ctx context.Context, user int64, room string, kind notify.Kind, text string) notify.Outcome
}

// Runner executes poll cycles. One Runner is shared by all trigger firings;
// the lease serializes actual cycles.
type Runner struct {
	cfg   Config
	st    storage.Store
	repo  *subs.Repository
	cache *status.Cache
	fetch Fetcher
	send  Sender
	log   logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(cfg Config, st storage.Store, repo *subs.Repository, cache *status.Cache, fetch Fetcher, send Sender, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg:   cfg.withDefaults(),
		st:    st,
		repo:  repo,
		cache: cache,
		fetch: fetch,
		send:  send,
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// RunCycle performs one full poll cycle.
//
// Lease contention is a clean skip, not an error. The lease is released in
// the deferred cleanup path on every other outcome, including panics.
func (r *Runner) RunCycle(ctx context.Context) (err error) {
	ok, lerr := acquireLease(ctx, r.st, r.cfg.LeaseTTL)
	if lerr != nil {
		return fmt.Errorf("lease acquire: %w", lerr)
	}
	if !ok {
		r.log.Debug("cycle skipped: lease held")
		return nil
	}

	start := r.now()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("poll cycle panicked", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("poll cycle panic: %v", rec)
		}
		// Release on a background context: the cycle context may already
		// be done, and a held lease blocks every cycle until TTL expiry.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if derr := releaseLease(rctx, r.st); derr != nil {
			r.log.Error("lease release failed", logx.Err(derr))
		}
		r.log.Info("poll cycle finished", logx.Duration("took", r.now().Sub(start)))
	}()

	queue, err := r.repo.Queue(ctx)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	if len(queue) == 0 {
		return nil
	}
	r.log.Debug("poll cycle started", logx.Int("rooms", len(queue)))

	var errCount atomic.Int32
	for i := 0; i < len(queue); i += r.cfg.BatchSize {
		if int(errCount.Load()) > r.cfg.ErrorBudget {
			r.log.Warn("cycle aborted: error budget exhausted",
				logx.Int("errors", int(errCount.Load())), logx.Int("budget", r.cfg.ErrorBudget))
			break
		}

		end := min(i+r.cfg.BatchSize, len(queue))
		batch := queue[i:end]

		var wg sync.WaitGroup
		for idx, room := range batch {
			wg.Add(1)
			go func(idx int, room string) {
				defer wg.Done()
				defer func() {
					if rec := recover(); rec != nil {
						errCount.Add(1)
						r.log.Error("room processing panicked", logx.String("room", room), logx.Any("panic", rec))
					}
				}()
				// Stagger fetch starts so the gate queue stays shallow.
				if idx > 0 {
					if r.sleep(ctx, time.Duration(idx)*r.cfg.Stagger) != nil {
						return
					}
				}
				if perr := r.processRoom(ctx, room); perr != nil {
					errCount.Add(1)
					if errors.Is(perr, errAmbiguous) {
						r.log.Debug("room skipped", logx.String("room", room))
					} else {
						r.log.Warn("room processing failed", logx.String("room", room), logx.Err(perr))
					}
				}
			}(idx, room)
		}
		wg.Wait()

		if end < len(queue) {
			if r.sleep(ctx, r.cfg.BatchPause) != nil {
				break
			}
		}
	}
	return nil
}

// processRoom runs the strictly sequential per-room pipeline:
// status-read, transition-decision, status-write, notification-dispatch.
func (r *Runner) processRoom(ctx context.Context, room string) error {
	state := r.fetch.Fetch(ctx, room)
	if state == status.StateUnknown {
		return errAmbiguous
	}

	prev, err := r.loadRecord(ctx, room)
	if err != nil {
		return err
	}

	switch {
	case state == status.StateOnline && prev.Status != status.StateOnline:
		return r.handleWentOnline(ctx, room)

	case state == status.StateOnline:
		return r.handleStillOnline(ctx, room, prev)

	case state == status.StateOffline && prev.Status == status.StateOnline:
		return r.handleWentOffline(ctx, room, prev)
	}
	return nil // offline and was offline: nothing to do
}

// loadRecord reads through the cache; an absent record defaults to offline
// so a first observation of "online" registers as a transition.
func (r *Runner) loadRecord(ctx context.Context, room string) (*status.Record, error) {
	if rec, ok := r.cache.Get(room); ok {
		return rec, nil
	}
	b, _, ok, err := r.st.Get(ctx, subs.StatusKey(room))
	if err != nil {
		return nil, fmt.Errorf("read status record: %w", err)
	}
	rec := &status.Record{Status: status.StateOffline}
	if ok {
		if dec, derr := status.DecodeRecord(b); derr == nil {
			rec = dec
		}
	}
	r.cache.Set(room, rec)
	return rec, nil
}

// handleWentOnline records the transition but defers notification until
// the room has stayed online for the grace period. Short "flicker" online
// events therefore never reach subscribers.
func (r *Runner) handleWentOnline(ctx context.Context, room string) error {
	now := r.now()
	rec := &status.Record{Status: status.StateOnline, OnlineSince: &now, NotifiedUsers: []int64{}}
	if err := r.writeRecord(ctx, room, rec); err != nil {
		return err
	}
	r.log.Info("room went online", logx.String("room", room), logx.Duration("grace", r.cfg.GracePeriod))
	return nil
}

// handleStillOnline re-verifies the grace period each cycle and notifies
// the subscribers not yet recorded for this online session.
func (r *Runner) handleStillOnline(ctx context.Context, room string, prev *status.Record) error {
	now := r.now()
	if prev.OnlineSince == nil {
		// Legacy or torn record: restart the session bookkeeping.
		rec := &status.Record{Status: status.StateOnline, OnlineSince: &now, NotifiedUsers: prev.NotifiedUsers}
		return r.writeRecord(ctx, room, rec)
	}
	if now.Sub(*prev.OnlineSince) < r.cfg.GracePeriod {
		return nil
	}

	subscribers, err := r.repo.Subscribers(ctx, room)
	if err != nil {
		return fmt.Errorf("resolve subscribers: %w", err)
	}
	pending := subtract(subscribers, prev.NotifiedUsers)
	if len(pending) == 0 {
		return nil
	}

	delivered := r.fanOut(ctx, room, notify.KindOnline, onlineText(room), pending)
	if len(delivered) == 0 {
		return nil
	}
	return r.markNotified(ctx, room, delivered, now)
}

// handleWentOffline notifies immediately: offline transitions are not
// spam-prone and timeliness matters more than debouncing.
func (r *Runner) handleWentOffline(ctx context.Context, room string, prev *status.Record) error {
	now := r.now()
	rec := &status.Record{Status: status.StateOffline, NotifiedUsers: []int64{}, LastNotification: &now}
	if err := r.writeRecord(ctx, room, rec); err != nil {
		return err
	}

	var session time.Duration
	if prev.OnlineSince != nil {
		session = now.Sub(*prev.OnlineSince)
	}
	r.log.Info("room went offline", logx.String("room", room), logx.Duration("session", session))

	subscribers, err := r.repo.Subscribers(ctx, room)
	if err != nil {
		return fmt.Errorf("resolve subscribers: %w", err)
	}
	r.fanOut(ctx, room, notify.KindOffline, offlineText(room, prev.OnlineSince, now), subscribers)
	return nil
}

// fanOut sends text to each user and returns who was handled (sent, or
// suppressed by dedup, which also counts as notified). A run of
// FanoutFailCap consecutive transient failures stops the remaining sends
// for this room to bound worst-case cycle time under a mass outage.
func (r *Runner) fanOut(ctx context.Context, room string, kind notify.Kind, text string, users []int64) []int64 {
	var delivered []int64
	consecutive := 0
	for _, u := range users {
		switch r.send.Send(ctx, u, room, kind, text) {
		case notify.Sent, notify.Deduped:
			delivered = append(delivered, u)
			consecutive = 0
		case notify.Purged:
			consecutive = 0
		case notify.Failed:
			consecutive++
			if consecutive >= r.cfg.FanoutFailCap {
				r.log.Warn("fan-out stopped: consecutive send failures",
					logx.String("room", room), logx.Int("cap", r.cfg.FanoutFailCap))
				return delivered
			}
		}
	}
	return delivered
}

// writeRecord commits the record through the CAS retry primitive and
// refreshes the cache. Conflicts past the budget are logged and accepted;
// the next cycle self-heals from the stored state.
func (r *Runner) writeRecord(ctx context.Context, room string, rec *status.Record) error {
	err := storage.Mutate(ctx, r.st, subs.StatusKey(room), func([]byte) ([]byte, error) {
		return status.EncodeRecord(rec), nil
	})
	if errors.Is(err, storage.ErrConflict) {
		r.log.Error("status write abandoned after retries", logx.String("room", room))
		return nil
	}
	if err != nil {
		return fmt.Errorf("write status record: %w", err)
	}
	r.cache.Set(room, rec)
	return nil
}

// markNotified appends the delivered users to the current online session's
// bookkeeping. The closure re-reads the live record, so it cannot clobber
// a session that ended while the fan-out was running.
func (r *Runner) markNotified(ctx context.Context, room string, delivered []int64, at time.Time) error {
	var final *status.Record
	err := storage.Mutate(ctx, r.st, subs.StatusKey(room), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, storage.ErrSkip
		}
		rec, derr := status.DecodeRecord(cur)
		if derr != nil || rec.Status != status.StateOnline {
			return nil, storage.ErrSkip
		}
		for _, u := range delivered {
			rec.NotifiedUsers = appendUnique(rec.NotifiedUsers, u)
		}
		t := at
		rec.LastNotification = &t
		final = rec
		return status.EncodeRecord(rec), nil
	})
	if errors.Is(err, storage.ErrConflict) {
		r.log.Error("notified-users update abandoned after retries", logx.String("room", room))
		return nil
	}
	if err != nil {
		return err
	}
	if final != nil {
		r.cache.Set(room, final)
	}
	return nil
}

func onlineText(room string) string {
	return fmt.Sprintf("🟢 <b>%s</b> is now online!", room)
}

func offlineText(room string, since *time.Time, now time.Time) string {
	if since == nil {
		return fmt.Sprintf("⚫ <b>%s</b> went offline.", room)
	}
	return fmt.Sprintf("⚫ <b>%s</b> went offline after %s.", room, formatDuration(now.Sub(*since)))
}

func subtract(all, exclude []int64) []int64 {
	if len(exclude) == 0 {
		return all
	}
	seen := make(map[int64]struct{}, len(exclude))
	for _, u := range exclude {
		seen[u] = struct{}{}
	}
	var out []int64
	for _, u := range all {
		if _, ok := seen[u]; !ok {
			out = append(out, u)
		}
	}
	return out
}

func appendUnique(set []int64, v int64) []int64 {
	for _, s := range set {
		if s == v {
			return set
		}
	}
	return append(set, v)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
