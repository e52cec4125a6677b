package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"roomwatch/internal/storage"
	"roomwatch/pkg/logx"
)

const (
	// DedupWindow is the minimum spacing between identical notifications.
	DedupWindow = 5 * time.Minute

	// dedupKeep is how long a mark stays in the store before key expiry
	// removes it. Longer than the window so the store self-cleans without
	// ever under-counting.
	dedupKeep = 10 * time.Minute
)

// Kind names a status transition for dedup purposes.
type Kind string

const (
	KindOnline  Kind = "online"
	KindOffline Kind = "offline"
)

// Deduplicator tracks recent (subscriber, room, kind) notification marks
// so a transition observed by several poll cycles in a row (flapping
// status, or a status write racing the next cycle) sends exactly once per
// window.
type Deduplicator struct {
	st     storage.Store
	window time.Duration
	keep   time.Duration
	now    func() time.Time
	log    logx.Logger
}

func NewDeduplicator(st storage.Store, log logx.Logger) *Deduplicator {
	return NewDeduplicatorAt(st, log, time.Now)
}

func NewDeduplicatorAt(st storage.Store, log logx.Logger, now func() time.Time) *Deduplicator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deduplicator{st: st, window: DedupWindow, keep: dedupKeep, now: now, log: log}
}

func dedupKey(user int64, room string, kind Kind) string {
	return fmt.Sprintf("dedup:%d:%s:%s", user, room, kind)
}

// IsRecent reports whether an identical notification was recorded within
// the dedup window. Store failures read as "not recent": a duplicate
// message is the cheaper failure mode than a silently dropped one.
func (d *Deduplicator) IsRecent(ctx context.Context, user int64, room string, kind Kind) bool {
	b, _, ok, err := d.st.Get(ctx, dedupKey(user, room, kind))
	if err != nil {
		d.log.Debug("dedup read failed", logx.String("room", room), logx.Err(err))
		return false
	}
	if !ok {
		return false
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return false
	}
	return d.now().Sub(time.UnixMilli(ms)) < d.window
}

// Record marks the notification as sent now. The key expires on its own.
func (d *Deduplicator) Record(ctx context.Context, user int64, room string, kind Kind) {
	v := strconv.FormatInt(d.now().UnixMilli(), 10)
	if err := d.st.Set(ctx, dedupKey(user, room, kind), []byte(v), d.keep); err != nil {
		d.log.Debug("dedup write failed", logx.String("room", room), logx.Err(err))
	}
}
