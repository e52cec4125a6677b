package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"roomwatch/internal/transport"
	"roomwatch/pkg/logx"
)

// Outcome classifies one dispatch attempt.
type Outcome int

const (
	// Sent: delivered.
	Sent Outcome = iota
	// Deduped: suppressed by the dedup window, counts as handled.
	Deduped
	// Failed: transient delivery failure; the subscriber stays.
	Failed
	// Purged: permanent recipient failure; the subscriber was removed
	// from every subscription and the registry.
	Purged
)

// Stats are lightweight delivery counters for the /stats command.
type Stats struct {
	Sent    uint64
	Deduped uint64
	Failed  uint64
	Purged  uint64
}

// Dispatcher pushes transition notifications to subscribers.
//
// Per-send it applies, in order: the dedup window, the outbound token
// bucket, the actual transport send, and permanent-failure classification.
// A permanently unreachable recipient triggers the purge hook; the caller
// only needs the Outcome.
type Dispatcher struct {
	adapter transport.Adapter
	dedup   *Deduplicator
	purge   func(ctx context.Context, user int64) error
	log     logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
	stats   Stats
}

func NewDispatcher(adapter transport.Adapter, dedup *Deduplicator, ratePerSec int, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{adapter: adapter, dedup: dedup, log: log}
	d.SetRate(ratePerSec)
	return d
}

// OnPermanentFailure installs the purge hook (repository PurgeSubscriber).
func (d *Dispatcher) OnPermanentFailure(fn func(ctx context.Context, user int64) error) {
	d.purge = fn
}

// SetRate swaps the outbound token bucket; applied on config reload.
// Burst equals the per-second rate so short fan-out spikes don't stall.
func (d *Dispatcher) SetRate(perSec int) {
	if perSec <= 0 {
		perSec = 20
	}
	d.mu.Lock()
	d.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	d.mu.Unlock()
}

// Send delivers one transition notification to one subscriber.
func (d *Dispatcher) Send(ctx context.Context, user int64, room string, kind Kind, text string) Outcome {
	if d.dedup.IsRecent(ctx, user, room, kind) {
		d.count(func(s *Stats) { s.Deduped++ })
		return Deduped
	}

	d.mu.Lock()
	lim := d.limiter
	d.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		d.count(func(s *Stats) { s.Failed++ })
		return Failed
	}

	err := d.adapter.SendText(ctx, transport.Target{ChatID: user}, text, &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
	})
	if err == nil {
		d.dedup.Record(ctx, user, room, kind)
		d.count(func(s *Stats) { s.Sent++ })
		return Sent
	}

	if transport.IsRecipientGone(err) {
		d.log.Info("purging unreachable subscriber", logx.Int64("user", user), logx.Err(err))
		if d.purge != nil {
			if perr := d.purge(ctx, user); perr != nil {
				d.log.Warn("subscriber purge failed", logx.Int64("user", user), logx.Err(perr))
			}
		}
		d.count(func(s *Stats) { s.Purged++ })
		return Purged
	}

	d.log.Warn("notification send failed", logx.Int64("user", user), logx.String("room", room), logx.Err(err))
	d.count(func(s *Stats) { s.Failed++ })
	return Failed
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}
