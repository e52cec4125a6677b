package status

import (
	"context"
	"sync"
	"time"
)

const (
	gateMinDelay = 1 * time.Second
	gateMaxDelay = 30 * time.Second
)

// Gate is the single shared pacing gate in front of all status fetches.
//
// It is deliberately global rather than per-room: the upstream rate-limits
// (and bans) by caller, so all fetches serialize through one adaptive
// delay. The delay decays multiplicatively on success and doubles on
// failure, bounded to [1s, 30s].
type Gate struct {
	mu    sync.Mutex
	delay time.Duration
	last  time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewGate() *Gate {
	return &Gate{
		delay: gateMinDelay,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Wait blocks until at least the current delay has passed since the
// previous call, then claims the slot. Calls across goroutines serialize
// on the claimed timestamps, so batch concurrency upstream cannot exceed
// the gate's pacing.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := g.now()
	wait := time.Duration(0)
	if !g.last.IsZero() {
		if elapsed := now.Sub(g.last); elapsed < g.delay {
			wait = g.delay - elapsed
		}
	}
	// Claim the slot before sleeping so concurrent callers queue behind us.
	g.last = now.Add(wait)
	sleep := g.sleep
	g.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	return sleep(ctx, wait)
}

// Success decays the delay toward the floor.
func (g *Gate) Success() {
	g.mu.Lock()
	g.delay = time.Duration(float64(g.delay) * 0.9)
	if g.delay < gateMinDelay {
		g.delay = gateMinDelay
	}
	g.mu.Unlock()
}

// Failure doubles the delay up to the cap. Rate-limit responses land here
// too, which is the whole point.
func (g *Gate) Failure() {
	g.mu.Lock()
	g.delay *= 2
	if g.delay > gateMaxDelay {
		g.delay = gateMaxDelay
	}
	g.mu.Unlock()
}

// Delay reports the current enforced spacing.
func (g *Gate) Delay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
