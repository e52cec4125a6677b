package storage

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Retry bounds for optimistic mutations. Conflicts are expected to be rare
// (command handlers racing the poll cycle), so a small budget with jitter
// is enough; past it the operation is abandoned and the caller logs.
const (
	mutateMaxAttempts = 5
	mutateMaxJitter   = 100 * time.Millisecond
)

// MutateKeys is the one reusable read-modify-commit primitive every shared
// record goes through.
//
// fn receives the current values (absent keys map to nil) and returns the
// keys to write: a nil value requests deletion, keys missing from the
// returned map are left untouched. The commit is a single atomic
// compare-and-swap batch against the versions read; on a version conflict
// the whole read-modify-commit sequence is retried with jittered delay, up
// to mutateMaxAttempts, after which ErrConflict is returned.
//
// fn may return ErrSkip to report success without writing anything.
func MutateKeys(ctx context.Context, st Store, keys []string, fn func(cur map[string][]byte) (map[string]Write, error)) error {
	for attempt := 0; attempt < mutateMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepJitter(ctx); err != nil {
				return err
			}
		}

		cur := make(map[string][]byte, len(keys))
		vers := make(map[string]int64, len(keys))
		for _, k := range keys {
			v, ver, ok, err := st.Get(ctx, k)
			if err != nil {
				return err
			}
			if ok {
				cur[k] = v
			}
			vers[k] = ver
		}

		next, err := fn(cur)
		if errors.Is(err, ErrSkip) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(next) == 0 {
			return nil
		}

		ops := make([]Op, 0, len(next))
		for k, w := range next {
			ver, tracked := vers[k]
			if !tracked {
				// fn may only write keys it read through this mutation.
				return errors.New("storage: mutation wrote untracked key " + k)
			}
			ops = append(ops, Op{Key: k, Version: ver, Value: w.Value, TTL: w.TTL})
		}

		ok, err := st.CompareAndSwap(ctx, ops)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrConflict
}

// Write is one pending key write produced by a MutateKeys closure.
// Value nil deletes the key.
type Write struct {
	Value []byte
	TTL   time.Duration
}

// Mutate is the single-key convenience form of MutateKeys.
// fn returns the new value (nil deletes) or ErrSkip to leave it alone.
func Mutate(ctx context.Context, st Store, key string, fn func(cur []byte) ([]byte, error)) error {
	return MutateKeys(ctx, st, []string{key}, func(cur map[string][]byte) (map[string]Write, error) {
		next, err := fn(cur[key])
		if err != nil {
			return nil, err
		}
		return map[string]Write{key: {Value: next}}, nil
	})
}

func sleepJitter(ctx context.Context) error {
	d := time.Duration(rand.Int63n(int64(mutateMaxJitter)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
