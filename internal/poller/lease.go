package poller

import (
	"context"
	"strconv"
	"time"

	"roomwatch/internal/storage"
)

const leaseKey = "lease:poll"

// DefaultLeaseTTL is strictly shorter than the one-minute poll trigger so
// a lease orphaned by a crash expires before the next scheduled cycle.
const DefaultLeaseTTL = 55 * time.Second

// acquireLease claims the singleton cycle lease. It reports false on
// contention, which is a normal concurrency-control outcome and not an
// error.
func acquireLease(ctx context.Context, st storage.Store, ttl time.Duration) (bool, error) {
	v := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return storage.PutIfAbsent(ctx, st, leaseKey, []byte(v), ttl)
}

func releaseLease(ctx context.Context, st storage.Store) error {
	return st.Delete(ctx, leaseKey)
}
