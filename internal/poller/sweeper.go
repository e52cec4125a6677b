package poller

import (
	"context"

	"roomwatch/internal/storage"
	"roomwatch/pkg/logx"
)

// Sweeper is the low-frequency companion job that physically removes
// expired ephemeral records (conversation state, stale dedup marks).
// Expiry already hides these keys from every read path, so the sweep is
// pure housekeeping; it holds no lease and may overlap a poll cycle.
type Sweeper struct {
	st       storage.Store
	log      logx.Logger
	prefixes []string
}

func NewSweeper(st storage.Store, log logx.Logger, prefixes ...string) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	return &Sweeper{st: st, log: log, prefixes: prefixes}
}

func (s *Sweeper) Run(ctx context.Context) error {
	total := 0
	for _, p := range s.prefixes {
		n, err := s.st.PruneExpired(ctx, p)
		if err != nil {
			return err
		}
		total += n
	}
	if total > 0 {
		s.log.Info("swept expired records", logx.Int("count", total))
	}
	return nil
}
