package status

import (
	"context"
	"encoding/json"
	"time"

	"roomwatch/internal/storage"
	"roomwatch/internal/subs"
	"roomwatch/pkg/logx"
)

// State is the observed availability of a room.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"

	// StateUnknown means the upstream read was ambiguous (timeout, parse
	// failure, rate limit). Transition logic skips unknown reads.
	StateUnknown State = "unknown"
)

// Record is the persisted per-room status, kept at "status:<room>".
//
// OnlineSince is set exactly while Status is online. NotifiedUsers holds
// the subscribers already notified for the current online session, so the
// grace-period fan-out never notifies twice.
type Record struct {
	Status           State      `json:"status"`
	OnlineSince      *time.Time `json:"online_since"`
	NotifiedUsers    []int64    `json:"notified_users"`
	LastNotification *time.Time `json:"last_notification_time"`
}

// Clone returns a deep copy. The cache hands out and stores only copies so
// callers can never alias each other's records.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.OnlineSince != nil {
		t := *r.OnlineSince
		cp.OnlineSince = &t
	}
	if r.LastNotification != nil {
		t := *r.LastNotification
		cp.LastNotification = &t
	}
	cp.NotifiedUsers = append([]int64(nil), r.NotifiedUsers...)
	return &cp
}

func DecodeRecord(b []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func EncodeRecord(r *Record) []byte {
	b, _ := json.Marshal(r)
	return b
}

// Migrate backfills legacy status records to the canonical schema.
//
// Earlier deployments stored only {status, online_since}; the notification
// bookkeeping fields were added later without a migration step. This runs
// once at startup, is idempotent, and rewrites only records whose raw JSON
// is missing a canonical field.
func Migrate(ctx context.Context, st storage.Store, log logx.Logger) error {
	items, err := st.ListPrefix(ctx, subs.StatusKey(""))
	if err != nil {
		return err
	}
	migrated := 0
	for _, it := range items {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(it.Value, &raw); err != nil {
			log.Warn("dropping unreadable status record", logx.String("key", it.Key), logx.Err(err))
			_ = st.Delete(ctx, it.Key)
			continue
		}
		_, hasUsers := raw["notified_users"]
		_, hasLast := raw["last_notification_time"]
		if hasUsers && hasLast {
			continue
		}
		rec, err := DecodeRecord(it.Value)
		if err != nil {
			continue
		}
		if rec.NotifiedUsers == nil {
			rec.NotifiedUsers = []int64{}
		}
		ok, err := st.CompareAndSwap(ctx, []storage.Op{{Key: it.Key, Version: it.Version, Value: EncodeRecord(rec)}})
		if err != nil {
			return err
		}
		if ok {
			migrated++
		}
	}
	if migrated > 0 {
		log.Info("status records migrated", logx.Int("count", migrated))
	}
	return nil
}
