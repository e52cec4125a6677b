package subs

import (
	"context"
	"errors"
	"strconv"

	"roomwatch/internal/storage"
	"roomwatch/pkg/logx"
)

const (
	queueKey     = "queue"
	usersKey     = "users"
	userPrefix   = "sub:user:"
	roomPrefix   = "sub:room:"
	statusPrefix = "status:"
)

func userKey(id int64) string    { return userPrefix + strconv.FormatInt(id, 10) }
func roomKey(name string) string { return roomPrefix + name }

// StatusKey is where the poller keeps the per-room status record. The
// repository deletes it when a room leaves the queue so records cannot
// outlive their subscriptions.
func StatusKey(room string) string { return statusPrefix + room }

// Repository manages subscriber/room relations on top of the keyed store.
//
// onRemove, if set, runs after a room has been removed from the queue
// (used by the app to drop the room from the in-memory status cache).
type Repository struct {
	st  storage.Store
	log logx.Logger

	onRemove func(room string)
}

func New(st storage.Store, log logx.Logger) *Repository {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Repository{st: st, log: log}
}

// OnRoomRemoved installs a hook invoked after a room left the queue.
func (r *Repository) OnRoomRemoved(fn func(room string)) { r.onRemove = fn }

// Subscribe records that user watches room.
//
// The (user, room) relation is committed atomically; queue membership is
// ensured in a second bounded-retry step whose failure is logged rather
// than returned, per the error policy for shared-record conflicts.
// An invalid name is a silent no-op.
func (r *Repository) Subscribe(ctx context.Context, user int64, rawName string) error {
	room := Normalize(rawName)
	if room == "" {
		r.log.Debug("subscribe ignored: invalid room name", logx.String("raw", rawName))
		return nil
	}

	if err := r.registerUser(ctx, user); err != nil {
		return err
	}

	uk, rk := userKey(user), roomKey(room)
	err := storage.MutateKeys(ctx, r.st, []string{uk, rk}, func(cur map[string][]byte) (map[string]storage.Write, error) {
		rooms, addedRoom := addString(decodeStrings(cur[uk]), room)
		subscribers, addedSub := addInt64(decodeInt64s(cur[rk]), user)
		if !addedRoom && !addedSub {
			return nil, storage.ErrSkip // already subscribed
		}
		return map[string]storage.Write{
			uk: {Value: encodeStrings(rooms)},
			rk: {Value: encodeInt64s(subscribers)},
		}, nil
	})
	if err != nil {
		return err
	}

	// Queue insertion may lose races with concurrent unsubscribes of other
	// rooms; it converges on its own retry budget. Exhaustion is logged,
	// the next Subscribe call (or any cycle touching the queue) heals it.
	if err := storage.Mutate(ctx, r.st, queueKey, func(cur []byte) ([]byte, error) {
		q, added := addString(decodeStrings(cur), room)
		if !added {
			return nil, storage.ErrSkip
		}
		return encodeStrings(q), nil
	}); err != nil {
		r.log.Error("queue insert failed", logx.String("room", room), logx.Err(err))
	}
	return nil
}

// Unsubscribe removes the relation. When the room's last subscriber
// leaves, the room is removed from the queue and its status record is
// deleted — all inside one compare-and-swap batch so the subscriber count
// is re-checked against the exact versions being written.
func (r *Repository) Unsubscribe(ctx context.Context, user int64, rawName string) error {
	room := Normalize(rawName)
	if room == "" {
		return nil
	}
	removed, err := r.unsubscribeOne(ctx, user, room)
	if err != nil {
		return err
	}
	if removed && r.onRemove != nil {
		r.onRemove(room)
	}
	return nil
}

// unsubscribeOne reports whether the room was removed from the queue.
func (r *Repository) unsubscribeOne(ctx context.Context, user int64, room string) (bool, error) {
	uk, rk := userKey(user), roomKey(room)
	queueRemoved := false

	err := storage.MutateKeys(ctx, r.st, []string{uk, rk, queueKey}, func(cur map[string][]byte) (map[string]storage.Write, error) {
		queueRemoved = false

		rooms, hadRoom := removeString(decodeStrings(cur[uk]), room)
		subscribers, hadSub := removeInt64(decodeInt64s(cur[rk]), user)
		if !hadRoom && !hadSub {
			return nil, storage.ErrSkip
		}

		out := map[string]storage.Write{
			uk: {Value: encodeStrings(rooms)},
		}
		if len(subscribers) == 0 {
			// Last subscriber left: drop the room everywhere.
			out[rk] = storage.Write{Value: nil}
			q, inQueue := removeString(decodeStrings(cur[queueKey]), room)
			if inQueue {
				out[queueKey] = storage.Write{Value: encodeStrings(q)}
			}
			queueRemoved = true
		} else {
			out[rk] = storage.Write{Value: encodeInt64s(subscribers)}
		}
		return out, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			r.log.Error("unsubscribe abandoned after retries",
				logx.Int64("user", user), logx.String("room", room))
			return false, nil
		}
		return false, err
	}

	if queueRemoved {
		if derr := r.st.Delete(ctx, StatusKey(room)); derr != nil {
			r.log.Warn("status record delete failed", logx.String("room", room), logx.Err(derr))
		}
	}
	return queueRemoved, nil
}

// Subscriptions returns the rooms a subscriber watches.
func (r *Repository) Subscriptions(ctx context.Context, user int64) ([]string, error) {
	b, _, _, err := r.st.Get(ctx, userKey(user))
	if err != nil {
		return nil, err
	}
	return decodeStrings(b), nil
}

// Subscribers returns the subscriber ids of a room.
func (r *Repository) Subscribers(ctx context.Context, rawName string) ([]int64, error) {
	room := Normalize(rawName)
	if room == "" {
		return nil, nil
	}
	b, _, _, err := r.st.Get(ctx, roomKey(room))
	if err != nil {
		return nil, err
	}
	return decodeInt64s(b), nil
}

// Queue returns the deduplicated set of rooms currently being polled.
func (r *Repository) Queue(ctx context.Context) ([]string, error) {
	b, _, _, err := r.st.Get(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	return decodeStrings(b), nil
}

// Users returns the registry of known subscriber ids.
func (r *Repository) Users(ctx context.Context) ([]int64, error) {
	b, _, _, err := r.st.Get(ctx, usersKey)
	if err != nil {
		return nil, err
	}
	return decodeInt64s(b), nil
}

// PurgeSubscriber unsubscribes the user from every room (triggering the
// usual queue cleanup per room) and drops them from the registry. Used
// when the transport reports the recipient permanently unreachable.
func (r *Repository) PurgeSubscriber(ctx context.Context, user int64) error {
	rooms, err := r.Subscriptions(ctx, user)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		removed, err := r.unsubscribeOne(ctx, user, room)
		if err != nil {
			r.log.Warn("purge: unsubscribe failed", logx.Int64("user", user), logx.String("room", room), logx.Err(err))
			continue
		}
		if removed && r.onRemove != nil {
			r.onRemove(room)
		}
	}

	if err := r.st.Delete(ctx, userKey(user)); err != nil {
		return err
	}
	err = storage.Mutate(ctx, r.st, usersKey, func(cur []byte) ([]byte, error) {
		ids, had := removeInt64(decodeInt64s(cur), user)
		if !had {
			return nil, storage.ErrSkip
		}
		return encodeInt64s(ids), nil
	})
	if errors.Is(err, storage.ErrConflict) {
		r.log.Error("registry removal abandoned after retries", logx.Int64("user", user))
		return nil
	}
	return err
}

func (r *Repository) registerUser(ctx context.Context, user int64) error {
	err := storage.Mutate(ctx, r.st, usersKey, func(cur []byte) ([]byte, error) {
		ids, added := addInt64(decodeInt64s(cur), user)
		if !added {
			return nil, storage.ErrSkip
		}
		return encodeInt64s(ids), nil
	})
	if errors.Is(err, storage.ErrConflict) {
		r.log.Error("user registration abandoned after retries", logx.Int64("user", user))
		return nil
	}
	return err
}
