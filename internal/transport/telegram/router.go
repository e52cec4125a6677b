package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"roomwatch/internal/notify"
	"roomwatch/internal/status"
	"roomwatch/internal/storage"
	"roomwatch/internal/subs"
	"roomwatch/internal/transport"
	"roomwatch/pkg/logx"
)

// ConvPrefix scopes the per-user ephemeral conversation records. The
// sweeper job physically removes expired ones.
const ConvPrefix = "conv:"

// convTTL bounds how long the bot waits for the follow-up room name.
const convTTL = 10 * time.Minute

// Router is the thin command façade over the subscription repository.
// It holds no domain logic: commands map one-to-one onto repository
// operations plus read-only cache/queue stats.
type Router struct {
	adapter transport.Adapter
	repo    *subs.Repository
	cache   *status.Cache
	disp    *notify.Dispatcher
	st      storage.Store
	log     logx.Logger
}

func NewRouter(adapter transport.Adapter, repo *subs.Repository, cache *status.Cache, disp *notify.Dispatcher, st storage.Store, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{adapter: adapter, repo: repo, cache: cache, disp: disp, st: st, log: log}
}

// Run consumes updates until ctx is done.
func (r *Router) Run(ctx context.Context, in <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-in:
			if !ok {
				return
			}
			r.handle(ctx, up)
		}
	}
}

func (r *Router) handle(ctx context.Context, up transport.Update) {
	text := strings.TrimSpace(up.Text)
	cmd, arg := splitCommand(text)

	switch cmd {
	case "/start", "/help":
		r.reply(ctx, up, helpText)

	case "/subscribe", "/sub":
		if arg == "" {
			r.awaitRoom(ctx, up, "subscribe")
			return
		}
		r.doSubscribe(ctx, up, arg)

	case "/unsubscribe", "/unsub":
		if arg == "" {
			r.awaitRoom(ctx, up, "unsubscribe")
			return
		}
		r.doUnsubscribe(ctx, up, arg)

	case "/list":
		r.doList(ctx, up)

	case "/stats":
		r.doStats(ctx, up)

	default:
		// Not a command: maybe the room name we asked for.
		if pending := r.takeConversation(ctx, up.FromID); pending != "" {
			switch pending {
			case "subscribe":
				r.doSubscribe(ctx, up, text)
			case "unsubscribe":
				r.doUnsubscribe(ctx, up, text)
			}
		}
	}
}

const helpText = `<b>roomwatch</b> keeps an eye on rooms for you.

/subscribe &lt;room&gt; — get notified when a room goes online or offline
/unsubscribe &lt;room&gt; — stop watching a room
/list — rooms you are watching
/stats — bot counters`

func (r *Router) doSubscribe(ctx context.Context, up transport.Update, raw string) {
	room := subs.Normalize(raw)
	if room == "" {
		r.reply(ctx, up, "That doesn't look like a valid room name.")
		return
	}
	if err := r.repo.Subscribe(ctx, up.FromID, room); err != nil {
		r.log.Warn("subscribe failed", logx.Int64("user", up.FromID), logx.Err(err))
		r.reply(ctx, up, "Something went wrong, please try again.")
		return
	}
	r.reply(ctx, up, fmt.Sprintf("Watching <b>%s</b>. You'll hear from me on status changes.", room))
}

func (r *Router) doUnsubscribe(ctx context.Context, up transport.Update, raw string) {
	room := subs.Normalize(raw)
	if room == "" {
		r.reply(ctx, up, "That doesn't look like a valid room name.")
		return
	}
	if err := r.repo.Unsubscribe(ctx, up.FromID, room); err != nil {
		r.log.Warn("unsubscribe failed", logx.Int64("user", up.FromID), logx.Err(err))
		r.reply(ctx, up, "Something went wrong, please try again.")
		return
	}
	r.reply(ctx, up, fmt.Sprintf("Stopped watching <b>%s</b>.", room))
}

func (r *Router) doList(ctx context.Context, up transport.Update) {
	rooms, err := r.repo.Subscriptions(ctx, up.FromID)
	if err != nil {
		r.log.Warn("list failed", logx.Int64("user", up.FromID), logx.Err(err))
		r.reply(ctx, up, "Something went wrong, please try again.")
		return
	}
	if len(rooms) == 0 {
		r.reply(ctx, up, "You are not watching any rooms yet. Try /subscribe.")
		return
	}
	var b strings.Builder
	b.WriteString("You are watching:\n")
	for _, room := range rooms {
		b.WriteString("• <b>")
		b.WriteString(room)
		b.WriteString("</b>\n")
	}
	r.reply(ctx, up, b.String())
}

func (r *Router) doStats(ctx context.Context, up transport.Update) {
	queue, err := r.repo.Queue(ctx)
	if err != nil {
		r.reply(ctx, up, "Something went wrong, please try again.")
		return
	}
	users, _ := r.repo.Users(ctx)
	st := r.disp.Stats()
	msg := fmt.Sprintf(
		"Rooms polled: %d\nSubscribers: %d\nCache entries: %d\nSent: %d  Deduped: %d  Failed: %d  Purged: %d",
		len(queue), len(users), r.cache.Len(), st.Sent, st.Deduped, st.Failed, st.Purged,
	)
	r.reply(ctx, up, msg)
}

// awaitRoom stores the pending action and asks for the room name. The
// record expires on its own if the user never answers.
func (r *Router) awaitRoom(ctx context.Context, up transport.Update, action string) {
	if err := r.st.Set(ctx, convKey(up.FromID), []byte(action), convTTL); err != nil {
		r.log.Warn("conversation state write failed", logx.Int64("user", up.FromID), logx.Err(err))
	}
	r.reply(ctx, up, "Which room? Send me the name.")
}

// takeConversation consumes the pending action, if any. Expired records
// read as absent, so a stale entry can never hijack an unrelated message.
func (r *Router) takeConversation(ctx context.Context, user int64) string {
	key := convKey(user)
	b, _, ok, err := r.st.Get(ctx, key)
	if err != nil || !ok {
		return ""
	}
	_ = r.st.Delete(ctx, key)
	return string(b)
}

func convKey(user int64) string { return ConvPrefix + strconv.FormatInt(user, 10) }

func (r *Router) reply(ctx context.Context, up transport.Update, text string) {
	err := r.adapter.SendText(ctx, transport.Target{ChatID: up.ChatID}, text, &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
	})
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", up.ChatID), logx.Err(err))
	}
}

func splitCommand(text string) (cmd, arg string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	parts := strings.SplitN(text, " ", 2)
	cmd = strings.ToLower(parts[0])
	// Strip the @botname suffix of group-style commands.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}
