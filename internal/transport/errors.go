package transport

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// IsRecipientGone reports whether a send failure means the recipient is
// permanently unreachable (blocked the bot, deleted their account, chat
// gone). The dispatcher purges such subscribers; every other failure class
// is transient and only logged.
func IsRecipientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrChatNotFound) {
		return true
	}
	// Telegram phrases not covered by telebot's sentinel set.
	msg := err.Error()
	for _, s := range []string{
		"bot was blocked by the user",
		"user is deactivated",
		"bot can't initiate conversation",
		"bot was kicked",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
