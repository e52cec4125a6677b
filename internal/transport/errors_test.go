package transport

import (
	"errors"
	"fmt"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestIsRecipientGone(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"blocked sentinel", tele.ErrBlockedByUser, true},
		{"deactivated sentinel", tele.ErrUserIsDeactivated, true},
		{"chat not found sentinel", tele.ErrChatNotFound, true},
		{"wrapped sentinel", fmt.Errorf("send: %w", tele.ErrBlockedByUser), true},
		{"blocked message", errors.New("telegram: Forbidden: bot was blocked by the user (403)"), true},
		{"kicked message", errors.New("telegram: Forbidden: bot was kicked from the group chat (403)"), true},
		{"cannot initiate", errors.New("telegram: Forbidden: bot can't initiate conversation with a user (403)"), true},
		{"transient 502", errors.New("telegram: Bad Gateway (502)"), false},
		{"rate limit", errors.New("telegram: retry after 5 (429)"), false},
		{"plain error", errors.New("dial tcp: i/o timeout"), false},
	}
	for _, tc := range cases {
		if got := IsRecipientGone(tc.err); got != tc.want {
			t.Errorf("%s: IsRecipientGone = %v, want %v", tc.name, got, tc.want)
		}
	}
}
