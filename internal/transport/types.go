package transport

import "context"

// Update is one inbound message from the chat platform. Only plain text
// commands reach the bot; everything else is dropped at the adapter.
type Update struct {
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// Target addresses one outbound message. For this bot a target is always a
// private chat with a subscriber, so the chat id doubles as the user id.
type Target struct {
	ChatID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the message-delivery collaborator. The core never talks to
// the chat platform directly; it hands text to an Adapter and classifies
// failures with IsRecipientGone.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to Target, text string, opt *SendOptions) error
}
