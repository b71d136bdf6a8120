// Package feishu binds the gateway control plane to Feishu/Lark: the
// Messenger capability surface, the SDK-backed client, inbound event
// parsing, and the websocket event source.
package feishu

import (
	"context"
)

// SentMessage identifies a message created on the provider.
type SentMessage struct {
	MessageID string
	ChatID    string
}

// ReactionEntry is one reaction currently attached to a message.
type ReactionEntry struct {
	ReactionID   string
	OperatorType string // "app" for bots, "user" otherwise
}

// FetchedMessage is the subset of a provider message needed for
// quoted-message expansion.
type FetchedMessage struct {
	MessageID    string
	MsgType      string
	Content      string
	SenderOpenID string
}

// Messenger is the provider capability surface the control plane consumes.
// The SDK-backed Client implements it in production; feishutest.Recorder
// implements it for tests.
type Messenger interface {
	// SendMessage sends a text message to a chat.
	SendMessage(ctx context.Context, chatID, text string) (*SentMessage, error)

	// ReplyMessage sends a text message replying to an existing message.
	ReplyMessage(ctx context.Context, messageID, text string) (*SentMessage, error)

	// AddReaction attaches an emoji reaction and returns its reaction id.
	// Feishu deduplicates server-side: adding the same emoji twice returns
	// the same reaction id.
	AddReaction(ctx context.Context, messageID, emojiType string) (string, error)

	// RemoveReaction detaches a reaction by its id.
	RemoveReaction(ctx context.Context, messageID, reactionID string) error

	// ListReactions lists reactions of one emoji type on a message.
	ListReactions(ctx context.Context, messageID, emojiType string) ([]ReactionEntry, error)

	// FetchMessage retrieves a message for quoted-message expansion.
	FetchMessage(ctx context.Context, messageID string) (*FetchedMessage, error)

	// GetUserName resolves an open id to a display name.
	GetUserName(ctx context.Context, openID string) (string, error)
}
