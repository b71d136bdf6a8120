package feishu

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/peregrinehq/larkgate/internal/observability"
)

// Client implements Messenger on the official Lark SDK REST client.
type Client struct {
	api     *lark.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// ClientOptions configures the SDK client.
type ClientOptions struct {
	AppID     string
	AppSecret string
	// Domain overrides the API base URL, e.g. for Lark international.
	// Empty uses the SDK default (Feishu).
	Domain  string
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// NewClient builds an SDK-backed messenger for one app.
func NewClient(opts ClientOptions) *Client {
	var clientOpts []lark.ClientOptionFunc
	if domain := strings.TrimSpace(opts.Domain); domain != "" {
		clientOpts = append(clientOpts, lark.WithOpenBaseUrl(domain))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:     lark.NewClient(opts.AppID, opts.AppSecret, clientOpts...),
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// SendMessage sends a text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (*SentMessage, error) {
	ctx, span := c.tracer.TraceProviderCall(ctx, "send_message")
	defer span.End()

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType("text").
			Content(TextContent(text)).
			Build()).
		Build()

	resp, err := c.api.Im.Message.Create(ctx, req)
	if err != nil {
		c.metrics.Provider("send_message", err)
		c.tracer.RecordError(span, err)
		return nil, fmt.Errorf("send message: %w", err)
	}
	if !resp.Success() {
		err := apiError(resp.Code, resp.Msg)
		c.metrics.Provider("send_message", err)
		c.tracer.RecordError(span, err)
		return nil, err
	}
	c.metrics.Provider("send_message", nil)

	sent := &SentMessage{ChatID: chatID}
	if resp.Data != nil {
		if resp.Data.MessageId != nil {
			sent.MessageID = *resp.Data.MessageId
		}
		if resp.Data.ChatId != nil {
			sent.ChatID = *resp.Data.ChatId
		}
	}
	return sent, nil
}

// ReplyMessage sends a text message replying to messageID.
func (c *Client) ReplyMessage(ctx context.Context, messageID, text string) (*SentMessage, error) {
	ctx, span := c.tracer.TraceProviderCall(ctx, "reply_message")
	defer span.End()

	req := larkim.NewReplyMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewReplyMessageReqBodyBuilder().
			MsgType("text").
			Content(TextContent(text)).
			Build()).
		Build()

	resp, err := c.api.Im.Message.Reply(ctx, req)
	if err != nil {
		c.metrics.Provider("reply_message", err)
		c.tracer.RecordError(span, err)
		return nil, fmt.Errorf("reply message: %w", err)
	}
	if !resp.Success() {
		err := apiError(resp.Code, resp.Msg)
		c.metrics.Provider("reply_message", err)
		c.tracer.RecordError(span, err)
		return nil, err
	}
	c.metrics.Provider("reply_message", nil)

	sent := &SentMessage{}
	if resp.Data != nil {
		if resp.Data.MessageId != nil {
			sent.MessageID = *resp.Data.MessageId
		}
		if resp.Data.ChatId != nil {
			sent.ChatID = *resp.Data.ChatId
		}
	}
	return sent, nil
}

// AddReaction attaches an emoji reaction to a message. Feishu is
// idempotent here: re-adding the same emoji returns the existing reaction
// id.
func (c *Client) AddReaction(ctx context.Context, messageID, emojiType string) (string, error) {
	ctx, span := c.tracer.TraceProviderCall(ctx, "add_reaction")
	defer span.End()

	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().
				EmojiType(emojiType).
				Build()).
			Build()).
		Build()

	resp, err := c.api.Im.MessageReaction.Create(ctx, req)
	if err != nil {
		c.metrics.Provider("add_reaction", err)
		c.tracer.RecordError(span, err)
		return "", fmt.Errorf("add reaction: %w", err)
	}
	if !resp.Success() {
		err := apiError(resp.Code, resp.Msg)
		c.metrics.Provider("add_reaction", err)
		c.tracer.RecordError(span, err)
		return "", err
	}
	c.metrics.Provider("add_reaction", nil)

	if resp.Data != nil && resp.Data.ReactionId != nil {
		return *resp.Data.ReactionId, nil
	}
	return "", nil
}

// RemoveReaction detaches a reaction by id.
func (c *Client) RemoveReaction(ctx context.Context, messageID, reactionID string) error {
	ctx, span := c.tracer.TraceProviderCall(ctx, "remove_reaction")
	defer span.End()

	req := larkim.NewDeleteMessageReactionReqBuilder().
		MessageId(messageID).
		ReactionId(reactionID).
		Build()

	resp, err := c.api.Im.MessageReaction.Delete(ctx, req)
	if err != nil {
		c.metrics.Provider("remove_reaction", err)
		c.tracer.RecordError(span, err)
		return fmt.Errorf("remove reaction: %w", err)
	}
	if !resp.Success() {
		err := apiError(resp.Code, resp.Msg)
		c.metrics.Provider("remove_reaction", err)
		c.tracer.RecordError(span, err)
		return err
	}
	c.metrics.Provider("remove_reaction", nil)
	return nil
}

// ListReactions lists reactions of one emoji type on a message.
func (c *Client) ListReactions(ctx context.Context, messageID, emojiType string) ([]ReactionEntry, error) {
	ctx, span := c.tracer.TraceProviderCall(ctx, "list_reactions")
	defer span.End()

	req := larkim.NewListMessageReactionReqBuilder().
		MessageId(messageID).
		ReactionType(emojiType).
		Build()

	resp, err := c.api.Im.MessageReaction.List(ctx, req)
	if err != nil {
		c.metrics.Provider("list_reactions", err)
		c.tracer.RecordError(span, err)
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	if !resp.Success() {
		err := apiError(resp.Code, resp.Msg)
		c.metrics.Provider("list_reactions", err)
		c.tracer.RecordError(span, err)
		return nil, err
	}
	c.metrics.Provider("list_reactions", nil)

	if resp.Data == nil {
		return nil, nil
	}
	entries := make([]ReactionEntry, 0, len(resp.Data.Items))
	for _, item := range resp.Data.Items {
		if item == nil {
			continue
		}
		entry := ReactionEntry{}
		if item.ReactionId != nil {
			entry.ReactionID = *item.ReactionId
		}
		if item.Operator != nil && item.Operator.OperatorType != nil {
			entry.OperatorType = *item.Operator.OperatorType
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// FetchMessage retrieves one message by id.
func (c *Client) FetchMessage(ctx context.Context, messageID string) (*FetchedMessage, error) {
	ctx, span := c.tracer.TraceProviderCall(ctx, "fetch_message")
	defer span.End()

	req := larkim.NewGetMessageReqBuilder().
		MessageId(messageID).
		Build()

	resp, err := c.api.Im.Message.Get(ctx, req)
	if err != nil {
		c.metrics.Provider("fetch_message", err)
		c.tracer.RecordError(span, err)
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	if !resp.Success() {
		err := apiError(resp.Code, resp.Msg)
		c.metrics.Provider("fetch_message", err)
		c.tracer.RecordError(span, err)
		return nil, err
	}
	c.metrics.Provider("fetch_message", nil)

	if resp.Data == nil || len(resp.Data.Items) == 0 || resp.Data.Items[0] == nil {
		return nil, fmt.Errorf("fetch message: %s not found", messageID)
	}
	item := resp.Data.Items[0]
	fetched := &FetchedMessage{MessageID: messageID}
	if item.MsgType != nil {
		fetched.MsgType = *item.MsgType
	}
	if item.Body != nil && item.Body.Content != nil {
		fetched.Content = *item.Body.Content
	}
	if item.Sender != nil && item.Sender.Id != nil {
		fetched.SenderOpenID = *item.Sender.Id
	}
	return fetched, nil
}

// GetUserName resolves an open id to the user's display name.
func (c *Client) GetUserName(ctx context.Context, openID string) (string, error) {
	ctx, span := c.tracer.TraceProviderCall(ctx, "get_user")
	defer span.End()

	req := larkcontact.NewGetUserReqBuilder().
		UserId(openID).
		UserIdType("open_id").
		Build()

	resp, err := c.api.Contact.V3.User.Get(ctx, req)
	if err != nil {
		c.metrics.Provider("get_user", err)
		c.tracer.RecordError(span, err)
		return "", fmt.Errorf("get user: %w", err)
	}
	if !resp.Success() {
		err := apiError(resp.Code, resp.Msg)
		c.metrics.Provider("get_user", err)
		c.tracer.RecordError(span, err)
		return "", err
	}
	c.metrics.Provider("get_user", nil)

	if resp.Data == nil || resp.Data.User == nil || resp.Data.User.Name == nil {
		return "", fmt.Errorf("get user: no name for %s", openID)
	}
	return *resp.Data.User.Name, nil
}
