package feishu

import (
	"strconv"
	"strings"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// Mention is one @-mention carried by an inbound message.
type Mention struct {
	Key    string
	OpenID string
	Name   string
}

// InboundMessage is the typed view of one message-receive event. Text has
// mention placeholders rendered into readable @Name(id) form with the
// bot's own mention stripped.
type InboundMessage struct {
	MessageID    string
	ChatID       string
	ChatType     string // "p2p" for direct chats, "group" otherwise
	MsgType      string
	SenderOpenID string
	SenderIsBot  bool
	Text         string
	Mentions     []Mention
	RootID       string
	ParentID     string
	CreateTimeMs int64
}

// IsGroup reports whether the message arrived in a group chat.
func (m *InboundMessage) IsGroup() bool {
	return m.ChatType != "" && m.ChatType != "p2p"
}

// ParseMessage extracts the typed view from a raw message-receive event.
// Returns nil when the event is unusable: missing payload, unsupported
// message type, or empty content. Mentions of botOpenID are stripped from
// Text but kept in Mentions so callers can still detect them.
func ParseMessage(event *larkim.P2MessageReceiveV1, botOpenID string) *InboundMessage {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}
	raw := event.Event.Message

	msgType := strings.ToLower(strings.TrimSpace(deref(raw.MessageType)))
	if msgType != "text" && msgType != "post" {
		return nil
	}

	chatID := deref(raw.ChatId)
	if chatID == "" {
		return nil
	}

	var text string
	switch msgType {
	case "text":
		text = extractTextContent(deref(raw.Content), raw.Mentions, botOpenID)
	case "post":
		text = extractPostContent(deref(raw.Content), raw.Mentions, botOpenID)
	}
	if text == "" {
		return nil
	}

	msg := &InboundMessage{
		MessageID:    deref(raw.MessageId),
		ChatID:       chatID,
		ChatType:     strings.ToLower(strings.TrimSpace(deref(raw.ChatType))),
		MsgType:      msgType,
		SenderOpenID: extractSenderID(event),
		SenderIsBot:  isBotSender(event),
		Text:         text,
		Mentions:     extractMentions(raw.Mentions),
		RootID:       deref(raw.RootId),
		ParentID:     deref(raw.ParentId),
		CreateTimeMs: parseMillis(deref(raw.CreateTime)),
	}
	return msg
}

// extractSenderID prefers open_id, falling back to user_id then union_id.
func extractSenderID(event *larkim.P2MessageReceiveV1) string {
	if event == nil || event.Event == nil || event.Event.Sender == nil || event.Event.Sender.SenderId == nil {
		return ""
	}
	id := strings.TrimSpace(deref(event.Event.Sender.SenderId.OpenId))
	if id != "" {
		return id
	}
	id = strings.TrimSpace(deref(event.Event.Sender.SenderId.UserId))
	if id != "" {
		return id
	}
	return strings.TrimSpace(deref(event.Event.Sender.SenderId.UnionId))
}

func isBotSender(event *larkim.P2MessageReceiveV1) bool {
	if event == nil || event.Event == nil || event.Event.Sender == nil {
		return false
	}
	return deref(event.Event.Sender.SenderType) == "app"
}

func extractMentions(raw []*larkim.MentionEvent) []Mention {
	if len(raw) == 0 {
		return nil
	}
	var out []Mention
	for _, m := range raw {
		if m == nil {
			continue
		}
		mention := Mention{
			Key:  strings.TrimSpace(deref(m.Key)),
			Name: strings.TrimSpace(deref(m.Name)),
		}
		if m.Id != nil {
			mention.OpenID = strings.TrimSpace(deref(m.Id.OpenId))
			if mention.OpenID == "" {
				mention.OpenID = strings.TrimSpace(deref(m.Id.UserId))
			}
			if mention.OpenID == "" {
				mention.OpenID = strings.TrimSpace(deref(m.Id.UnionId))
			}
		}
		if mention.Key == "" && mention.OpenID == "" && mention.Name == "" {
			continue
		}
		out = append(out, mention)
	}
	return out
}

func parseMillis(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
