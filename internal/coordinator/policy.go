package coordinator

import (
	"sync"

	"github.com/peregrinehq/larkgate/internal/feishu"
)

// AccountPolicy is the per-account engagement policy from configuration.
// Empty allowlists allow everything of their kind.
type AccountPolicy struct {
	AccountID string

	// BotOpenID and BotName identify the bot for mention detection;
	// BotName is the fallback when the open id is not configured.
	BotOpenID string
	BotName   string

	// RequireMention gates group messages on an explicit bot mention.
	RequireMention bool

	// AllowGroups lists engageable group chat ids.
	AllowGroups []string
	// AllowDMs lists open ids allowed to use the bot in direct chats.
	AllowDMs []string
	// GroupSenders restricts senders per group chat id.
	GroupSenders map[string][]string
}

// Allows reports whether the policy lets msg engage the agent.
func (p AccountPolicy) Allows(msg *feishu.InboundMessage) bool {
	if msg.IsGroup() {
		if len(p.AllowGroups) > 0 && !containsString(p.AllowGroups, msg.ChatID) {
			return false
		}
		if senders := p.GroupSenders[msg.ChatID]; len(senders) > 0 && !containsString(senders, msg.SenderOpenID) {
			return false
		}
		if p.RequireMention && !p.MentionsBot(msg) {
			return false
		}
		return true
	}
	if len(p.AllowDMs) > 0 && !containsString(p.AllowDMs, msg.SenderOpenID) {
		return false
	}
	return true
}

// MentionsBot reports whether msg @-mentions this bot.
func (p AccountPolicy) MentionsBot(msg *feishu.InboundMessage) bool {
	for _, m := range msg.Mentions {
		if p.BotOpenID != "" && m.OpenID == p.BotOpenID {
			return true
		}
		if p.BotName != "" && m.Name == p.BotName {
			return true
		}
	}
	return false
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// historyEntry is one gated-out group message kept for later context.
type historyEntry struct {
	SenderOpenID string
	Text         string
	AtMs         int64
}

// chatHistory is a bounded per-chat ring of messages the bot saw but did
// not engage, replayed into the envelope when the bot is next addressed.
type chatHistory struct {
	mu     sync.Mutex
	limit  int
	byChat map[string][]historyEntry
}

func newChatHistory(limit int) *chatHistory {
	if limit <= 0 {
		limit = historyRingLimit
	}
	return &chatHistory{limit: limit, byChat: map[string][]historyEntry{}}
}

// Record appends entry to the chat's ring, evicting the oldest past the
// limit.
func (h *chatHistory) Record(chatID string, entry historyEntry) {
	if chatID == "" || entry.Text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := append(h.byChat[chatID], entry)
	if len(ring) > h.limit {
		ring = ring[len(ring)-h.limit:]
	}
	h.byChat[chatID] = ring
}

// Drain returns and clears the chat's ring, so one engagement consumes
// the context and the next starts fresh.
func (h *chatHistory) Drain(chatID string) []historyEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := h.byChat[chatID]
	if len(ring) == 0 {
		return nil
	}
	delete(h.byChat, chatID)
	return ring
}

// Len reports the chat's current ring size.
func (h *chatHistory) Len(chatID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byChat[chatID])
}
