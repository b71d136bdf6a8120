package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/peregrinehq/larkgate/internal/feishu"
	"github.com/peregrinehq/larkgate/internal/inflight"
)

// buildEnvelope wraps the task's text in the canonical prompt envelope:
//
//	[feishu <direct|group> chat <chatId>] <RFC3339 time> <sender>:
//	<text>
//
// Group engagements may be preceded by a [Recent group messages] block
// (messages seen while not engaged) and a [Quoted message] block when the
// inbound message replies to another; non-bot mentions are appended as a
// [Mention targets] hint. On resume msg is nil and the envelope replays
// the task's original text alone.
func (c *Coordinator) buildEnvelope(ctx context.Context, task *inflight.Task, msg *feishu.InboundMessage) string {
	var b strings.Builder

	if msg != nil && msg.IsGroup() {
		if recent := c.history.Drain(msg.ChatID); len(recent) > 0 {
			b.WriteString("[Recent group messages]\n")
			for _, entry := range recent {
				b.WriteString(c.senderLabel(ctx, entry.SenderOpenID))
				b.WriteString(": ")
				b.WriteString(entry.Text)
				b.WriteByte('\n')
			}
			b.WriteByte('\n')
		}
	}

	if msg != nil {
		if quoted := c.quotedText(ctx, msg); quoted != "" {
			b.WriteString("[Quoted message]\n")
			b.WriteString(quoted)
			b.WriteString("\n\n")
		}
	}

	kind := "direct"
	if task.ChatType == inflight.ChatGroup {
		kind = "group"
	}
	var ts time.Time
	if msg != nil && msg.CreateTimeMs > 0 {
		ts = time.UnixMilli(msg.CreateTimeMs)
	} else {
		ts = c.now()
	}
	sender := ""
	if msg != nil {
		sender = c.senderLabel(ctx, msg.SenderOpenID)
	} else {
		sender = c.senderLabel(ctx, task.UserOpenID)
	}

	fmt.Fprintf(&b, "[feishu %s chat %s] %s %s:\n", kind, task.ChatID, ts.Format(time.RFC3339), sender)
	b.WriteString(task.OriginalText)

	if msg != nil {
		if targets := c.mentionTargets(msg); len(targets) > 0 {
			b.WriteString("\n\n[Mention targets]\n")
			b.WriteString(strings.Join(targets, "\n"))
		}
	}

	return b.String()
}

// senderLabel resolves an open id to a display name through the LRU
// cache. Lookup failures fall back to the raw open id and are not cached.
func (c *Coordinator) senderLabel(ctx context.Context, openID string) string {
	if openID == "" {
		return "unknown"
	}
	if name, ok := c.senderNames.Get(openID); ok {
		return name
	}
	name, err := c.messenger.GetUserName(ctx, openID)
	if err != nil || strings.TrimSpace(name) == "" {
		return openID
	}
	name = strings.TrimSpace(name)
	c.senderNames.Add(openID, name)
	return name
}

// quotedText expands the message this inbound replies to.
func (c *Coordinator) quotedText(ctx context.Context, msg *feishu.InboundMessage) string {
	if msg.ParentID == "" || msg.ParentID == msg.MessageID {
		return ""
	}
	fetched, err := c.messenger.FetchMessage(ctx, msg.ParentID)
	if err != nil {
		c.logger.Warn("quoted message fetch failed",
			"message_id", msg.ParentID, "error", err)
		return ""
	}
	return feishu.ExtractText(fetched.MsgType, fetched.Content)
}

// mentionTargets lists the non-bot users the message @-mentions, as
// @Name(open_id) lines.
func (c *Coordinator) mentionTargets(msg *feishu.InboundMessage) []string {
	var out []string
	for _, m := range msg.Mentions {
		if m.OpenID != "" && m.OpenID == c.policy.BotOpenID {
			continue
		}
		if m.Name != "" && m.Name == c.policy.BotName {
			continue
		}
		switch {
		case m.Name != "" && m.OpenID != "":
			out = append(out, "@"+m.Name+"("+m.OpenID+")")
		case m.Name != "":
			out = append(out, "@"+m.Name)
		case m.OpenID != "":
			out = append(out, "@"+m.OpenID)
		}
	}
	return out
}
