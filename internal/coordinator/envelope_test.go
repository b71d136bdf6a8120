package coordinator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/peregrinehq/larkgate/internal/feishu"
	"github.com/peregrinehq/larkgate/internal/inflight"
)

func TestBuildEnvelope_DirectHeader(t *testing.T) {
	c, recorder := newTestCoordinator(t, &fakeDispatcher{}, nil)
	recorder.Names["ou_sender"] = "Alice"

	task := inflight.NewTask("acct", "oc_chat", inflight.ChatDirect, "om_1", "deploy the service", 1000)
	msg := directMsg("om_1", "deploy the service", 1700000000000)

	got := c.buildEnvelope(context.Background(), task, msg)
	want := fmt.Sprintf("[feishu direct chat oc_chat] %s Alice:\ndeploy the service",
		time.UnixMilli(1700000000000).Format(time.RFC3339))
	if got != want {
		t.Fatalf("envelope = %q, want %q", got, want)
	}
}

func TestBuildEnvelope_GroupHeader(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeDispatcher{}, nil)

	task := inflight.NewTask("acct", "oc_group", inflight.ChatGroup, "om_1", "hello", 1000)
	msg := groupMsg("om_1", "hello", 1700000000000)
	msg.ChatID = "oc_group"

	got := c.buildEnvelope(context.Background(), task, msg)
	if !strings.HasPrefix(got, "[feishu group chat oc_group] ") {
		t.Fatalf("envelope = %q, want group header", got)
	}
	// Name lookup fails in the bare recorder, so the open id stands in.
	if !strings.Contains(got, " ou_sender:\nhello") {
		t.Fatalf("envelope = %q, want sender open id fallback", got)
	}
}

func TestBuildEnvelope_QuotedMessage(t *testing.T) {
	c, recorder := newTestCoordinator(t, &fakeDispatcher{}, nil)
	recorder.Messages["om_parent"] = &feishu.FetchedMessage{
		MessageID: "om_parent",
		MsgType:   "text",
		Content:   `{"text":"what was the original question?"}`,
	}

	task := inflight.NewTask("acct", "oc_chat", inflight.ChatDirect, "om_1", "answer it", 1000)
	msg := directMsg("om_1", "answer it", 1700000000000)
	msg.ParentID = "om_parent"

	got := c.buildEnvelope(context.Background(), task, msg)
	if !strings.HasPrefix(got, "[Quoted message]\nwhat was the original question?\n\n[feishu direct chat oc_chat] ") {
		t.Fatalf("envelope = %q, want the quoted block before the header", got)
	}
}

func TestBuildEnvelope_QuotedFetchFailureSkipsBlock(t *testing.T) {
	c, recorder := newTestCoordinator(t, &fakeDispatcher{}, nil)
	recorder.Errs["FetchMessage"] = fmt.Errorf("not found")

	task := inflight.NewTask("acct", "oc_chat", inflight.ChatDirect, "om_1", "answer it", 1000)
	msg := directMsg("om_1", "answer it", 1700000000000)
	msg.ParentID = "om_parent"

	got := c.buildEnvelope(context.Background(), task, msg)
	if strings.Contains(got, "[Quoted message]") {
		t.Fatalf("envelope = %q, want no quoted block on fetch failure", got)
	}
}

func TestBuildEnvelope_MentionTargets(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeDispatcher{}, func(opts *Options) {
		opts.Policy.BotOpenID = "ou_bot"
	})

	task := inflight.NewTask("acct", "oc_group", inflight.ChatGroup, "om_1", "ask @Bob(ou_bob)", 1000)
	msg := groupMsg("om_1", "ask @Bob(ou_bob)", 1700000000000)
	msg.Mentions = []feishu.Mention{
		{OpenID: "ou_bot", Name: "larkgate"},
		{OpenID: "ou_bob", Name: "Bob"},
	}

	got := c.buildEnvelope(context.Background(), task, msg)
	if !strings.Contains(got, "\n\n[Mention targets]\n@Bob(ou_bob)") {
		t.Fatalf("envelope = %q, want the mention hint", got)
	}
	if strings.Contains(got, "[Mention targets]\n@larkgate") || strings.Contains(got, "ou_bot") {
		t.Fatalf("envelope = %q, bot must not appear as a mention target", got)
	}
}

func TestBuildEnvelope_ResumeReplaysOriginalOnly(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeDispatcher{}, nil)
	c.SetClock(func() time.Time { return time.UnixMilli(1700000000000) })

	task := inflight.NewTask("acct", "oc_chat", inflight.ChatDirect, "om_1", "original request", 1000)
	task.UserOpenID = "ou_sender"

	got := c.buildEnvelope(context.Background(), task, nil)
	want := fmt.Sprintf("[feishu direct chat oc_chat] %s ou_sender:\noriginal request",
		time.UnixMilli(1700000000000).Format(time.RFC3339))
	if got != want {
		t.Fatalf("resume envelope = %q, want %q", got, want)
	}
}

func TestSenderLabelCaching(t *testing.T) {
	c, recorder := newTestCoordinator(t, &fakeDispatcher{}, nil)
	recorder.Names["ou_alice"] = "Alice"
	ctx := context.Background()

	if got := c.senderLabel(ctx, "ou_alice"); got != "Alice" {
		t.Fatalf("senderLabel() = %q, want Alice", got)
	}
	if got := c.senderLabel(ctx, "ou_alice"); got != "Alice" {
		t.Fatalf("senderLabel() = %q, want Alice", got)
	}
	if lookups := recorder.CallsByMethod("GetUserName"); len(lookups) != 1 {
		t.Fatalf("GetUserName called %d times, want 1 (cached)", len(lookups))
	}
}

func TestSenderLabelLookupFailureNotCached(t *testing.T) {
	c, recorder := newTestCoordinator(t, &fakeDispatcher{}, nil)
	recorder.Errs["GetUserName"] = fmt.Errorf("contact scope missing")
	ctx := context.Background()

	if got := c.senderLabel(ctx, "ou_bob"); got != "ou_bob" {
		t.Fatalf("senderLabel() = %q, want open id fallback", got)
	}
	c.senderLabel(ctx, "ou_bob")
	if lookups := recorder.CallsByMethod("GetUserName"); len(lookups) != 2 {
		t.Fatalf("GetUserName called %d times, want 2 (failures not cached)", len(lookups))
	}
}
