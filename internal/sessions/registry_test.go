package sessions

import (
	"context"
	"strings"
	"testing"
)

func TestRegistry_ReturnsSameGuardPerKey(t *testing.T) {
	r := NewRegistry(t.TempDir(), GuardOptions{})
	a := r.Manager("feishu:acct:oc_1")
	b := r.Manager("feishu:acct:oc_1")
	c := r.Manager("feishu:acct:oc_2")

	if a != b {
		t.Error("expected the same guard for the same key")
	}
	if a == c {
		t.Error("expected distinct guards for distinct keys")
	}
	if a.SessionFile() == c.SessionFile() {
		t.Error("expected distinct backing files per key")
	}
	if !strings.Contains(a.SessionFile(), "feishu") {
		t.Errorf("expected session files under the feishu state tree, got %q", a.SessionFile())
	}
}

func TestRegistry_FlushAllSynthesizesPending(t *testing.T) {
	r := NewRegistry(t.TempDir(), GuardOptions{})
	ctx := context.Background()

	g := r.Manager("feishu:acct:oc_1")
	if err := g.AppendMessage(ctx, assistantMsg("a1", toolCall("call_1", "bash"))); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	if err := r.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll() error = %v", err)
	}

	entries, err := g.Entries()
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected assistant plus synthetic result, got %d entries", len(entries))
	}
	last := entries[1]
	if last.ToolResult == nil || !last.ToolResult.Synthetic || last.ToolResult.ToolCallID != "call_1" {
		t.Errorf("expected synthetic result for call_1, got %+v", last)
	}
	if ids := g.PendingIDs(); len(ids) != 0 {
		t.Errorf("expected pending cleared after flush, got %v", ids)
	}
}
