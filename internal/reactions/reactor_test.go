package reactions

import (
	"context"
	"errors"
	"testing"

	"github.com/peregrinehq/larkgate/internal/feishu/feishutest"
	"github.com/peregrinehq/larkgate/internal/inflight"
)

func TestReplacePaintsThenRemovesPrev(t *testing.T) {
	rec := feishutest.NewRecorder()
	reactor := NewReactor(rec, nil, nil)

	prev := &inflight.Reaction{EmojiType: EmojiReceived, ReactionID: "re_old"}
	next, err := reactor.Replace(context.Background(), "om_anchor", EmojiQueued, prev)
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if next.EmojiType != EmojiQueued || next.ReactionID == "" {
		t.Fatalf("unexpected next reaction: %+v", next)
	}

	adds := rec.CallsByMethod("AddReaction")
	if len(adds) != 1 || adds[0].EmojiType != EmojiQueued {
		t.Fatalf("unexpected add calls: %+v", adds)
	}
	removes := rec.CallsByMethod("RemoveReaction")
	if len(removes) != 1 || removes[0].ReactionID != "re_old" {
		t.Fatalf("unexpected remove calls: %+v", removes)
	}
}

func TestReplaceSkipsRemoveWhenProviderDeduplicates(t *testing.T) {
	rec := feishutest.NewRecorder()
	reactor := NewReactor(rec, nil, nil)

	// Same emoji re-added: the recorder returns the same deterministic
	// reaction id, as Feishu does.
	first, err := reactor.Replace(context.Background(), "om_anchor", EmojiWorking, nil)
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	second, err := reactor.Replace(context.Background(), "om_anchor", EmojiWorking, first)
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if second.ReactionID != first.ReactionID {
		t.Fatalf("expected deduplicated id, got %q and %q", first.ReactionID, second.ReactionID)
	}
	if removes := rec.CallsByMethod("RemoveReaction"); len(removes) != 0 {
		t.Fatalf("expected no removes, got %+v", removes)
	}
}

func TestReplaceAddFailurePropagates(t *testing.T) {
	rec := feishutest.NewRecorder()
	rec.Errs["AddReaction"] = errors.New("rate limited")
	reactor := NewReactor(rec, nil, nil)

	prev := &inflight.Reaction{EmojiType: EmojiReceived, ReactionID: "re_old"}
	if _, err := reactor.Replace(context.Background(), "om_anchor", EmojiQueued, prev); err == nil {
		t.Fatal("expected error from failed add")
	}
	if removes := rec.CallsByMethod("RemoveReaction"); len(removes) != 0 {
		t.Fatalf("expected no remove after failed add, got %+v", removes)
	}
}

func TestReplaceRemoveFailureSwallowed(t *testing.T) {
	rec := feishutest.NewRecorder()
	rec.Errs["RemoveReaction"] = errors.New("gone")
	reactor := NewReactor(rec, nil, nil)

	prev := &inflight.Reaction{EmojiType: EmojiReceived, ReactionID: "re_old"}
	next, err := reactor.Replace(context.Background(), "om_anchor", EmojiDone, prev)
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if next == nil || next.EmojiType != EmojiDone {
		t.Fatalf("unexpected next reaction: %+v", next)
	}
}

func TestReplaceNilPrevSkipsRemove(t *testing.T) {
	rec := feishutest.NewRecorder()
	reactor := NewReactor(rec, nil, nil)

	if _, err := reactor.Replace(context.Background(), "om_anchor", EmojiReceived, nil); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if removes := rec.CallsByMethod("RemoveReaction"); len(removes) != 0 {
		t.Fatalf("expected no removes, got %+v", removes)
	}
}

func TestForState(t *testing.T) {
	tests := []struct {
		state inflight.TaskState
		want  string
	}{
		{inflight.StateReceived, EmojiReceived},
		{inflight.StateQueued, EmojiQueued},
		{inflight.StateWorking, EmojiWorking},
		{inflight.StateWaiting, EmojiWaiting},
		{inflight.StateDone, EmojiDone},
		{inflight.StateFailed, EmojiError},
		{inflight.StateInterrupted, EmojiError},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := ForState(tt.state); got != tt.want {
				t.Fatalf("ForState(%s) = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}
