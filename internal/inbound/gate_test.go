package inbound

import (
	"context"
	"strings"
	"testing"

	"github.com/peregrinehq/larkgate/internal/feishu"
	"github.com/peregrinehq/larkgate/internal/feishu/feishutest"
)

func inboundMsg(id string, createMs int64) *feishu.InboundMessage {
	return &feishu.InboundMessage{
		MessageID:    id,
		ChatID:       "oc_chat",
		ChatType:     "p2p",
		MsgType:      "text",
		SenderOpenID: "ou_sender",
		Text:         "hello",
		CreateTimeMs: createMs,
	}
}

func newTestGate(t *testing.T, stateDir string, settings Settings) (*Gate, *feishutest.Recorder, *StateStore) {
	t.Helper()
	recorder := feishutest.NewRecorder()
	states := NewStateStore(stateDir, nil)
	gate := NewGate(NewDedupe(DedupeOptions{}), states, recorder, settings, nil)
	return gate, recorder, states
}

func TestGateAdmitFreshMessage(t *testing.T) {
	gate, recorder, states := newTestGate(t, t.TempDir(), DefaultSettings())

	if got := gate.Admit(context.Background(), "acct", inboundMsg("om_1", 5000)); got != Admitted {
		t.Fatalf("Admit() = %v, want Admitted", got)
	}

	state, err := states.Read("acct", "oc_chat")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if state.LastProcessedSentAtMs != 5000 {
		t.Errorf("expected watermark 5000, got %d", state.LastProcessedSentAtMs)
	}
	if !state.SeenRecently("om_1") {
		t.Errorf("expected om_1 in ring, got %v", state.RecentMessageIDs)
	}
	if len(recorder.Calls()) != 0 {
		t.Errorf("expected no outbound calls, got %v", recorder.Calls())
	}
}

func TestGateDropsStaleWithNotice(t *testing.T) {
	dir := t.TempDir()
	settings := DefaultSettings()
	settings.SkewWindowMs = 0
	gate, recorder, states := newTestGate(t, dir, settings)

	if err := states.Mutate("acct", "oc_chat", func(state *State) error {
		state.LastProcessedSentAtMs = 2000
		return nil
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	if got := gate.Admit(context.Background(), "acct", inboundMsg("om_old", 1000)); got != DroppedStale {
		t.Fatalf("Admit() = %v, want DroppedStale", got)
	}

	replies := recorder.CallsByMethod("ReplyMessage")
	if len(replies) != 1 {
		t.Fatalf("expected 1 stale notice, got %d", len(replies))
	}
	if replies[0].MessageID != "om_old" {
		t.Errorf("expected notice to reply to om_old, got %q", replies[0].MessageID)
	}
	if !strings.Contains(replies[0].Text, "过期消息") {
		t.Errorf("expected notice to mention 过期消息, got %q", replies[0].Text)
	}
	if !strings.Contains(replies[0].Text, "reason=out_of_order_delivery") {
		t.Errorf("expected notice to carry the drop reason, got %q", replies[0].Text)
	}

	state, err := states.Read("acct", "oc_chat")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if state.LastProcessedSentAtMs != 2000 {
		t.Errorf("expected watermark to stay at 2000, got %d", state.LastProcessedSentAtMs)
	}
	if !state.SeenRecently("om_old") {
		t.Error("expected dropped stale id recorded in ring")
	}
}

func TestGateMemoryDuplicate(t *testing.T) {
	gate, recorder, _ := newTestGate(t, t.TempDir(), DefaultSettings())

	if got := gate.Admit(context.Background(), "acct", inboundMsg("om_1", 5000)); got != Admitted {
		t.Fatalf("first Admit() = %v, want Admitted", got)
	}
	if got := gate.Admit(context.Background(), "acct", inboundMsg("om_1", 5000)); got != DroppedDuplicate {
		t.Fatalf("second Admit() = %v, want DroppedDuplicate", got)
	}
	if len(recorder.Calls()) != 0 {
		t.Errorf("expected duplicates to drop silently, got %v", recorder.Calls())
	}
}

func TestGateRingDuplicateAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	gate, _, _ := newTestGate(t, dir, DefaultSettings())
	if got := gate.Admit(context.Background(), "acct", inboundMsg("om_1", 5000)); got != Admitted {
		t.Fatalf("Admit() = %v, want Admitted", got)
	}

	// Fresh gate over the same state dir models a restart: the
	// in-memory layer is empty but the persisted ring still knows om_1.
	restarted, recorder, _ := newTestGate(t, dir, DefaultSettings())
	if got := restarted.Admit(context.Background(), "acct", inboundMsg("om_1", 5000)); got != DroppedDuplicate {
		t.Fatalf("Admit() after restart = %v, want DroppedDuplicate", got)
	}
	if len(recorder.Calls()) != 0 {
		t.Errorf("expected ring duplicate to drop silently, got %v", recorder.Calls())
	}
}

func TestGateWatermarkMonotone(t *testing.T) {
	gate, _, states := newTestGate(t, t.TempDir(), DefaultSettings())

	if got := gate.Admit(context.Background(), "acct", inboundMsg("om_new", 10000)); got != Admitted {
		t.Fatalf("Admit() = %v, want Admitted", got)
	}
	// 3000ms behind the watermark but inside the 5000ms skew window.
	if got := gate.Admit(context.Background(), "acct", inboundMsg("om_skew", 7000)); got != Admitted {
		t.Fatalf("Admit() skewed = %v, want Admitted", got)
	}

	state, err := states.Read("acct", "oc_chat")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if state.LastProcessedSentAtMs != 10000 {
		t.Errorf("expected watermark to hold at 10000, got %d", state.LastProcessedSentAtMs)
	}
}

func TestGateStaleDropDisabled(t *testing.T) {
	dir := t.TempDir()
	settings := DefaultSettings()
	settings.StaleDropEnabled = false
	gate, recorder, states := newTestGate(t, dir, settings)

	if err := states.Mutate("acct", "oc_chat", func(state *State) error {
		state.LastProcessedSentAtMs = 100000
		return nil
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	if got := gate.Admit(context.Background(), "acct", inboundMsg("om_old", 1000)); got != Admitted {
		t.Fatalf("Admit() = %v, want Admitted with stale drop off", got)
	}
	if len(recorder.Calls()) != 0 {
		t.Errorf("expected no notice, got %v", recorder.Calls())
	}
}

func TestGateStaleReplyDisabled(t *testing.T) {
	dir := t.TempDir()
	settings := DefaultSettings()
	settings.SkewWindowMs = 0
	settings.StaleReply = false
	gate, recorder, states := newTestGate(t, dir, settings)

	if err := states.Mutate("acct", "oc_chat", func(state *State) error {
		state.LastProcessedSentAtMs = 2000
		return nil
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	if got := gate.Admit(context.Background(), "acct", inboundMsg("om_old", 1000)); got != DroppedStale {
		t.Fatalf("Admit() = %v, want DroppedStale", got)
	}
	if calls := recorder.CallsByMethod("ReplyMessage"); len(calls) != 0 {
		t.Errorf("expected no notice with reply off, got %d", len(calls))
	}
}

func TestGateStaleRedeliveryNotRenotified(t *testing.T) {
	dir := t.TempDir()
	settings := DefaultSettings()
	settings.SkewWindowMs = 0
	gate, recorder, states := newTestGate(t, dir, settings)

	if err := states.Mutate("acct", "oc_chat", func(state *State) error {
		state.LastProcessedSentAtMs = 2000
		return nil
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	if got := gate.Admit(context.Background(), "acct", inboundMsg("om_old", 1000)); got != DroppedStale {
		t.Fatalf("Admit() = %v, want DroppedStale", got)
	}
	if calls := recorder.CallsByMethod("ReplyMessage"); len(calls) != 1 {
		t.Fatalf("expected 1 notice for first delivery, got %d", len(calls))
	}

	// The provider retrying the same stale message hits the ring after
	// a restart, so the user is not notified twice.
	restarted, recorder2, _ := newTestGate(t, dir, settings)
	if got := restarted.Admit(context.Background(), "acct", inboundMsg("om_old", 1000)); got != DroppedDuplicate {
		t.Fatalf("Admit() redelivery = %v, want DroppedDuplicate", got)
	}
	if calls := recorder2.CallsByMethod("ReplyMessage"); len(calls) != 0 {
		t.Errorf("expected no second notice, got %d", len(calls))
	}
}
