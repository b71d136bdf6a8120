package inbound

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStateStoreReadMissingFile(t *testing.T) {
	store := NewStateStore(t.TempDir(), nil)
	state, err := store.Read("acct", "oc_chat")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if state.LastProcessedSentAtMs != 0 || len(state.RecentMessageIDs) != 0 {
		t.Errorf("expected zero state, got %+v", state)
	}
}

func TestStateStoreMutateRoundTrip(t *testing.T) {
	store := NewStateStore(t.TempDir(), nil)

	err := store.Mutate("acct", "oc_chat", func(state *State) error {
		state.LastProcessedSentAtMs = 4200
		state.RecordID("om_1", 250)
		state.RecordID("om_2", 250)
		state.UpdatedAtMs = 4300
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	state, err := store.Read("acct", "oc_chat")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if state.LastProcessedSentAtMs != 4200 {
		t.Errorf("expected watermark 4200, got %d", state.LastProcessedSentAtMs)
	}
	if !state.SeenRecently("om_1") || !state.SeenRecently("om_2") {
		t.Errorf("expected recorded ids in ring, got %v", state.RecentMessageIDs)
	}
	if state.SeenRecently("om_3") {
		t.Error("expected unknown id to not be in ring")
	}
}

func TestStateStoreMutateErrorAbortsWrite(t *testing.T) {
	store := NewStateStore(t.TempDir(), nil)

	if err := store.Mutate("acct", "oc_chat", func(state *State) error {
		state.LastProcessedSentAtMs = 1000
		return nil
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	err := store.Mutate("acct", "oc_chat", func(state *State) error {
		state.LastProcessedSentAtMs = 9999
		return os.ErrInvalid
	})
	if err == nil {
		t.Fatal("expected Mutate to propagate fn error")
	}

	state, err := store.Read("acct", "oc_chat")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if state.LastProcessedSentAtMs != 1000 {
		t.Errorf("expected watermark 1000 after aborted mutate, got %d", state.LastProcessedSentAtMs)
	}
}

func TestStateStoreCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(dir, nil)

	path := store.Path("acct", "oc_chat")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	state, err := store.Read("acct", "oc_chat")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if state.LastProcessedSentAtMs != 0 {
		t.Errorf("expected zero state from corrupt file, got %+v", state)
	}
}

func TestStateStorePathEscapesChatID(t *testing.T) {
	store := NewStateStore("/state", nil)
	path := store.Path("acct", "oc/evil?id")
	base := filepath.Base(path)
	if strings.ContainsAny(base, "/?") {
		t.Errorf("expected escaped filename, got %q", base)
	}
	if !strings.HasPrefix(base, "acct-") || !strings.HasSuffix(base, ".json") {
		t.Errorf("expected acct-<chat>.json shape, got %q", base)
	}
	if filepath.Dir(path) != filepath.Join("/state", "feishu", "inbound") {
		t.Errorf("unexpected state dir %q", filepath.Dir(path))
	}
}

func TestStateStoreFileUsesCamelCaseKeys(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(dir, nil)

	if err := store.Mutate("acct", "oc_chat", func(state *State) error {
		state.LastProcessedSentAtMs = 1
		state.RecordID("om_1", 10)
		state.UpdatedAtMs = 2
		return nil
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	data, err := os.ReadFile(store.Path("acct", "oc_chat"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, key := range []string{"lastProcessedSentAtMs", "recentMessageIds", "updatedAtMs"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected key %q in state file, got %s", key, data)
		}
	}
}

func TestStateRecordIDTrimsRing(t *testing.T) {
	state := &State{}
	for i := 0; i < 10; i++ {
		state.RecordID(string(rune('a'+i)), 3)
	}
	if len(state.RecentMessageIDs) != 3 {
		t.Fatalf("expected ring of 3, got %d", len(state.RecentMessageIDs))
	}
	if !state.SeenRecently("j") || state.SeenRecently("a") {
		t.Errorf("expected newest ids kept, got %v", state.RecentMessageIDs)
	}
}
