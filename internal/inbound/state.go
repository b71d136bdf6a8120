package inbound

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// State is the per-chat admission record persisted across restarts: the
// watermark of the newest processed message and a ring of recently seen
// message ids.
type State struct {
	LastProcessedSentAtMs int64    `json:"lastProcessedSentAtMs"`
	RecentMessageIDs      []string `json:"recentMessageIds"`
	UpdatedAtMs           int64    `json:"updatedAtMs"`
}

// SeenRecently reports whether messageID is in the recent-id ring.
func (s *State) SeenRecently(messageID string) bool {
	for _, id := range s.RecentMessageIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

// RecordID appends messageID to the ring, trimming the oldest entries
// down to limit.
func (s *State) RecordID(messageID string, limit int) {
	s.RecentMessageIDs = append(s.RecentMessageIDs, messageID)
	if limit > 0 && len(s.RecentMessageIDs) > limit {
		s.RecentMessageIDs = s.RecentMessageIDs[len(s.RecentMessageIDs)-limit:]
	}
}

// StateStore persists per-(account, chat) admission state as JSON files
// under <stateDir>/feishu/inbound/<accountId>-<escaped chatId>.json, with
// the same read-modify-write and tmp+fsync+rename discipline as the
// inflight store.
type StateStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStateStore creates a store rooted at stateDir.
func NewStateStore(stateDir string, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{
		dir:    filepath.Join(stateDir, "feishu", "inbound"),
		logger: logger,
		locks:  map[string]*sync.Mutex{},
	}
}

// Path returns the state file path for one (account, chat) pair. The chat
// id is URL-escaped since provider ids are not guaranteed filename-safe.
func (s *StateStore) Path(accountID, chatID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", accountID, url.PathEscape(chatID)))
}

func (s *StateStore) lockFor(accountID, chatID string) *sync.Mutex {
	key := accountID + "/" + chatID
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// Read returns a snapshot of the state for one chat. Missing or corrupt
// files yield a zero state; corruption is logged.
func (s *StateStore) Read(accountID, chatID string) (*State, error) {
	lock := s.lockFor(accountID, chatID)
	lock.Lock()
	defer lock.Unlock()
	return s.readLocked(accountID, chatID)
}

// Mutate applies fn under the per-chat lock and writes the result back
// atomically. An error from fn aborts without writing.
func (s *StateStore) Mutate(accountID, chatID string, fn func(*State) error) error {
	lock := s.lockFor(accountID, chatID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.readLocked(accountID, chatID)
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.writeLocked(accountID, chatID, state)
}

func (s *StateStore) readLocked(accountID, chatID string) (*State, error) {
	data, err := os.ReadFile(s.Path(accountID, chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("read inbound state: %w", err)
	}
	if len(data) == 0 {
		return &State{}, nil
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("inbound state corrupt, starting empty",
			"account_id", accountID, "chat_id", chatID, "error", err)
		return &State{}, nil
	}
	return &state, nil
}

func (s *StateStore) writeLocked(accountID, chatID string, state *State) error {
	path := s.Path(accountID, chatID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create inbound dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode inbound state: %w", err)
	}
	if err := writeFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("write inbound state: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
