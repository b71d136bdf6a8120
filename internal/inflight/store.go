package inflight

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// State is the on-disk journal for one account: every live task plus the
// per-chat pointer to the task a "continue" reply should resume.
type State struct {
	Version                 int               `json:"version"`
	Tasks                   []*Task           `json:"tasks"`
	LastInterruptibleByChat map[string]string `json:"lastInterruptibleByChatId"`
}

// NewState returns an empty versioned journal.
func NewState() *State {
	return &State{
		Version:                 1,
		Tasks:                   []*Task{},
		LastInterruptibleByChat: map[string]string{},
	}
}

// UpsertTask inserts task or replaces the record with the same id.
func (s *State) UpsertTask(task *Task) {
	for i, t := range s.Tasks {
		if t.ID == task.ID {
			s.Tasks[i] = task
			return
		}
	}
	s.Tasks = append(s.Tasks, task)
}

// RemoveTask deletes the task with the given id and scrubs any
// last-interruptible pointer referencing it. Reports whether a task was
// removed.
func (s *State) RemoveTask(id string) bool {
	index := -1
	for i, t := range s.Tasks {
		if t.ID == id {
			index = i
			break
		}
	}
	if index == -1 {
		return false
	}
	s.Tasks = append(s.Tasks[:index], s.Tasks[index+1:]...)
	for chatID, taskID := range s.LastInterruptibleByChat {
		if taskID == id {
			delete(s.LastInterruptibleByChat, chatID)
		}
	}
	return true
}

// TaskByID returns the task with the given id, or nil.
func (s *State) TaskByID(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TaskByMessageID returns the task anchored at the given provider message
// id, or nil. At most one task exists per (account, messageId).
func (s *State) TaskByMessageID(messageID string) *Task {
	for _, t := range s.Tasks {
		if t.MessageID == messageID {
			return t
		}
	}
	return nil
}

// TasksInChat returns every task bound to the given chat.
func (s *State) TasksInChat(chatID string) []*Task {
	var out []*Task
	for _, t := range s.Tasks {
		if t.ChatID == chatID {
			out = append(out, t)
		}
	}
	return out
}

// SetLastInterruptible records the task a "continue" reply in chatID should
// resume.
func (s *State) SetLastInterruptible(chatID, taskID string) {
	if s.LastInterruptibleByChat == nil {
		s.LastInterruptibleByChat = map[string]string{}
	}
	s.LastInterruptibleByChat[chatID] = taskID
}

// LastInterruptibleTask resolves the recorded pointer for chatID to a live
// task. Returns nil when no pointer exists or the task is gone.
func (s *State) LastInterruptibleTask(chatID string) *Task {
	id, ok := s.LastInterruptibleByChat[chatID]
	if !ok {
		return nil
	}
	return s.TaskByID(id)
}

// Store persists per-account journals as JSON files under
// <stateDir>/feishu/inflight/<accountId>-store.json. All mutations follow
// read-modify-write under a per-account mutex; writes go through a tmp
// file, fsync, and rename so a crash mid-write leaves the previous commit
// intact.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at stateDir.
func NewStore(stateDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    filepath.Join(stateDir, "feishu", "inflight"),
		logger: logger,
		locks:  map[string]*sync.Mutex{},
	}
}

// Path returns the journal file path for accountID.
func (s *Store) Path(accountID string) string {
	return filepath.Join(s.dir, accountID+"-store.json")
}

func (s *Store) lockFor(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[accountID] = lock
	}
	return lock
}

// Read returns a snapshot of the journal for accountID. A missing or
// corrupt file yields an empty versioned journal; corruption is logged.
func (s *Store) Read(accountID string) (*State, error) {
	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()
	return s.readLocked(accountID)
}

// Mutate applies fn to the journal under the per-account lock and writes
// the result back atomically. An error from fn aborts without writing.
func (s *Store) Mutate(accountID string, fn func(*State) error) error {
	lock := s.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.readLocked(accountID)
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.writeLocked(accountID, state)
}

func (s *Store) readLocked(accountID string) (*State, error) {
	data, err := os.ReadFile(s.Path(accountID))
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("read inflight store: %w", err)
	}
	if len(data) == 0 {
		return NewState(), nil
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("inflight store corrupt, starting empty",
			"account_id", accountID, "error", err)
		return NewState(), nil
	}
	if state.Version == 0 {
		state.Version = 1
	}
	if state.Tasks == nil {
		state.Tasks = []*Task{}
	}
	if state.LastInterruptibleByChat == nil {
		state.LastInterruptibleByChat = map[string]string{}
	}
	return &state, nil
}

func (s *Store) writeLocked(accountID string, state *State) error {
	path := s.Path(accountID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create inflight dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode inflight store: %w", err)
	}
	if err := writeFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("write inflight store: %w", err)
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
