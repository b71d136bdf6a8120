package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/peregrinehq/larkgate/pkg/models"
)

// Manager persists one session transcript.
type Manager interface {
	// AppendMessage persists one transcript entry.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// SessionFile returns the backing file path.
	SessionFile() string
	// Entries returns all persisted entries in append order.
	Entries() ([]*models.Message, error)
}

// FileManager is an append-only JSONL transcript, one file per session
// key. Lines that fail to decode (torn tail writes) are skipped on read.
type FileManager struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileManager creates a transcript store at
// <dir>/<escaped sessionKey>.jsonl. The session key is URL-escaped since
// keys embed provider chat ids.
func NewFileManager(dir, sessionKey string, logger *slog.Logger) *FileManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileManager{
		path:   filepath.Join(dir, url.PathEscape(sessionKey)+".jsonl"),
		logger: logger,
	}
}

// SessionFile returns the backing file path.
func (m *FileManager) SessionFile() string {
	return m.path
}

// AppendMessage appends msg as one JSON line.
func (m *FileManager) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode transcript entry: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}
	return nil
}

// Entries reads the whole transcript. A missing file is an empty
// transcript.
func (m *FileManager) Entries() ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	var out []*models.Message
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			m.logger.Warn("skipping undecodable transcript line",
				"file", m.path, "error", err)
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}
