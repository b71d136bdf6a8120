package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// The journals under the state dir assume a single writer. The lock file
// makes a second gateway on the same state dir fail fast instead of
// interleaving writes.

const (
	defaultLockTimeout = 5 * time.Second
	defaultLockPoll    = 100 * time.Millisecond
	defaultLockStale   = 30 * time.Second

	lockFileName = "gateway.lock"
)

// lockPayload is the JSON body of the lock file.
type lockPayload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"createdAt"`
	// StartTime is the owner's /proc start time on Linux, used to
	// detect PID reuse.
	StartTime int64 `json:"startTime,omitempty"`
}

// StateLock is an acquired state-dir lock.
type StateLock struct {
	path string
	file *os.File
}

// Release removes the lock file.
func (l *StateLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	return os.Remove(l.path)
}

// LockOptions configures lock acquisition. Zero durations take the
// package defaults.
type LockOptions struct {
	StateDir   string
	Timeout    time.Duration
	Poll       time.Duration
	StaleAfter time.Duration
}

// AcquireStateLock takes the single-instance lock for a state dir. A lock
// held by a dead process is removed and retried; a live owner makes the
// call fail after the timeout. Setting LARKGATE_ALLOW_MULTI=1 skips
// locking entirely and returns a nil lock.
func AcquireStateLock(opts LockOptions) (*StateLock, error) {
	if os.Getenv("LARKGATE_ALLOW_MULTI") == "1" {
		return nil, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	poll := opts.Poll
	if poll <= 0 {
		poll = defaultLockPoll
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultLockStale
	}

	lockPath := filepath.Join(opts.StateDir, lockFileName)
	if err := os.MkdirAll(opts.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}

	deadline := time.Now().Add(timeout)
	var lastOwner int
	for time.Now().Before(deadline) {
		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			payload := lockPayload{
				PID:       os.Getpid(),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if st, ok := readProcStartTime(os.Getpid()); ok {
				payload.StartTime = st
			}
			data, err := json.Marshal(payload)
			if err == nil {
				_, err = file.Write(data)
			}
			if err != nil {
				file.Close()
				os.Remove(lockPath)
				return nil, fmt.Errorf("write lock payload: %w", err)
			}
			return &StateLock{path: lockPath, file: file}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}

		payload, _ := readLockPayload(lockPath)
		if payload != nil {
			lastOwner = payload.PID
		}
		switch resolveOwner(payload) {
		case ownerDead:
			os.Remove(lockPath)
			continue
		case ownerUnknown:
			// Can't verify the owner; fall back to age.
			if lockStale(lockPath, payload, staleAfter) {
				os.Remove(lockPath)
				continue
			}
		}

		time.Sleep(poll)
	}

	owner := ""
	if lastOwner > 0 {
		owner = fmt.Sprintf(" (pid %d)", lastOwner)
	}
	return nil, fmt.Errorf("gateway already running%s on this state dir", owner)
}

func readLockPayload(path string) (*lockPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payload lockPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if payload.PID == 0 || payload.CreatedAt == "" {
		return nil, errors.New("invalid lock payload")
	}
	return &payload, nil
}

type ownerStatus int

const (
	ownerAlive ownerStatus = iota
	ownerDead
	ownerUnknown
)

// resolveOwner classifies the lock holder. Only a definitely-dead owner
// may be reclaimed immediately; an unverifiable one falls back to the
// age check.
func resolveOwner(payload *lockPayload) ownerStatus {
	if payload == nil {
		return ownerUnknown
	}
	if !processAlive(payload.PID) {
		return ownerDead
	}
	// A live PID may belong to a new process; compare Linux start times.
	if runtime.GOOS == "linux" && payload.StartTime > 0 {
		current, ok := readProcStartTime(payload.PID)
		if !ok {
			return ownerUnknown
		}
		if current != payload.StartTime {
			return ownerDead
		}
	}
	return ownerAlive
}

func lockStale(path string, payload *lockPayload, staleAfter time.Duration) bool {
	if payload != nil {
		if createdAt, err := time.Parse(time.RFC3339, payload.CreatedAt); err == nil {
			return time.Since(createdAt) > staleAfter
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > staleAfter
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return process.Signal(syscall.Signal(0)) == nil
}

// readProcStartTime reads field 22 of /proc/<pid>/stat, the process start
// time in clock ticks since boot.
func readProcStartTime(pid int) (int64, bool) {
	if runtime.GOOS != "linux" {
		return 0, false
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	// The comm field may contain spaces; fields count from after its
	// closing paren.
	content := string(data)
	closeParen := strings.LastIndex(content, ")")
	if closeParen < 0 {
		return 0, false
	}
	fields := strings.Fields(strings.TrimSpace(content[closeParen+1:]))
	if len(fields) < 20 {
		return 0, false
	}
	startTime, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0, false
	}
	return startTime, true
}
