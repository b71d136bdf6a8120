package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireStateLock(LockOptions{StateDir: dir})
	if err != nil {
		t.Fatalf("AcquireStateLock() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	var payload lockPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.PID != os.Getpid() {
		t.Errorf("payload.PID = %d, want %d", payload.PID, os.Getpid())
	}
	if payload.CreatedAt == "" {
		t.Error("payload.CreatedAt empty")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); !os.IsNotExist(err) {
		t.Error("lock file survived Release()")
	}
}

func TestLiveOwnerBlocksAcquisition(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireStateLock(LockOptions{StateDir: dir})
	if err != nil {
		t.Fatalf("first acquire error = %v", err)
	}
	defer first.Release()

	_, err = AcquireStateLock(LockOptions{
		StateDir: dir,
		Timeout:  150 * time.Millisecond,
		Poll:     20 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("second acquire succeeded against a live owner")
	}
}

func TestDeadOwnerLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockFileName)

	// PIDs near the kernel max are effectively never alive in a test
	// environment.
	stale := lockPayload{PID: 1<<22 - 3, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(lockPath, data, 0o644); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	lock, err := AcquireStateLock(LockOptions{StateDir: dir, Timeout: time.Second})
	if err != nil {
		t.Fatalf("AcquireStateLock() over dead owner error = %v", err)
	}
	lock.Release()
}

func TestUnreadableStaleLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockFileName)

	// Corrupt payload: the owner cannot be verified, so age decides.
	if err := os.WriteFile(lockPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("age lock file: %v", err)
	}

	lock, err := AcquireStateLock(LockOptions{
		StateDir:   dir,
		Timeout:    time.Second,
		StaleAfter: time.Minute,
	})
	if err != nil {
		t.Fatalf("AcquireStateLock() over stale lock error = %v", err)
	}
	lock.Release()
}

func TestOldLockWithLiveOwnerIsKept(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockFileName)

	payload := lockPayload{
		PID:       os.Getpid(),
		CreatedAt: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}
	if st, ok := readProcStartTime(os.Getpid()); ok {
		payload.StartTime = st
	}
	data, _ := json.Marshal(payload)
	if err := os.WriteFile(lockPath, data, 0o644); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	_, err := AcquireStateLock(LockOptions{
		StateDir:   dir,
		Timeout:    150 * time.Millisecond,
		Poll:       20 * time.Millisecond,
		StaleAfter: time.Minute,
	})
	if err == nil {
		t.Fatal("acquired a lock held by a live verified owner")
	}
}

func TestAllowMultiSkipsLocking(t *testing.T) {
	t.Setenv("LARKGATE_ALLOW_MULTI", "1")

	lock, err := AcquireStateLock(LockOptions{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("AcquireStateLock() error = %v", err)
	}
	if lock != nil {
		t.Error("lock acquired despite LARKGATE_ALLOW_MULTI=1")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("nil lock Release() error = %v", err)
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("processAlive(self) = false")
	}
	if processAlive(0) || processAlive(-1) {
		t.Error("processAlive accepted a non-positive pid")
	}
}
