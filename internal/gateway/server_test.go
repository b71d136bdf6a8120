package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peregrinehq/larkgate/internal/announce"
	"github.com/peregrinehq/larkgate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`
state_dir: %s
http:
  host: 127.0.0.1
  port: %d
accounts:
  - id: main
    app_id: cli_main
    app_secret: s3cr3t_main_value
  - id: intl
    app_id: cli_intl
    app_secret: s3cr3t_intl_value
    domain: https://open.larksuite.com
agent:
  api_key: sk-test
`, t.TempDir(), port)
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNewServerWiresAccounts(t *testing.T) {
	s, err := NewServer(Options{Config: testConfig(t, 0), Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if len(s.accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(s.accounts))
	}
	if s.accounts[0].id != "main" || s.accounts[1].id != "intl" {
		t.Errorf("account ids = %q, %q", s.accounts[0].id, s.accounts[1].id)
	}
	for _, rt := range s.accounts {
		if rt.coord == nil || rt.source == nil {
			t.Errorf("account %s missing coordinator or source", rt.id)
		}
	}
}

func TestNewServerRejectsNilConfig(t *testing.T) {
	if _, err := NewServer(Options{Logger: testLogger()}); err == nil {
		t.Fatal("NewServer() with nil config succeeded")
	}
}

func TestNewServerRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.Agent.Provider = "parrot"
	if _, err := NewServer(Options{Config: cfg, Logger: testLogger()}); err == nil {
		t.Fatal("NewServer() with unknown provider succeeded")
	}
}

func TestAnnounceRouting(t *testing.T) {
	s, err := NewServer(Options{Config: testConfig(t, 0), Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(s.announce.Close)

	if s.Announce("ghost", &announce.Item{Prompt: "hi"}) {
		t.Error("Announce() for unknown account reported true")
	}
	if !s.Announce("main", &announce.Item{Prompt: "hi", Origin: announce.Origin{ChatID: "oc_1"}}) {
		t.Error("Announce() for known account reported false")
	}
}

func TestHealthzPayload(t *testing.T) {
	s, err := NewServer(Options{Config: testConfig(t, 0), Logger: testLogger(), Version: "1.2.3"})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	s.startTime = time.Now().Add(-90 * time.Second)

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload struct {
		Status        string `json:"status"`
		Version       string `json:"version"`
		Accounts      int    `json:"accounts"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal healthz: %v", err)
	}
	if payload.Status != "ok" || payload.Version != "1.2.3" || payload.Accounts != 2 {
		t.Errorf("payload = %+v", payload)
	}
	if payload.UptimeSeconds < 89 {
		t.Errorf("uptime = %d, want >= 89", payload.UptimeSeconds)
	}
}

func TestServerLifecycle(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(t, port)
	// Keep the lifecycle offline: drop the accounts after parsing so no
	// event source dials out.
	cfg.Accounts = nil

	s, err := NewServer(Options{Config: cfg, Logger: testLogger(), Version: "test"})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startErr := make(chan error, 1)
	go func() {
		startErr <- s.Start(ctx)
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForHTTP(t, base+"/healthz")

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("/metrics missing runtime collectors")
	}

	// A second gateway on the same state dir must fail fast.
	if _, err := AcquireStateLock(LockOptions{StateDir: cfg.StateDir, Timeout: 200 * time.Millisecond}); err == nil {
		t.Error("second AcquireStateLock() succeeded while gateway running")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case err := <-startErr:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}

	// The lock is released; a fresh acquire succeeds.
	lock, err := AcquireStateLock(LockOptions{StateDir: cfg.StateDir, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("AcquireStateLock() after Stop error = %v", err)
	}
	lock.Release()
}

func TestStopWithoutStart(t *testing.T) {
	s, err := NewServer(Options{Config: testConfig(t, 0), Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func waitForHTTP(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("endpoint %s never became ready", url)
}
