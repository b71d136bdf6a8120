package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peregrinehq/larkgate/internal/backoff"
)

// Start brings the gateway up: state lock, boot reconciliation, the HTTP
// surface, then one event source per account. It blocks until ctx is
// cancelled; transport failures inside a source are retried with backoff
// and never abort the process.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()

	lock, err := AcquireStateLock(LockOptions{StateDir: s.cfg.StateDir})
	if err != nil {
		return fmt.Errorf("gateway: state lock: %w", err)
	}
	s.lock = lock

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	// Orphaned tasks must be reported before new messages can arrive.
	for _, rt := range s.accounts {
		if err := rt.coord.Reconcile(runCtx); err != nil {
			cancel()
			s.releaseLock()
			return fmt.Errorf("gateway: reconcile %s: %w", rt.id, err)
		}
	}

	if err := s.startHTTPServer(runCtx); err != nil {
		cancel()
		s.releaseLock()
		return err
	}

	for _, rt := range s.accounts {
		s.superviseSource(runCtx, rt)
	}

	s.logger.Info("gateway started",
		"accounts", len(s.accounts),
		"http", s.cfg.HTTP.Enabled(),
		"version", s.version,
	)

	<-runCtx.Done()
	return nil
}

// superviseSource runs one account's event source, restarting it with
// jittered exponential backoff when the transport gives up.
func (s *Server) superviseSource(ctx context.Context, rt *accountRuntime) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		policy := backoff.Default()
		for attempt := 1; ; attempt++ {
			started := time.Now()
			err := rt.source.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			if time.Since(started) > time.Minute {
				// The connection was healthy for a while; start the
				// curve over.
				attempt = 1
			}
			delay := policy.Delay(attempt)
			s.logger.Error("event source exited, restarting",
				"account_id", rt.id, "error", err, "backoff", delay)
			if backoff.Sleep(ctx, delay) != nil {
				return
			}
		}
	}()
}

// Stop shuts the gateway down: stop intake, drain the HTTP server, wait
// for sources, flush transcripts, then release the observability stack
// and the state lock. Flush and shutdown errors are logged, not
// returned; only a stuck source wait aborts early.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping gateway")

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.stopHTTPServer(ctx)

	if err := s.waitForSources(ctx); err != nil {
		return err
	}

	s.announce.Close()

	if err := s.sessions.FlushAll(ctx); err != nil {
		s.logger.Error("session flush failed", "error", err)
	}
	if s.shutdown != nil {
		if err := s.shutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown failed", "error", err)
		}
	}
	s.releaseLock()

	s.logger.Info("gateway stopped", "uptime", time.Since(s.startTime).Round(time.Second))
	return nil
}

// waitForSources blocks until every source goroutine has returned or ctx
// expires.
func (s *Server) waitForSources(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("gateway: event sources did not stop in time")
	}
}

func (s *Server) releaseLock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Release(); err != nil {
		s.logger.Warn("state lock release failed", "error", err)
	}
	s.lock = nil
}
