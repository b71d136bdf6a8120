// Package gateway assembles the process: per-account provider clients,
// event sources, and coordinators over the shared stores, plus the HTTP
// surface and lifecycle management.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/peregrinehq/larkgate/internal/agent"
	"github.com/peregrinehq/larkgate/internal/announce"
	"github.com/peregrinehq/larkgate/internal/config"
	"github.com/peregrinehq/larkgate/internal/coordinator"
	"github.com/peregrinehq/larkgate/internal/feishu"
	"github.com/peregrinehq/larkgate/internal/inbound"
	"github.com/peregrinehq/larkgate/internal/inflight"
	"github.com/peregrinehq/larkgate/internal/observability"
	"github.com/peregrinehq/larkgate/internal/reactions"
	"github.com/peregrinehq/larkgate/internal/sessions"
)

// Options configures a Server.
type Options struct {
	Config *config.Config
	Logger *slog.Logger

	// Version stamps traces and the healthz payload.
	Version string
}

// Server is the larkgate gateway process: one coordinator per configured
// account, all sharing the state stores, the announce queue, and the
// observability stack.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	shutdown func(ctx context.Context) error

	announce *announce.Queue
	sessions *sessions.Registry
	accounts []*accountRuntime

	httpServer *http.Server
	lock       *StateLock

	mu        sync.Mutex
	cancel    func()
	wg        sync.WaitGroup
	startTime time.Time
}

// accountRuntime is the per-account slice of the pipeline.
type accountRuntime struct {
	id     string
	coord  *coordinator.Coordinator
	source *feishu.EventSource
}

// NewServer wires a gateway from validated configuration. Nothing is
// started; Start brings the process up.
func NewServer(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceVersion: opts.Version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	queue := announce.NewQueue(announce.Options{
		Logger:  logger,
		Metrics: metrics,
	})

	sessionRegistry := sessions.NewRegistry(cfg.StateDir, sessions.GuardOptions{
		MaxToolResultChars: cfg.Sessions.MaxToolResultChars,
		Logger:             logger,
		Metrics:            metrics,
	})

	dispatcher, err := buildDispatcher(cfg.Agent, logger)
	if err != nil {
		return nil, err
	}

	store := inflight.NewStore(cfg.StateDir, logger)
	dedupe := inbound.NewDedupe(inbound.DedupeOptions{})
	states := inbound.NewStateStore(cfg.StateDir, logger)
	gateSettings := inbound.Settings{
		StaleDropEnabled: *cfg.Gate.StaleDrop.Enabled,
		StaleReply:       *cfg.Gate.StaleDrop.Reply,
		SkewWindowMs:     *cfg.Gate.StaleDrop.SkewWindowMs,
		RecentIDsLimit:   cfg.Gate.StaleDrop.RecentIDsLimit,
	}
	announceSettings := announce.Settings{
		Mode:       announce.Mode(cfg.Announce.Mode),
		DebounceMs: *cfg.Announce.DebounceMs,
		Cap:        cfg.Announce.Cap,
		DropPolicy: announce.DropPolicy(cfg.Announce.DropPolicy),
		MaxAgeMs:   *cfg.Announce.MaxAgeMs,
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		version:  opts.Version,
		registry: registry,
		metrics:  metrics,
		tracer:   tracer,
		shutdown: traceShutdown,
		announce: queue,
		sessions: sessionRegistry,
	}

	for _, acct := range cfg.Accounts {
		accountLogger := logger.With("account_id", acct.ID)
		client := feishu.NewClient(feishu.ClientOptions{
			AppID:     acct.AppID,
			AppSecret: acct.AppSecret,
			Domain:    acct.Domain,
			Logger:    accountLogger,
			Metrics:   metrics,
			Tracer:    tracer,
		})
		coord, err := coordinator.NewCoordinator(coordinator.Options{
			Policy: coordinator.AccountPolicy{
				AccountID:      acct.ID,
				BotOpenID:      acct.BotOpenID,
				BotName:        acct.BotName,
				RequireMention: *acct.RequireMention,
				AllowGroups:    acct.AllowGroups,
				AllowDMs:       acct.AllowDMs,
				GroupSenders:   acct.GroupSenders,
			},
			Store:            store,
			Gate:             inbound.NewGate(dedupe, states, client, gateSettings, accountLogger),
			Reactor:          reactions.NewReactor(client, accountLogger, metrics),
			Messenger:        client,
			Sessions:         sessionRegistry,
			Dispatcher:       dispatcher,
			Announce:         queue,
			AnnounceSettings: announceSettings,
			ReconcileMaxAge:  time.Duration(cfg.Coordinator.ReconcileMaxAgeMs) * time.Millisecond,
			Logger:           accountLogger,
			Metrics:          metrics,
			Tracer:           tracer,
		})
		if err != nil {
			return nil, fmt.Errorf("gateway: account %s: %w", acct.ID, err)
		}
		source := feishu.NewEventSource(feishu.SourceOptions{
			AppID:     acct.AppID,
			AppSecret: acct.AppSecret,
			Domain:    acct.Domain,
			BotOpenID: acct.BotOpenID,
			Logger:    accountLogger,
			Handler:   coord.HandleInbound,
		})
		s.accounts = append(s.accounts, &accountRuntime{
			id:     acct.ID,
			coord:  coord,
			source: source,
		})
	}

	return s, nil
}

// buildDispatcher selects the agent backend from config. Validation has
// already constrained the provider name.
func buildDispatcher(cfg config.AgentConfig, logger *slog.Logger) (agent.Dispatcher, error) {
	switch cfg.Provider {
	case "anthropic":
		return agent.NewAnthropicDispatcher(agent.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Model:        cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			SystemPrompt: cfg.SystemPrompt,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("gateway: unsupported agent provider %q", cfg.Provider)
	}
}

// Announce routes an agent-initiated follow-up to the account's
// coordinator. Reports false when the account is unknown or the queue
// rejected the item.
func (s *Server) Announce(accountID string, item *announce.Item) bool {
	for _, rt := range s.accounts {
		if rt.id == accountID {
			return rt.coord.Announce(item)
		}
	}
	s.logger.Warn("announce for unknown account", "account_id", accountID)
	return false
}
