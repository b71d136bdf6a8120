package feishu

import (
	"context"
	"log/slog"
	"strings"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
)

// Handler consumes one parsed inbound message. Implementations must not
// panic; the coordinator guards its own handler.
type Handler func(ctx context.Context, msg *InboundMessage)

// SourceOptions configures an EventSource.
type SourceOptions struct {
	AppID     string
	AppSecret string
	Domain    string
	// BotOpenID is stripped from message text during parsing.
	BotOpenID string
	Logger    *slog.Logger
	Handler   Handler
}

// EventSource streams message-receive events for one app over the SDK
// websocket. The transport reconnects internally; duplicate redeliveries
// after a reconnect are filtered downstream by the inbound gate.
type EventSource struct {
	opts SourceOptions
	ws   *larkws.Client
}

// NewEventSource builds a websocket event source.
func NewEventSource(opts SourceOptions) *EventSource {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &EventSource{opts: opts}
}

// Run connects the websocket and blocks until ctx is cancelled. The SDK
// client has no explicit stop; cancelling ctx is the shutdown path.
func (s *EventSource) Run(ctx context.Context) error {
	eventDispatcher := dispatcher.NewEventDispatcher("", "")
	eventDispatcher.OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
		msg := ParseMessage(event, s.opts.BotOpenID)
		if msg == nil {
			return nil
		}
		if s.opts.Handler != nil {
			s.opts.Handler(ctx, msg)
		}
		return nil
	})

	wsOpts := []larkws.ClientOption{
		larkws.WithEventHandler(eventDispatcher),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	}
	if domain := strings.TrimSpace(s.opts.Domain); domain != "" {
		wsOpts = append(wsOpts, larkws.WithDomain(domain))
	}
	s.ws = larkws.NewClient(s.opts.AppID, s.opts.AppSecret, wsOpts...)

	s.opts.Logger.Info("feishu event source connecting", "app_id", s.opts.AppID)
	return s.ws.Start(ctx)
}
