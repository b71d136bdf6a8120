package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/peregrinehq/larkgate/internal/feishu"
)

// Decision is the admission outcome for one inbound event.
type Decision int

const (
	Admitted Decision = iota
	DroppedDuplicate
	DroppedStale
)

// String returns the metrics label for the decision.
func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case DroppedDuplicate:
		return "duplicate"
	case DroppedStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Settings configures the persistent admission layer.
type Settings struct {
	// StaleDropEnabled turns on the watermark comparison.
	StaleDropEnabled bool
	// StaleReply sends the user-visible notice when dropping stale
	// messages.
	StaleReply bool
	// SkewWindowMs tolerates provider create_time skew before a message
	// counts as stale.
	SkewWindowMs int64
	// RecentIDsLimit bounds the persisted recent-id ring.
	RecentIDsLimit int
}

// DefaultSettings returns the stock admission settings.
func DefaultSettings() Settings {
	return Settings{
		StaleDropEnabled: true,
		StaleReply:       true,
		SkewWindowMs:     5000,
		RecentIDsLimit:   250,
	}
}

// Gate applies the full admission procedure: in-memory dedupe, persistent
// ring duplicate check, stale watermark comparison, and watermark
// advance. Persistence failures are logged and never block handling.
type Gate struct {
	dedupe    *Dedupe
	states    *StateStore
	messenger feishu.Messenger
	settings  Settings
	logger    *slog.Logger
	now       func() time.Time
}

// NewGate builds a gate over the given stores. messenger is only used for
// the stale-drop notice and may be nil when StaleReply is off.
func NewGate(dedupe *Dedupe, states *StateStore, messenger feishu.Messenger, settings Settings, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		dedupe:    dedupe,
		states:    states,
		messenger: messenger,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the gate clock for tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

var errUnchanged = errors.New("state unchanged")

// Admit decides whether msg may proceed to the coordinator.
//
// Duplicates are dropped whether caught by the in-memory layer or the
// persistent ring. A message older than the watermark minus the skew
// window is dropped as stale; its id still enters the ring so provider
// retries of the same message cannot storm, and when StaleReply is on a
// notice is sent replying to the dropped message. Otherwise the id is
// recorded and the watermark advances monotonically.
func (g *Gate) Admit(ctx context.Context, accountID string, msg *feishu.InboundMessage) Decision {
	if g.dedupe.CheckAt(msg.MessageID, g.now()) {
		return DroppedDuplicate
	}

	decision := Admitted
	var staleWatermark int64
	err := g.states.Mutate(accountID, msg.ChatID, func(state *State) error {
		if state.SeenRecently(msg.MessageID) {
			decision = DroppedDuplicate
			return errUnchanged
		}
		nowMs := g.now().UnixMilli()
		if g.settings.StaleDropEnabled && msg.CreateTimeMs < state.LastProcessedSentAtMs-g.settings.SkewWindowMs {
			decision = DroppedStale
			staleWatermark = state.LastProcessedSentAtMs
			state.RecordID(msg.MessageID, g.settings.RecentIDsLimit)
			state.UpdatedAtMs = nowMs
			return nil
		}
		state.RecordID(msg.MessageID, g.settings.RecentIDsLimit)
		if msg.CreateTimeMs > state.LastProcessedSentAtMs {
			state.LastProcessedSentAtMs = msg.CreateTimeMs
		}
		state.UpdatedAtMs = nowMs
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		g.logger.Warn("inbound state persist failed",
			"account_id", accountID, "chat_id", msg.ChatID, "error", err)
	}

	if decision == DroppedStale {
		g.logger.Info("stale inbound message dropped",
			"account_id", accountID,
			"chat_id", msg.ChatID,
			"message_id", msg.MessageID,
			"sent_at_ms", msg.CreateTimeMs,
			"watermark_ms", staleWatermark)
		if g.settings.StaleReply {
			g.replyStale(ctx, msg, staleWatermark)
		}
	}
	return decision
}

func (g *Gate) replyStale(ctx context.Context, msg *feishu.InboundMessage, watermark int64) {
	if g.messenger == nil {
		return
	}
	notice := fmt.Sprintf("过期消息，被忽略（消息时间 %d 早于已处理水位 %d，reason=out_of_order_delivery）",
		msg.CreateTimeMs, watermark)
	if _, err := g.messenger.ReplyMessage(ctx, msg.MessageID, notice); err != nil {
		g.logger.Warn("stale notice reply failed",
			"message_id", msg.MessageID, "error", err)
	}
}
