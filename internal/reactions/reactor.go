// Package reactions paints task status as emoji reactions on the anchor
// message, replacing one status emoji with the next as the task advances.
package reactions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/peregrinehq/larkgate/internal/feishu"
	"github.com/peregrinehq/larkgate/internal/inflight"
	"github.com/peregrinehq/larkgate/internal/observability"
)

// Feishu emoji type keys used for status display.
const (
	EmojiReceived = "GLANCE"
	EmojiQueued   = "ONE_SECOND"
	EmojiWorking  = "HAMMER"
	EmojiWaiting  = "ALARM"
	EmojiDone     = "DONE"
	EmojiError    = "ERROR"

	// EmojiTyping is the transient indicator painted while the agent is
	// generating. It is not a task state; boot reconcile cleans up
	// leftovers.
	EmojiTyping = "TYPING"
)

// ForState maps a task state to its status emoji.
func ForState(state inflight.TaskState) string {
	switch state {
	case inflight.StateReceived:
		return EmojiReceived
	case inflight.StateQueued:
		return EmojiQueued
	case inflight.StateWorking:
		return EmojiWorking
	case inflight.StateWaiting:
		return EmojiWaiting
	case inflight.StateDone:
		return EmojiDone
	case inflight.StateFailed, inflight.StateInterrupted:
		return EmojiError
	default:
		return ""
	}
}

// Reactor replaces the status emoji displayed on an anchor message.
type Reactor struct {
	messenger feishu.Messenger
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewReactor builds a reactor on the given messenger.
func NewReactor(messenger feishu.Messenger, logger *slog.Logger, metrics *observability.Metrics) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{messenger: messenger, logger: logger, metrics: metrics}
}

// Replace paints nextEmoji on messageID, then removes prev. The add runs
// first so the message never shows no status; an add error propagates and
// leaves prev in place. The remove is best-effort: a failure leaves at
// most one stale emoji, overwritten on the next transition.
//
// Feishu deduplicates reactions server-side and may return the reaction
// id of prev when the same emoji is re-added. In that case the remove is
// skipped, otherwise it would clear the emoji just painted.
func (r *Reactor) Replace(ctx context.Context, messageID, nextEmoji string, prev *inflight.Reaction) (*inflight.Reaction, error) {
	reactionID, err := r.messenger.AddReaction(ctx, messageID, nextEmoji)
	r.metrics.Reaction("add", err)
	if err != nil {
		return nil, fmt.Errorf("add reaction %s: %w", nextEmoji, err)
	}
	next := &inflight.Reaction{EmojiType: nextEmoji, ReactionID: reactionID}

	if prev != nil && prev.ReactionID != "" && prev.ReactionID != reactionID {
		err := r.messenger.RemoveReaction(ctx, messageID, prev.ReactionID)
		r.metrics.Reaction("remove", err)
		if err != nil {
			r.logger.Warn("remove reaction failed",
				"message_id", messageID,
				"reaction_id", prev.ReactionID,
				"error", err)
		}
	}
	return next, nil
}
