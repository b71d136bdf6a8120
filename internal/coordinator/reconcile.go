package coordinator

import (
	"context"
	"errors"

	"github.com/peregrinehq/larkgate/internal/inflight"
	"github.com/peregrinehq/larkgate/internal/reactions"
)

var errUnchanged = errors.New("journal unchanged")

// Reconcile sweeps tasks orphaned by a restart: anything still queued,
// working, or waiting was interrupted mid-flight. Each such task younger
// than the max age gets its typing indicator cleaned up, the ERROR emoji
// painted, one interruption notice on the anchor, and becomes the chat's
// resume target. The journal is persisted once at the end.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.reconcile")
	defer span.End()

	nowMs := c.now().UnixMilli()
	maxAgeMs := c.reconcileMaxAge.Milliseconds()

	handled := 0
	err := c.store.Mutate(c.policy.AccountID, func(st *inflight.State) error {
		for _, task := range st.Tasks {
			if task.InterruptedHandled {
				continue
			}
			switch task.State {
			case inflight.StateQueued, inflight.StateWorking, inflight.StateWaiting:
			default:
				continue
			}
			if nowMs-task.UpdatedAtMs > maxAgeMs {
				continue
			}

			c.clearStaleTyping(ctx, task.MessageID)
			c.paint(ctx, task, inflight.StateInterrupted)
			c.replyBestEffort(ctx, task.MessageID, interruptionNotice)

			task.State = inflight.StateInterrupted
			task.InterruptedHandled = true
			task.UpdatedAtMs = nowMs
			st.SetLastInterruptible(task.ChatID, task.ID)
			c.metrics.Transition(string(inflight.StateInterrupted))
			handled++
		}
		if handled == 0 {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	if handled > 0 {
		c.logger.Info("boot reconcile complete",
			"account_id", c.policy.AccountID, "interrupted", handled)
	}
	return nil
}

// clearStaleTyping removes typing indicators a previous process left on
// the anchor. Only reactions painted by an app operator are removed; a
// human using the same emoji keeps theirs.
func (c *Coordinator) clearStaleTyping(ctx context.Context, messageID string) {
	entries, err := c.messenger.ListReactions(ctx, messageID, reactions.EmojiTyping)
	if err != nil {
		c.logger.Warn("typing cleanup list failed", "message_id", messageID, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.OperatorType != "app" {
			continue
		}
		if err := c.messenger.RemoveReaction(ctx, messageID, entry.ReactionID); err != nil {
			c.logger.Warn("typing cleanup remove failed",
				"message_id", messageID, "reaction_id", entry.ReactionID, "error", err)
		}
	}
}

// NoteOutbound finalizes the waiting task whose anchor the outbound
// message replied to: the awaited follow-up has landed, so paint done
// and delete the record. Best-effort; errors are logged and swallowed.
func (c *Coordinator) NoteOutbound(ctx context.Context, replyToID string) {
	if replyToID == "" {
		return
	}
	err := c.store.Mutate(c.policy.AccountID, func(st *inflight.State) error {
		task := st.TaskByMessageID(replyToID)
		if task == nil || task.State != inflight.StateWaiting {
			return errUnchanged
		}
		c.paint(ctx, task, inflight.StateDone)
		c.metrics.Transition(string(inflight.StateDone))
		st.RemoveTask(task.ID)
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		c.logger.Warn("outbound finalization failed",
			"message_id", replyToID, "error", err)
	}
}
