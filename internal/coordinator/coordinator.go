// Package coordinator drives the in-flight task state machine: admit an
// inbound message, classify it as new work or a "continue" resume, create
// the durable task record, dispatch to the agent, and finalize from the
// dispatch outcome. It also owns boot reconciliation of tasks orphaned by
// a restart and the auto-finalization of waiting tasks when a follow-up
// lands on their anchor.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/peregrinehq/larkgate/internal/agent"
	"github.com/peregrinehq/larkgate/internal/announce"
	"github.com/peregrinehq/larkgate/internal/feishu"
	"github.com/peregrinehq/larkgate/internal/inbound"
	"github.com/peregrinehq/larkgate/internal/inflight"
	"github.com/peregrinehq/larkgate/internal/observability"
	"github.com/peregrinehq/larkgate/internal/reactions"
	"github.com/peregrinehq/larkgate/internal/sessions"
	"github.com/peregrinehq/larkgate/pkg/models"
)

// User-facing notices. The bot speaks Chinese to match its audience.
const (
	noResumableNotice    = "没有可恢复的任务。"
	failedFallbackNotice = "本次处理未完成。回复「继续」可重试。"
	interruptionNotice   = "任务在网关重启时被中断。回复「继续」可恢复处理。"
)

const (
	defaultReconcileMaxAge = 24 * time.Hour

	senderNameCacheSize = 512

	permissionCooldownSize   = 64
	permissionNoticeCooldown = 5 * time.Minute

	historyRingLimit = 50
)

// resumePattern classifies a message as a resume request by its prefix.
var resumePattern = regexp.MustCompile(`(?i)^(继续|continue|resume)`)

var errNoResumable = errors.New("no resumable task")

// Options wires one Coordinator. Store, Gate, Reactor, Messenger,
// Sessions, and Dispatcher are required; Announce is optional (without it
// agent follow-ups have no delivery path and Announce reports false).
type Options struct {
	Policy           AccountPolicy
	Store            *inflight.Store
	Gate             *inbound.Gate
	Reactor          *reactions.Reactor
	Messenger        feishu.Messenger
	Sessions         *sessions.Registry
	Dispatcher       agent.Dispatcher
	Announce         *announce.Queue
	AnnounceSettings announce.Settings

	// ReconcileMaxAge bounds how old an orphaned task may be and still
	// receive the interruption treatment. Zero picks 24 hours.
	ReconcileMaxAge time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Coordinator runs the inbound pipeline for one Feishu account.
type Coordinator struct {
	policy           AccountPolicy
	store            *inflight.Store
	gate             *inbound.Gate
	reactor          *reactions.Reactor
	messenger        feishu.Messenger
	sessions         *sessions.Registry
	dispatcher       agent.Dispatcher
	announce         *announce.Queue
	announceSettings announce.Settings
	reconcileMaxAge  time.Duration

	history     *chatHistory
	senderNames *lru.Cache[string, string]
	permNotices *expirable.LRU[string, time.Time]

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// NewCoordinator builds a coordinator from opts.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Policy.AccountID == "" {
		return nil, errors.New("coordinator: account id is required")
	}
	if opts.Store == nil || opts.Gate == nil || opts.Reactor == nil {
		return nil, errors.New("coordinator: store, gate, and reactor are required")
	}
	if opts.Messenger == nil {
		return nil, errors.New("coordinator: messenger is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("coordinator: session registry is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("coordinator: dispatcher is required")
	}

	senderNames, err := lru.New[string, string](senderNameCacheSize)
	if err != nil {
		return nil, fmt.Errorf("coordinator: sender name cache: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reconcileMaxAge := opts.ReconcileMaxAge
	if reconcileMaxAge <= 0 {
		reconcileMaxAge = defaultReconcileMaxAge
	}

	return &Coordinator{
		policy:           opts.Policy,
		store:            opts.Store,
		gate:             opts.Gate,
		reactor:          opts.Reactor,
		messenger:        opts.Messenger,
		sessions:         opts.Sessions,
		dispatcher:       opts.Dispatcher,
		announce:         opts.Announce,
		announceSettings: opts.AnnounceSettings,
		reconcileMaxAge:  reconcileMaxAge,
		history:          newChatHistory(historyRingLimit),
		senderNames:      senderNames,
		permNotices:      expirable.NewLRU[string, time.Time](permissionCooldownSize, nil, permissionNoticeCooldown),
		logger:           logger,
		metrics:          opts.Metrics,
		tracer:           opts.Tracer,
		now:              time.Now,
	}, nil
}

// SetClock overrides the coordinator clock. Tests only.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// AccountID returns the account this coordinator serves.
func (c *Coordinator) AccountID() string {
	return c.policy.AccountID
}

// HandleInbound runs one parsed inbound message through the pipeline:
// admission, policy, classification, task creation or resume, dispatch.
// Nothing propagates back to the event source; failures are logged here.
func (c *Coordinator) HandleInbound(ctx context.Context, msg *feishu.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("inbound handler panic", "account_id", c.policy.AccountID, "panic", r)
		}
	}()

	if msg == nil || msg.MessageID == "" {
		return
	}
	if msg.SenderIsBot {
		// Never engage another bot; echo loops are worse than silence.
		return
	}

	ctx, span := c.tracer.TraceInbound(ctx, c.policy.AccountID, msg.ChatType)
	defer span.End()

	switch decision := c.gate.Admit(ctx, c.policy.AccountID, msg); decision {
	case inbound.Admitted:
	default:
		c.metrics.Inbound(c.policy.AccountID, decision.String())
		return
	}

	if !c.policy.Allows(msg) {
		if msg.IsGroup() {
			c.history.Record(msg.ChatID, historyEntry{
				SenderOpenID: msg.SenderOpenID,
				Text:         msg.Text,
				AtMs:         msg.CreateTimeMs,
			})
		}
		c.metrics.Inbound(c.policy.AccountID, "policy_denied")
		return
	}
	c.metrics.Inbound(c.policy.AccountID, "admitted")

	if resumePattern.MatchString(strings.TrimSpace(msg.Text)) {
		c.handleResume(ctx, msg)
		return
	}
	c.startTask(ctx, msg)
}

// startTask creates a fresh task anchored at msg and runs it.
func (c *Coordinator) startTask(ctx context.Context, msg *feishu.InboundMessage) {
	chatType := inflight.ChatDirect
	if msg.IsGroup() {
		chatType = inflight.ChatGroup
	}
	task := inflight.NewTask(c.policy.AccountID, msg.ChatID, chatType, msg.MessageID, msg.Text, c.now().UnixMilli())
	task.UserOpenID = msg.SenderOpenID

	var duplicate bool
	err := c.store.Mutate(c.policy.AccountID, func(st *inflight.State) error {
		if existing := st.TaskByMessageID(msg.MessageID); existing != nil {
			duplicate = true
			return errUnchanged
		}
		st.UpsertTask(task)
		return nil
	})
	if duplicate {
		// One task per anchor; the gate normally catches redeliveries
		// before we get here.
		c.logger.Info("task already exists for anchor", "message_id", msg.MessageID)
		return
	}
	if err != nil {
		c.logger.Error("task create failed",
			"account_id", c.policy.AccountID, "message_id", msg.MessageID, "error", err)
		return
	}

	c.advance(ctx, task, inflight.StateReceived, nil)
	c.runTask(ctx, task, msg)
}

// handleResume restarts the chat's last interruptible task when the rules
// allow, otherwise tells the sender there is nothing to resume.
func (c *Coordinator) handleResume(ctx context.Context, msg *feishu.InboundMessage) {
	var task *inflight.Task
	err := c.store.Mutate(c.policy.AccountID, func(st *inflight.State) error {
		candidate := st.LastInterruptibleTask(msg.ChatID)
		if candidate == nil || !candidate.State.Resumable() {
			return errNoResumable
		}
		if candidate.ResumeAttempts >= inflight.MaxResumeAttempts {
			return errNoResumable
		}
		if msg.IsGroup() && candidate.UserOpenID != "" && candidate.UserOpenID != msg.SenderOpenID {
			return errNoResumable
		}
		candidate.ResumeAttempts++
		candidate.State = inflight.StateReceived
		candidate.InterruptedHandled = false
		candidate.UpdatedAtMs = c.now().UnixMilli()
		st.UpsertTask(candidate)
		task = candidate
		return nil
	})
	if errors.Is(err, errNoResumable) {
		c.replyBestEffort(ctx, msg.MessageID, noResumableNotice)
		return
	}
	if err != nil {
		c.logger.Error("resume failed",
			"account_id", c.policy.AccountID, "chat_id", msg.ChatID, "error", err)
		return
	}

	c.logger.Info("task resumed",
		"task_id", task.ID, "attempt", task.ResumeAttempts, "chat_id", task.ChatID)
	c.advance(ctx, task, inflight.StateReceived, nil)
	c.runTask(ctx, task, nil)
}

// runTask dispatches one task to the agent and finalizes it from the
// outcome. msg is nil on resume; the envelope then replays the task's
// original text without fresh context blocks.
func (c *Coordinator) runTask(ctx context.Context, task *inflight.Task, msg *feishu.InboundMessage) {
	task.RunID = inflight.NewID()
	prompt := c.buildEnvelope(ctx, task, msg)
	c.advance(ctx, task, inflight.StateQueued, nil)

	typingID := c.paintTyping(ctx, task)

	sessionKey := c.sessionKey(task.ChatID)
	req := &agent.Request{
		SessionKey: sessionKey,
		Prompt:     prompt,
		Transcript: c.sessions.Manager(sessionKey),
		Reply: func(ctx context.Context, text string) error {
			_, err := c.messenger.ReplyMessage(ctx, task.MessageID, text)
			return err
		},
		Status: agent.StatusCallbacks{
			OnReplyStart: func() {
				c.advance(ctx, task, inflight.StateWorking, nil)
			},
		},
	}

	start := c.now()
	dctx, span := c.tracer.TraceDispatch(ctx, c.dispatcher.Provider(), sessionKey)
	res, err := c.dispatcher.DispatchReply(dctx, req)
	c.tracer.RecordError(span, err)
	span.End()
	c.clearTyping(ctx, task, typingID)
	if err != nil {
		c.metrics.Dispatch("error", c.now().Sub(start).Seconds())
		c.failTask(ctx, task, err)
		return
	}
	c.metrics.Dispatch("ok", c.now().Sub(start).Seconds())

	switch {
	case res != nil && res.Counts.Final > 0:
		c.finishTask(ctx, task)
	case res != nil && res.QueuedFinal:
		c.advance(ctx, task, inflight.StateWaiting, nil)
	default:
		c.failTask(ctx, task, nil)
	}
}

// failTask marks the task failed, records it as the chat's resume target,
// and invites the user to retry.
func (c *Coordinator) failTask(ctx context.Context, task *inflight.Task, cause error) {
	if cause != nil {
		if perr, ok := feishu.AsPermissionError(cause); ok {
			c.notePermissionError(ctx, task, perr)
		}
		c.logger.Error("agent dispatch failed",
			"task_id", task.ID, "chat_id", task.ChatID, "error", cause)
	}
	c.advance(ctx, task, inflight.StateFailed, func(st *inflight.State) {
		st.SetLastInterruptible(task.ChatID, task.ID)
	})
	c.replyBestEffort(ctx, task.MessageID, failedFallbackNotice)
}

// finishTask paints done and deletes the record.
func (c *Coordinator) finishTask(ctx context.Context, task *inflight.Task) {
	c.paint(ctx, task, inflight.StateDone)
	c.metrics.Transition(string(inflight.StateDone))
	if err := c.store.Mutate(task.AccountID, func(st *inflight.State) error {
		st.RemoveTask(task.ID)
		return nil
	}); err != nil {
		c.logger.Warn("task removal failed", "task_id", task.ID, "error", err)
	}
}

// advance moves task to state: paint the state emoji, stamp the clock,
// persist. edit runs inside the same journal write, for updates that must
// land atomically with the task (the last-interruptible pointer).
func (c *Coordinator) advance(ctx context.Context, task *inflight.Task, state inflight.TaskState, edit func(*inflight.State)) {
	c.paint(ctx, task, state)
	task.State = state
	task.UpdatedAtMs = c.now().UnixMilli()
	c.metrics.Transition(string(state))
	if err := c.store.Mutate(task.AccountID, func(st *inflight.State) error {
		st.UpsertTask(task)
		if edit != nil {
			edit(st)
		}
		return nil
	}); err != nil {
		c.logger.Warn("task state persist failed",
			"task_id", task.ID, "state", string(state), "error", err)
	}
}

// paint replaces the status emoji for state and writes the returned
// reaction back onto the task. Display-only: failures never block the
// state machine.
func (c *Coordinator) paint(ctx context.Context, task *inflight.Task, state inflight.TaskState) {
	next, err := c.reactor.Replace(ctx, task.MessageID, reactions.ForState(state), task.Reaction)
	if err != nil {
		if perr, ok := feishu.AsPermissionError(err); ok {
			c.notePermissionError(ctx, task, perr)
		}
		c.logger.Warn("status reaction failed",
			"task_id", task.ID, "state", string(state), "error", err)
		return
	}
	task.Reaction = next
}

// paintTyping shows the transient typing indicator on the anchor. The
// returned reaction id is local to this run; boot reconcile sweeps up
// leftovers after a crash.
func (c *Coordinator) paintTyping(ctx context.Context, task *inflight.Task) string {
	id, err := c.messenger.AddReaction(ctx, task.MessageID, reactions.EmojiTyping)
	if err != nil {
		c.logger.Warn("typing indicator failed", "task_id", task.ID, "error", err)
		return ""
	}
	return id
}

func (c *Coordinator) clearTyping(ctx context.Context, task *inflight.Task, reactionID string) {
	if reactionID == "" {
		return
	}
	if err := c.messenger.RemoveReaction(ctx, task.MessageID, reactionID); err != nil {
		c.logger.Warn("typing indicator removal failed", "task_id", task.ID, "error", err)
	}
}

// notePermissionError informs the user once per cooldown window that the
// bot is missing a permission scope, and leaves a system entry in the
// session so the agent can explain on its next turn.
func (c *Coordinator) notePermissionError(ctx context.Context, task *inflight.Task, perr *feishu.PermissionError) {
	key := c.policy.AccountID
	if last, ok := c.permNotices.Get(key); ok && c.now().Sub(last) < permissionNoticeCooldown {
		c.logger.Info("permission notice suppressed by cooldown",
			"account_id", key, "code", perr.Code)
		return
	}
	c.permNotices.Add(key, c.now())

	notice := permissionNotice(perr)
	sessionKey := c.sessionKey(task.ChatID)
	if err := c.sessions.Manager(sessionKey).AppendMessage(ctx, &models.Message{
		ID:         uuid.NewString(),
		SessionKey: sessionKey,
		Role:       models.RoleSystem,
		Content:    notice,
		CreatedAt:  c.now().UTC(),
	}); err != nil {
		c.logger.Warn("permission notice transcript append failed", "error", err)
	}
	if _, err := c.messenger.SendMessage(ctx, task.ChatID, notice); err != nil {
		c.logger.Warn("permission notice send failed", "chat_id", task.ChatID, "error", err)
	}
}

func permissionNotice(perr *feishu.PermissionError) string {
	if perr.GrantURL != "" {
		return fmt.Sprintf("机器人缺少所需权限（code=%d），请管理员前往开通：%s", perr.Code, perr.GrantURL)
	}
	return fmt.Sprintf("机器人缺少所需权限（code=%d），请管理员检查应用权限配置。", perr.Code)
}

func (c *Coordinator) replyBestEffort(ctx context.Context, messageID, text string) {
	if _, err := c.messenger.ReplyMessage(ctx, messageID, text); err != nil {
		c.logger.Warn("notice reply failed", "message_id", messageID, "error", err)
	}
}

func (c *Coordinator) sessionKey(chatID string) string {
	return c.policy.AccountID + "-" + chatID
}

// Announce queues an agent-initiated follow-up for delivery to its origin
// chat. Delivery is async through the announce queue; a successful send
// that replies to a waiting task's anchor finalizes that task.
func (c *Coordinator) Announce(item *announce.Item) bool {
	if item == nil {
		return false
	}
	if c.announce == nil {
		c.logger.Warn("announce dropped, no queue configured")
		return false
	}
	if item.Origin.AccountID == "" {
		item.Origin.AccountID = c.policy.AccountID
	}
	key := item.Origin.Key()
	if key == "" {
		key = c.policy.AccountID
	}
	return c.announce.Enqueue(key, item, c.announceSettings, c.deliverAnnounce)
}

// deliverAnnounce is the announce queue's send function: reply to the
// origin message when one is known, otherwise send to the origin chat.
func (c *Coordinator) deliverAnnounce(ctx context.Context, item *announce.Item) error {
	switch {
	case item.Origin.ReplyTo != "":
		if _, err := c.messenger.ReplyMessage(ctx, item.Origin.ReplyTo, item.Prompt); err != nil {
			return err
		}
		c.NoteOutbound(ctx, item.Origin.ReplyTo)
		return nil
	case item.Origin.ChatID != "":
		_, err := c.messenger.SendMessage(ctx, item.Origin.ChatID, item.Prompt)
		return err
	default:
		return fmt.Errorf("announce %s has no destination", item.AnnounceID)
	}
}
