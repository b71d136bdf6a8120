package inflight

import (
	"github.com/google/uuid"
)

// TaskState is the lifecycle state of an in-flight task.
type TaskState string

const (
	StateReceived    TaskState = "received"
	StateQueued      TaskState = "queued"
	StateWorking     TaskState = "working"
	StateWaiting     TaskState = "waiting"
	StateDone        TaskState = "done"
	StateFailed      TaskState = "failed"
	StateInterrupted TaskState = "interrupted"
)

// Terminal reports whether the state admits no further transitions except
// an explicit resume.
func (s TaskState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateInterrupted
}

// Resumable reports whether a "continue" reply may restart a task in this
// state. Waiting tasks self-finalize when their followup lands, so they are
// deliberately excluded.
func (s TaskState) Resumable() bool {
	return s == StateInterrupted || s == StateFailed
}

// ChatType distinguishes direct chats from group chats.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// Reaction records the status emoji currently displayed on the anchor
// message and the provider handle needed to remove it later.
type Reaction struct {
	EmojiType  string `json:"emojiType"`
	ReactionID string `json:"reactionId"`
}

// Task is the durable record of one agent job bound to an anchor message.
// The anchor (MessageID) is the inbound provider message the bot reacts and
// replies to; it stays stable across resumes.
type Task struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	AccountID    string    `json:"accountId"`
	ChatID       string    `json:"chatId"`
	ChatType     ChatType  `json:"chatType"`
	UserOpenID   string    `json:"userOpenId,omitempty"`
	MessageID    string    `json:"messageId"`
	OriginalText string    `json:"originalText"`
	Truncated    bool      `json:"truncated,omitempty"`
	State        TaskState `json:"state"`
	Reaction     *Reaction `json:"reaction,omitempty"`
	// ResumeAttempts counts explicit "continue" resumes; capped at
	// MaxResumeAttempts and never decremented.
	ResumeAttempts     int    `json:"resumeAttempts"`
	UpdatedAtMs        int64  `json:"updatedAtMs"`
	InterruptedHandled bool   `json:"interruptedHandled"`
	RunID              string `json:"runId,omitempty"`
}

const (
	// MaxOriginalTextChars bounds the prompt text stored per task.
	MaxOriginalTextChars = 8000

	// MaxResumeAttempts caps how many times one task may be resumed.
	MaxResumeAttempts = 2
)

// NewTask builds a task in state received anchored at messageID. Text
// longer than MaxOriginalTextChars is clamped and the Truncated flag set.
func NewTask(accountID, chatID string, chatType ChatType, messageID, text string, nowMs int64) *Task {
	t := &Task{
		ID:          NewID(),
		Provider:    "feishu",
		AccountID:   accountID,
		ChatID:      chatID,
		ChatType:    chatType,
		MessageID:   messageID,
		State:       StateReceived,
		UpdatedAtMs: nowMs,
	}
	t.OriginalText, t.Truncated = ClampText(text)
	return t
}

// ClampText bounds text to MaxOriginalTextChars characters. The cut is
// rune-safe so multi-byte text never splits mid-character.
func ClampText(text string) (string, bool) {
	runes := []rune(text)
	if len(runes) <= MaxOriginalTextChars {
		return text, false
	}
	return string(runes[:MaxOriginalTextChars]), true
}

// NewID returns a fresh opaque task id.
func NewID() string {
	return uuid.NewString()
}
