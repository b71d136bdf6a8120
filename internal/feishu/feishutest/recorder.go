// Package feishutest provides a recording fake Messenger shared by the
// control-plane test suites.
package feishutest

import (
	"context"
	"fmt"
	"sync"

	"github.com/peregrinehq/larkgate/internal/feishu"
)

// Call records one outbound call made through the fake.
type Call struct {
	Method     string // SendMessage, ReplyMessage, AddReaction, RemoveReaction, ListReactions, FetchMessage, GetUserName
	ChatID     string
	MessageID  string
	Text       string
	EmojiType  string
	ReactionID string
	OpenID     string
}

// Recorder implements feishu.Messenger by recording calls and returning
// configurable responses. Reaction ids are deterministic per
// (message, emoji) pair, mirroring Feishu's server-side reaction
// deduplication, unless NextReactionID overrides the next one.
type Recorder struct {
	mu    sync.Mutex
	calls []Call

	// NextMessageID overrides the next generated om_recorded_N id.
	NextMessageID string

	// NextReactionID overrides the next generated reaction id.
	NextReactionID string

	// Errs returns the mapped error on every call of that method.
	Errs map[string]error

	// ErrOnce returns the mapped error on the next call of that method,
	// then clears it.
	ErrOnce map[string]error

	// Reactions seeds ListReactions responses, keyed by
	// messageID+"/"+emojiType.
	Reactions map[string][]feishu.ReactionEntry

	// Messages seeds FetchMessage responses by message id.
	Messages map[string]*feishu.FetchedMessage

	// Names seeds GetUserName responses by open id.
	Names map[string]string

	sendSeq int
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		Errs:      map[string]error{},
		ErrOnce:   map[string]error{},
		Reactions: map[string][]feishu.ReactionEntry{},
		Messages:  map[string]*feishu.FetchedMessage{},
		Names:     map[string]string{},
	}
}

func (r *Recorder) failure(method string) error {
	if err, ok := r.ErrOnce[method]; ok && err != nil {
		delete(r.ErrOnce, method)
		return err
	}
	return r.Errs[method]
}

func (r *Recorder) nextMessageID() string {
	if r.NextMessageID != "" {
		id := r.NextMessageID
		r.NextMessageID = ""
		return id
	}
	r.sendSeq++
	return fmt.Sprintf("om_recorded_%d", r.sendSeq)
}

func (r *Recorder) SendMessage(_ context.Context, chatID, text string) (*feishu.SentMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "SendMessage", ChatID: chatID, Text: text})
	if err := r.failure("SendMessage"); err != nil {
		return nil, err
	}
	return &feishu.SentMessage{MessageID: r.nextMessageID(), ChatID: chatID}, nil
}

func (r *Recorder) ReplyMessage(_ context.Context, messageID, text string) (*feishu.SentMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "ReplyMessage", MessageID: messageID, Text: text})
	if err := r.failure("ReplyMessage"); err != nil {
		return nil, err
	}
	return &feishu.SentMessage{MessageID: r.nextMessageID()}, nil
}

func (r *Recorder) AddReaction(_ context.Context, messageID, emojiType string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "AddReaction", MessageID: messageID, EmojiType: emojiType})
	if err := r.failure("AddReaction"); err != nil {
		return "", err
	}
	if r.NextReactionID != "" {
		id := r.NextReactionID
		r.NextReactionID = ""
		return id, nil
	}
	return fmt.Sprintf("re_%s_on_%s", emojiType, messageID), nil
}

func (r *Recorder) RemoveReaction(_ context.Context, messageID, reactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "RemoveReaction", MessageID: messageID, ReactionID: reactionID})
	return r.failure("RemoveReaction")
}

func (r *Recorder) ListReactions(_ context.Context, messageID, emojiType string) ([]feishu.ReactionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "ListReactions", MessageID: messageID, EmojiType: emojiType})
	if err := r.failure("ListReactions"); err != nil {
		return nil, err
	}
	return r.Reactions[messageID+"/"+emojiType], nil
}

func (r *Recorder) FetchMessage(_ context.Context, messageID string) (*feishu.FetchedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "FetchMessage", MessageID: messageID})
	if err := r.failure("FetchMessage"); err != nil {
		return nil, err
	}
	msg, ok := r.Messages[messageID]
	if !ok {
		return nil, fmt.Errorf("fetch message: %s not found", messageID)
	}
	return msg, nil
}

func (r *Recorder) GetUserName(_ context.Context, openID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "GetUserName", OpenID: openID})
	if err := r.failure("GetUserName"); err != nil {
		return "", err
	}
	name, ok := r.Names[openID]
	if !ok {
		return "", fmt.Errorf("get user: no name for %s", openID)
	}
	return name, nil
}

// Calls returns a snapshot of all recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsByMethod returns recorded calls filtered by method name.
func (r *Recorder) CallsByMethod(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears recorded calls and the message id sequence.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.sendSeq = 0
}
