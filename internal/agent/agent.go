// Package agent defines the dispatch contract between the gateway
// coordinator and the agent runtime, plus one reference implementation
// backed by the Anthropic Messages API.
//
// The coordinator hands a Dispatcher one prompt per inbound task and
// observes the outcome through the Result counts and the status
// callbacks. Everything else about the runtime (tool loops, model
// choice, streaming) stays behind the interface.
package agent

import (
	"context"

	"github.com/peregrinehq/larkgate/pkg/models"
)

// Counts reports how many messages a dispatch produced, split by kind.
// Final replies answer the triggering message; announce messages are
// side-channel notifications queued while the agent was busy.
type Counts struct {
	Final    int
	Announce int
}

// Result is the dispatcher's account of one completed dispatch.
type Result struct {
	// QueuedFinal is set when the final reply was accepted by the runtime
	// but not yet delivered, so the task should wait for outbound
	// confirmation instead of completing immediately.
	QueuedFinal bool

	Counts Counts
}

// StatusCallbacks lets the coordinator track dispatch progress without
// polling. Either callback may be nil. OnReplyStart fires at most once,
// before the first reply is delivered; OnIdle fires exactly once, when
// the dispatcher is done with the request (successful or not).
type StatusCallbacks struct {
	OnReplyStart func()
	OnIdle       func()
}

// ReplyFunc delivers one outbound reply for the in-flight request.
type ReplyFunc func(ctx context.Context, text string) error

// Transcript is the slice of the session manager a dispatcher needs:
// append entries and read the history back. *sessions.Guard satisfies it.
type Transcript interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	Entries() ([]*models.Message, error)
}

// Request carries one prompt through a dispatcher.
type Request struct {
	// SessionKey identifies the conversation; transcript entries are
	// stamped with it.
	SessionKey string

	// Prompt is the fully-enveloped inbound text.
	Prompt string

	// Transcript persists the exchange. May be nil, in which case the
	// dispatch is stateless.
	Transcript Transcript

	// Reply delivers the agent's answer back to the originating chat.
	Reply ReplyFunc

	Status StatusCallbacks
}

// Dispatcher executes one request against the agent runtime.
//
// A nil error with zero Counts and QueuedFinal unset means the runtime
// produced nothing; the coordinator treats that the same as a failure.
type Dispatcher interface {
	DispatchReply(ctx context.Context, req *Request) (*Result, error)

	// Provider names the backing runtime, for logs and trace attributes.
	Provider() string
}
