package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/peregrinehq/larkgate/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

// MessagesClient is the subset of the Anthropic SDK the dispatcher uses.
// It is satisfied by *anthropic.MessageService so tests can pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicConfig configures the reference dispatcher.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string
	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string
	// Model selects the Claude model. Empty picks a current default.
	Model string
	// MaxTokens caps completion length. Zero or negative picks 4096.
	MaxTokens int
	// SystemPrompt is sent as the system block when non-empty.
	SystemPrompt string

	Logger *slog.Logger
}

// AnthropicDispatcher is a transcript-aware single-turn Dispatcher on the
// Anthropic Messages API: it persists the prompt, replays the whole
// session history in one non-streaming Messages call, and delivers the
// completion text as the final reply.
type AnthropicDispatcher struct {
	msg       MessagesClient
	model     string
	maxTokens int
	system    string
	logger    *slog.Logger
}

// NewAnthropicDispatcher builds a dispatcher from config, applying
// defaults for the model and token cap.
func NewAnthropicDispatcher(cfg AnthropicConfig) (*AnthropicDispatcher, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return newAnthropicDispatcher(&client.Messages, cfg), nil
}

func newAnthropicDispatcher(msg MessagesClient, cfg AnthropicConfig) *AnthropicDispatcher {
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicDispatcher{
		msg:       msg,
		model:     model,
		maxTokens: maxTokens,
		system:    cfg.SystemPrompt,
		logger:    logger,
	}
}

// Provider implements Dispatcher.
func (d *AnthropicDispatcher) Provider() string { return "anthropic" }

// DispatchReply runs one prompt through the Messages API. The user
// message is persisted before the call and the assistant reply after it;
// transcript write failures degrade to warnings so a full disk never
// silences the agent.
func (d *AnthropicDispatcher) DispatchReply(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.Reply == nil {
		return nil, errors.New("anthropic: reply function is required")
	}
	if req.Status.OnIdle != nil {
		defer req.Status.OnIdle()
	}

	d.persist(ctx, req, &models.Message{
		ID:         uuid.NewString(),
		SessionKey: req.SessionKey,
		Role:       models.RoleUser,
		Content:    req.Prompt,
		CreatedAt:  time.Now().UTC(),
	})

	messages, err := convertTranscript(d.history(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert transcript: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(d.model),
		Messages:  messages,
		MaxTokens: int64(d.maxTokens),
	}
	if d.system != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: d.system,
			},
		}
	}

	msg, err := d.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	text := completionText(msg)
	if text == "" {
		d.logger.Warn("anthropic completion had no text content", "session_key", req.SessionKey)
		return &Result{}, nil
	}

	if req.Status.OnReplyStart != nil {
		req.Status.OnReplyStart()
	}
	if err := req.Reply(ctx, text); err != nil {
		return nil, fmt.Errorf("deliver reply: %w", err)
	}

	d.persist(ctx, req, &models.Message{
		ID:         uuid.NewString(),
		SessionKey: req.SessionKey,
		Role:       models.RoleAssistant,
		Content:    text,
		CreatedAt:  time.Now().UTC(),
	})

	return &Result{Counts: Counts{Final: 1}}, nil
}

func (d *AnthropicDispatcher) persist(ctx context.Context, req *Request, msg *models.Message) {
	if req.Transcript == nil {
		return
	}
	if err := req.Transcript.AppendMessage(ctx, msg); err != nil {
		d.logger.Warn("transcript append failed",
			"session_key", req.SessionKey, "role", msg.Role, "error", err)
	}
}

// history returns the entries to replay. When the transcript is missing
// or unreadable the dispatch degrades to the prompt alone.
func (d *AnthropicDispatcher) history(req *Request) []*models.Message {
	fallback := []*models.Message{{Role: models.RoleUser, Content: req.Prompt}}
	if req.Transcript == nil {
		return fallback
	}
	entries, err := req.Transcript.Entries()
	if err != nil {
		d.logger.Warn("transcript read failed, dispatching prompt only",
			"session_key", req.SessionKey, "error", err)
		return fallback
	}
	if len(entries) == 0 {
		return fallback
	}
	return entries
}

// convertTranscript maps transcript entries into Anthropic message
// params. System entries are skipped (the system prompt travels in
// params.System) and tool results become user-role tool_result blocks,
// which is how the Messages API pairs them with the assistant's
// tool_use blocks.
func convertTranscript(entries []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, entry := range entries {
		if entry == nil || entry.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if entry.Content != "" {
			content = append(content, anthropic.NewTextBlock(entry.Content))
		}

		if entry.ToolResult != nil {
			content = append(content, anthropic.NewToolResultBlock(
				entry.ToolResult.ToolCallID,
				entry.ToolResult.Text(),
				entry.ToolResult.IsError,
			))
		}

		for _, call := range entry.ToolCalls {
			// The transcript guard allows empty inputs through; the API
			// wants an object either way.
			input := map[string]interface{}{}
			if len(call.Input) > 0 {
				if err := json.Unmarshal(call.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}

		if len(content) == 0 {
			continue
		}

		if entry.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func completionText(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
