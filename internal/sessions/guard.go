package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/peregrinehq/larkgate/internal/observability"
	"github.com/peregrinehq/larkgate/pkg/models"
)

// DefaultMaxToolResultChars caps the total text persisted for one tool
// result.
const DefaultMaxToolResultChars = 50000

// TruncationSuffix is appended to every truncated tool-result text block.
const TruncationSuffix = "\n\n⚠️ [Content truncated during persistence — original exceeded size limit. Use offset/limit parameters or request specific sections for large content.]"

// RecoverableErrorMarker opens the annotation block appended to tool
// failures the agent can retry with adjusted input.
const RecoverableErrorMarker = "[RECOVERABLE_TOOL_ERROR]"

const editMatchNotFoundKind = "EDIT_EXACT_MATCH_NOT_FOUND"

var editMatchNotFoundPattern = regexp.MustCompile(`Could not find the exact text in ([^\n]+)`)

// ResultMeta describes the tool result being transformed.
type ResultMeta struct {
	ToolCallID string
	ToolName   string
	Synthetic  bool
}

// TransformFunc rewrites a tool result before persistence. Returning nil
// keeps the input unchanged.
type TransformFunc func(msg *models.Message, meta ResultMeta) *models.Message

// BeforeWriteFunc runs last before persistence. Returning (nil, nil)
// blocks the write; returning a message substitutes it.
type BeforeWriteFunc func(ctx context.Context, msg *models.Message) (*models.Message, error)

// GuardOptions configures a Guard.
type GuardOptions struct {
	// MaxToolResultChars caps total tool-result text; zero means the
	// default, negative disables the cap.
	MaxToolResultChars int
	Transform          TransformFunc
	BeforeWrite        BeforeWriteFunc
	Logger             *slog.Logger
	Metrics            *observability.Metrics
}

// Guard decorates a Manager so every persisted transcript stays
// acceptable to strict model providers: assistant tool calls are tracked
// and guaranteed a paired result (synthesized if the real one never
// arrives), tool results are size-capped and annotated, and malformed
// assistant tool calls are stripped before they can poison the file.
type Guard struct {
	inner       Manager
	maxChars    int
	transform   TransformFunc
	beforeWrite BeforeWriteFunc
	logger      *slog.Logger
	metrics     *observability.Metrics

	mu           sync.Mutex
	pending      map[string]string // tool call id -> tool name
	pendingOrder []string
}

// NewGuard wraps inner. Install at construction; appending to inner
// directly bypasses every guarantee.
func NewGuard(inner Manager, opts GuardOptions) *Guard {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxChars := opts.MaxToolResultChars
	if maxChars == 0 {
		maxChars = DefaultMaxToolResultChars
	}
	return &Guard{
		inner:       inner,
		maxChars:    maxChars,
		transform:   opts.Transform,
		beforeWrite: opts.BeforeWrite,
		logger:      logger,
		metrics:     opts.Metrics,
		pending:     map[string]string{},
	}
}

// SessionFile returns the wrapped manager's file path.
func (g *Guard) SessionFile() string {
	return g.inner.SessionFile()
}

// Entries returns the wrapped manager's entries.
func (g *Guard) Entries() ([]*models.Message, error) {
	return g.inner.Entries()
}

// AppendMessage persists msg with pairing, capping, and annotation
// applied.
func (g *Guard) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	switch {
	case msg.Role == models.RoleAssistant:
		return g.appendAssistant(ctx, msg)
	case msg.Role == models.RoleToolResult && msg.ToolResult != nil:
		return g.appendToolResult(ctx, msg)
	default:
		if err := g.FlushPendingToolResults(ctx); err != nil {
			return err
		}
		return g.inner.AppendMessage(ctx, msg)
	}
}

func (g *Guard) appendAssistant(ctx context.Context, msg *models.Message) error {
	sanitized := sanitizeAssistantMessage(msg)
	if sanitized == nil {
		g.logger.Warn("assistant message dropped by sanitizer", "message_id", msg.ID)
		return g.FlushPendingToolResults(ctx)
	}
	// A new assistant turn closes the previous one; any still-unanswered
	// tool call must be paired before it lands.
	if err := g.FlushPendingToolResults(ctx); err != nil {
		return err
	}
	if err := g.inner.AppendMessage(ctx, sanitized); err != nil {
		return err
	}

	g.mu.Lock()
	for _, tc := range sanitized.ToolCalls {
		if tc.ID == "" {
			continue
		}
		if _, ok := g.pending[tc.ID]; !ok {
			g.pendingOrder = append(g.pendingOrder, tc.ID)
		}
		g.pending[tc.ID] = tc.Name
	}
	g.mu.Unlock()
	return nil
}

func (g *Guard) appendToolResult(ctx context.Context, msg *models.Message) error {
	id := msg.ToolResult.ToolCallID

	g.mu.Lock()
	name := g.pending[id]
	delete(g.pending, id)
	for i, pid := range g.pendingOrder {
		if pid == id {
			g.pendingOrder = append(g.pendingOrder[:i], g.pendingOrder[i+1:]...)
			break
		}
	}
	g.mu.Unlock()

	out := msg
	if blocks, truncated := capBlocks(out.ToolResult.Blocks, g.maxChars); truncated {
		out = cloneMessage(out)
		out.ToolResult.Blocks = blocks
		g.metrics.Truncation()
		g.logger.Warn("tool result truncated",
			"tool_call_id", id, "tool", name, "max_chars", g.maxChars)
	}
	if g.transform != nil {
		meta := ResultMeta{ToolCallID: id, ToolName: name, Synthetic: out.ToolResult.Synthetic}
		if t := g.transform(out, meta); t != nil {
			out = t
		}
	}
	out = annotateRecoverable(out, name)
	if g.beforeWrite != nil {
		replaced, err := g.beforeWrite(ctx, out)
		if err != nil {
			return err
		}
		if replaced == nil {
			g.logger.Info("tool result blocked before write", "tool_call_id", id)
			return nil
		}
		out = replaced
	}
	return g.inner.AppendMessage(ctx, out)
}

// FlushPendingToolResults synthesizes and persists an error result for
// every tracked tool call that never received one.
func (g *Guard) FlushPendingToolResults(ctx context.Context) error {
	g.mu.Lock()
	if len(g.pendingOrder) == 0 {
		g.mu.Unlock()
		return nil
	}
	order := g.pendingOrder
	pending := g.pending
	g.pendingOrder = nil
	g.pending = map[string]string{}
	g.mu.Unlock()

	for _, id := range order {
		name := pending[id]
		synthetic := syntheticToolResult(id, name)
		g.metrics.Synthetic()
		if g.transform != nil {
			if t := g.transform(synthetic, ResultMeta{ToolCallID: id, ToolName: name, Synthetic: true}); t != nil {
				synthetic = t
			}
		}
		if err := g.inner.AppendMessage(ctx, synthetic); err != nil {
			return fmt.Errorf("flush synthetic result %s: %w", id, err)
		}
	}
	return nil
}

// PendingIDs returns the tool call ids still awaiting results, in call
// order.
func (g *Guard) PendingIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.pendingOrder))
	copy(out, g.pendingOrder)
	return out
}

// sanitizeAssistantMessage strips tool calls with missing ids or
// undecodable input. It returns nil when nothing worth persisting
// remains.
func sanitizeAssistantMessage(msg *models.Message) *models.Message {
	kept := make([]models.ToolCall, 0, len(msg.ToolCalls))
	changed := false
	for _, tc := range msg.ToolCalls {
		if tc.ID == "" || (len(tc.Input) > 0 && !json.Valid(tc.Input)) {
			changed = true
			continue
		}
		kept = append(kept, tc)
	}
	if strings.TrimSpace(msg.Content) == "" && len(kept) == 0 {
		return nil
	}
	if !changed {
		return msg
	}
	copied := *msg
	copied.ToolCalls = kept
	return &copied
}

func syntheticToolResult(toolCallID, toolName string) *models.Message {
	if toolName == "" {
		toolName = "unknown"
	}
	return &models.Message{
		ID:   uuid.NewString(),
		Role: models.RoleToolResult,
		ToolResult: &models.ToolResult{
			ToolCallID: toolCallID,
			Blocks:     models.TextBlock("[larkgate] Tool execution did not report a result; synthesized error result to keep the transcript paired."),
			IsError:    true,
			Synthetic:  true,
		},
		Metadata:  map[string]string{"tool_name": toolName},
		CreatedAt: time.Now(),
	}
}

// capBlocks truncates text blocks so their combined rune count fits
// maxChars, splitting the budget proportionally to each block's share.
func capBlocks(blocks []models.ContentBlock, maxChars int) ([]models.ContentBlock, bool) {
	if maxChars <= 0 {
		return blocks, false
	}
	total := 0
	for _, b := range blocks {
		if b.Type == "text" {
			total += utf8.RuneCountInString(b.Text)
		}
	}
	if total <= maxChars {
		return blocks, false
	}

	out := make([]models.ContentBlock, len(blocks))
	for i, b := range blocks {
		out[i] = b
		if b.Type != "text" {
			continue
		}
		n := utf8.RuneCountInString(b.Text)
		budget := maxChars * n / total
		if n <= budget {
			continue
		}
		out[i].Text = truncateAtNewline(b.Text, budget) + TruncationSuffix
	}
	return out, true
}

// truncateAtNewline cuts text to budget runes, backing up to the last
// newline when one falls inside the final fifth of the budget.
func truncateAtNewline(text string, budget int) string {
	runes := []rune(text)
	if budget >= len(runes) {
		return text
	}
	if budget <= 0 {
		return ""
	}
	cut := string(runes[:budget])
	if idx := strings.LastIndexByte(cut, '\n'); idx >= 0 {
		if utf8.RuneCountInString(cut[:idx]) >= budget*4/5 {
			return cut[:idx]
		}
	}
	return cut
}

// annotateRecoverable appends a structured recovery hint to edit-tool
// failures whose message shows the exact-match text was not found.
func annotateRecoverable(msg *models.Message, toolName string) *models.Message {
	r := msg.ToolResult
	if r == nil || !r.IsError || r.Synthetic || toolName != "edit" {
		return msg
	}
	text := r.Text()
	if strings.Contains(text, RecoverableErrorMarker) {
		return msg
	}
	m := editMatchNotFoundPattern.FindStringSubmatch(text)
	if m == nil {
		return msg
	}
	path := strings.TrimRight(strings.TrimSpace(m[1]), ".…\"'` ")

	payload, err := json.Marshal(map[string]any{
		"kind": editMatchNotFoundKind,
		"path": path,
		"suggestedRecovery": []string{
			"Re-read " + path + " to get its current content.",
			"Retry the edit using the exact text from the fresh read.",
			"If the text appears with different whitespace, match a shorter unique snippet.",
		},
	})
	if err != nil {
		return msg
	}

	annotated := cloneMessage(msg)
	annotated.ToolResult.Blocks = append(annotated.ToolResult.Blocks, models.ContentBlock{
		Type: "text",
		Text: "\n" + RecoverableErrorMarker + "\n" + string(payload),
	})
	return annotated
}

func cloneMessage(msg *models.Message) *models.Message {
	copied := *msg
	if msg.ToolResult != nil {
		r := *msg.ToolResult
		r.Blocks = append([]models.ContentBlock(nil), msg.ToolResult.Blocks...)
		copied.ToolResult = &r
	}
	return &copied
}
