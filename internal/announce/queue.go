// Package announce delivers agent-initiated follow-up messages through
// keyed queues. Each key debounces, caps, and drains independently so a
// chatty agent cannot flood one chat or starve another.
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/peregrinehq/larkgate/internal/observability"
)

// Mode selects how a queue drains.
type Mode string

const (
	// ModeFollowup delivers items one at a time in enqueue order.
	ModeFollowup Mode = "followup"
	// ModeCollect coalesces everything pending into a single prompt.
	ModeCollect Mode = "collect"
)

// DropPolicy selects which item loses when the queue is at capacity.
type DropPolicy string

const (
	// DropSummarize drops the oldest item and keeps a summary line for
	// later delivery.
	DropSummarize DropPolicy = "summarize"
	// DropOldest drops the oldest item, also summarized.
	DropOldest DropPolicy = "oldest"
	// DropNewest rejects the incoming item.
	DropNewest DropPolicy = "newest"
)

const (
	DefaultDebounceMs = 1000
	DefaultCap        = 20
	DefaultMaxAgeMs   = 10 * 60 * 1000

	summaryLineMaxRunes = 80
)

// Settings are the per-key queue knobs. Enqueue updates them on every
// call so config changes take effect on live queues.
type Settings struct {
	Mode       Mode
	DebounceMs int64
	Cap        int
	DropPolicy DropPolicy
	// MaxAgeMs evicts items older than this at send time; 0 disables
	// staleness entirely.
	MaxAgeMs int64
}

// DefaultSettings returns the stock knobs: followup delivery, 1s
// debounce, 20-item cap, summarize on overflow, 10 minute staleness.
func DefaultSettings() Settings {
	return Settings{
		Mode:       ModeFollowup,
		DebounceMs: DefaultDebounceMs,
		Cap:        DefaultCap,
		DropPolicy: DropSummarize,
		MaxAgeMs:   DefaultMaxAgeMs,
	}
}

func normalizeSettings(s Settings) Settings {
	if s.Mode == "" {
		s.Mode = ModeFollowup
	}
	if s.DebounceMs < 0 {
		s.DebounceMs = 0
	}
	if s.Cap <= 0 {
		s.Cap = DefaultCap
	}
	if s.DropPolicy == "" {
		s.DropPolicy = DropSummarize
	}
	if s.MaxAgeMs < 0 {
		s.MaxAgeMs = 0
	}
	return s
}

// Origin is the delivery context an item targets.
type Origin struct {
	AccountID string
	ChatID    string
	// ReplyTo is the message id the delivery should reply to, if any.
	ReplyTo string
}

// Key returns the destination identity used for cross-origin detection
// in collect mode.
func (o Origin) Key() string {
	if o.AccountID == "" && o.ChatID == "" {
		return ""
	}
	return o.AccountID + "/" + o.ChatID
}

// Item is one queued announcement.
type Item struct {
	AnnounceID   string
	Prompt       string
	SummaryLine  string
	EnqueuedAtMs int64
	SessionKey   string
	Origin       Origin
	OriginKey    string
	// HighPriority exempts the item from staleness eviction.
	HighPriority bool
}

func summaryLineFor(item *Item) string {
	line := item.SummaryLine
	if line == "" {
		line = item.Prompt
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
	}
	runes := []rune(line)
	if len(runes) > summaryLineMaxRunes {
		line = string(runes[:summaryLineMaxRunes]) + "…"
	}
	return line
}

// SendFunc delivers one item. The drain retries on error without losing
// the item.
type SendFunc func(ctx context.Context, item *Item) error

type queueState struct {
	items            []*Item
	draining         bool
	lastEnqueuedAtMs int64
	settings         Settings
	send             SendFunc
	droppedCount     int
	summaryLines     []string
	// forceIndividualCollect stays latched once a cross-origin batch is
	// seen; it resets naturally when the queue state is deleted.
	forceIndividualCollect bool
	timer                  *time.Timer
}

// Queue owns all keyed announce queues for one process.
type Queue struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	baseCtx context.Context
	now     func() time.Time

	mu     sync.Mutex
	queues map[string]*queueState
	closed bool
}

// Options configures a Queue.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// BaseContext is the context drains send under; deliveries outlive
	// the enqueuing call on purpose. Defaults to context.Background().
	BaseContext context.Context
}

// NewQueue creates an empty announce queue set.
func NewQueue(opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Queue{
		logger:  logger,
		metrics: opts.Metrics,
		baseCtx: baseCtx,
		now:     time.Now,
		queues:  map[string]*queueState{},
	}
}

// SetClock overrides the queue clock for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue adds item under key and schedules a drain. It reports false
// when the item was rejected (queue closed, or at capacity under the
// newest drop policy). A zero EnqueuedAtMs is stamped with now.
func (q *Queue) Enqueue(key string, item *Item, settings Settings, send SendFunc) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	st, ok := q.queues[key]
	if !ok {
		st = &queueState{}
		q.queues[key] = st
	}
	st.settings = normalizeSettings(settings)
	st.send = send

	if len(st.items) >= st.settings.Cap {
		if st.settings.DropPolicy == DropNewest {
			q.metrics.AnnounceDrop("cap_newest")
			q.logger.Warn("announce rejected at capacity",
				"announce_key", key, "cap", st.settings.Cap)
			return false
		}
		// oldest and summarize both shift the front; the summary line
		// survives so the drop is visible to the user later.
		front := st.items[0]
		st.items = st.items[1:]
		st.summaryLines = append(st.summaryLines, summaryLineFor(front))
		st.droppedCount++
		q.metrics.AnnounceDrop("cap")
	}

	nowMs := q.now().UnixMilli()
	if item.EnqueuedAtMs == 0 {
		item.EnqueuedAtMs = nowMs
	}
	if item.OriginKey == "" {
		item.OriginKey = item.Origin.Key()
	}
	st.items = append(st.items, item)
	st.lastEnqueuedAtMs = nowMs
	q.metrics.AnnounceAccepted(string(st.settings.Mode))
	q.scheduleDrainLocked(key, st, q.debounceRemaining(st, nowMs))
	return true
}

// PendingCount returns the number of keys with live queue state.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

// PendingItems returns the number of queued items for key.
func (q *Queue) PendingItems(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.queues[key]; ok {
		return len(st.items)
	}
	return 0
}

// ResetForTests drops all keyed state and pending timers.
func (q *Queue) ResetForTests() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, st := range q.queues {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	q.queues = map[string]*queueState{}
	q.closed = false
}

// Close stops all timers and rejects further enqueues. Queued items are
// abandoned; callers that need delivery should drain before closing.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, st := range q.queues {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}

func (q *Queue) debounceRemaining(st *queueState, nowMs int64) time.Duration {
	wait := st.lastEnqueuedAtMs + st.settings.DebounceMs - nowMs
	return time.Duration(wait) * time.Millisecond
}

// scheduleDrainLocked arms the drain timer unless a drain is already
// running; the active drain re-checks the queue before exiting.
func (q *Queue) scheduleDrainLocked(key string, st *queueState, delay time.Duration) {
	if st.draining || q.closed {
		return
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(delay, func() {
		q.drain(key)
	})
}

func (q *Queue) drain(key string) {
	q.mu.Lock()
	st, ok := q.queues[key]
	if !ok || st.draining || q.closed {
		q.mu.Unlock()
		return
	}
	st.draining = true
	q.mu.Unlock()
	q.drainLoop(key, st)
}

// drainLoop delivers until the queue is empty, the debounce window
// reopens, or a send fails. Sends run outside the mutex; enqueues may
// interleave and are picked up by the next iteration.
func (q *Queue) drainLoop(key string, st *queueState) {
	for {
		q.mu.Lock()
		if q.queues[key] != st || q.closed {
			st.draining = false
			q.mu.Unlock()
			return
		}

		nowMs := q.now().UnixMilli()
		if wait := q.debounceRemaining(st, nowMs); wait > 0 {
			st.draining = false
			q.scheduleDrainLocked(key, st, wait)
			q.mu.Unlock()
			return
		}

		q.evictStaleLocked(key, st, nowMs)

		if len(st.items) == 0 {
			if st.droppedCount > 0 {
				// Nothing left to carry the overflow summary to its
				// destination; the drops were already counted.
				q.logger.Warn("announce summary discarded, queue emptied",
					"announce_key", key, "dropped", st.droppedCount)
				st.droppedCount = 0
				st.summaryLines = nil
			}
			st.draining = false
			q.removeIdleLocked(key, st)
			q.mu.Unlock()
			return
		}

		send := st.send
		settings := st.settings

		var item *Item
		var shift int
		switch {
		case settings.Mode == ModeCollect && (st.forceIndividualCollect || crossOrigin(st.items)):
			st.forceIndividualCollect = true
			item, shift = q.nextFollowupLocked(st)
		case settings.Mode == ModeCollect:
			item, shift = q.collectLocked(st)
		default:
			item, shift = q.nextFollowupLocked(st)
		}
		q.mu.Unlock()

		sent, err := q.sendIfFresh(key, settings, send, item)
		if err != nil {
			q.mu.Lock()
			st.lastEnqueuedAtMs = q.now().UnixMilli()
			st.draining = false
			q.scheduleDrainLocked(key, st, time.Duration(settings.DebounceMs)*time.Millisecond)
			q.mu.Unlock()
			q.logger.Warn("announce send failed, will retry",
				"announce_key", key, "error", err)
			return
		}

		q.mu.Lock()
		if q.queues[key] == st {
			if shift > 0 {
				if shift > len(st.items) {
					shift = len(st.items)
				}
				st.items = st.items[shift:]
			}
			if shift > 0 || sent {
				// The summary either rode along (collect) or was the
				// message itself (followup overflow).
				st.droppedCount = 0
				st.summaryLines = nil
			}
		}
		q.mu.Unlock()
	}
}

// nextFollowupLocked picks the next delivery for one-by-one modes: the
// overflow summary first if drops accumulated, otherwise the front item.
// The returned shift is 0 for the summary since no queued item was
// consumed.
func (q *Queue) nextFollowupLocked(st *queueState) (*Item, int) {
	front := st.items[0]
	if len(st.summaryLines) > 0 {
		derived := *front
		derived.Prompt = overflowPrompt(st.droppedCount, st.summaryLines)
		return &derived, 0
	}
	return front, 1
}

// collectLocked coalesces every queued item into one derived item based
// on the last one; shift covers everything combined.
func (q *Queue) collectLocked(st *queueState) (*Item, int) {
	n := len(st.items)
	derived := *st.items[n-1]
	derived.Prompt = collectPrompt(st.items, st.droppedCount, st.summaryLines)
	return &derived, n
}

func collectPrompt(items []*Item, droppedCount int, summaryLines []string) string {
	var b strings.Builder
	b.WriteString("[Queued announce messages while agent was busy]")
	for i, item := range items {
		fmt.Fprintf(&b, "\n---\nQueued #%d\n%s", i+1, item.Prompt)
	}
	if droppedCount > 0 {
		fmt.Fprintf(&b, "\n---\n[Dropped %d earlier messages]", droppedCount)
		for _, line := range summaryLines {
			b.WriteString("\n")
			b.WriteString(line)
		}
	}
	return b.String()
}

func overflowPrompt(droppedCount int, summaryLines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Queue overflow]\n[Dropped %d earlier messages]", droppedCount)
	for _, line := range summaryLines {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

func crossOrigin(items []*Item) bool {
	if len(items) < 2 {
		return false
	}
	first := items[0].OriginKey
	for _, item := range items[1:] {
		if item.OriginKey != first {
			return true
		}
	}
	return false
}

func (q *Queue) evictStaleLocked(key string, st *queueState, nowMs int64) {
	if st.settings.MaxAgeMs <= 0 {
		return
	}
	kept := st.items[:0]
	for _, item := range st.items {
		if !item.HighPriority && nowMs-item.EnqueuedAtMs > st.settings.MaxAgeMs {
			q.metrics.AnnounceDrop("stale")
			q.logger.Info("stale_message_dropped",
				"announce_key", key,
				"age_ms", nowMs-item.EnqueuedAtMs,
				"max_age_ms", st.settings.MaxAgeMs)
			continue
		}
		kept = append(kept, item)
	}
	st.items = kept
}

// sendIfFresh delivers item unless it aged past the staleness limit
// between eviction and send. sent is false when the item was skipped.
func (q *Queue) sendIfFresh(key string, settings Settings, send SendFunc, item *Item) (bool, error) {
	nowMs := q.now().UnixMilli()
	if settings.MaxAgeMs > 0 && !item.HighPriority && nowMs-item.EnqueuedAtMs > settings.MaxAgeMs {
		q.metrics.AnnounceDrop("stale")
		q.logger.Info("stale_message_dropped",
			"announce_key", key,
			"age_ms", nowMs-item.EnqueuedAtMs,
			"max_age_ms", settings.MaxAgeMs)
		return false, nil
	}
	err := send(q.baseCtx, item)
	q.metrics.AnnounceSend(err)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) removeIdleLocked(key string, st *queueState) {
	if q.queues[key] != st {
		return
	}
	if len(st.items) == 0 && st.droppedCount == 0 && !st.draining {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(q.queues, key)
	}
}
