// Package repository keeps bounded job history in memory, optionally mirrored
// to redis and announced on kafka.
package repository

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/Frohrer/codux/internal/runner/sandbox/result"
	"github.com/Frohrer/codux/internal/runner/timing"
	"github.com/Frohrer/codux/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultHistoryCapacity = 1000
	defaultListLimit       = 50
	sinkTimeout            = 5 * time.Second
)

// Status is the final state of a job.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusSetupFailed Status = "setup-failed"
	StatusTerminated  Status = "terminated"
)

// Entry is one finished job.
type Entry struct {
	ID          string                  `json:"id"`
	Language    string                  `json:"language"`
	Version     string                  `json:"version"`
	Status      Status                  `json:"status"`
	Timing      *timing.Report          `json:"timing,omitempty"`
	Result      *result.ExecutionResult `json:"result,omitempty"`
	Error       string                  `json:"error,omitempty"`
	WebAppURL   string                  `json:"webAppUrl,omitempty"`
	CompletedAt time.Time               `json:"completedAt"`
}

// Mirror persists entries outside the process.
type Mirror interface {
	Save(ctx context.Context, entry Entry) error
	Load(ctx context.Context, id string) (Entry, bool, error)
}

// Publisher announces finished jobs.
type Publisher interface {
	PublishFinal(ctx context.Context, entry Entry) error
}

// Option configures a History.
type Option func(*History)

// WithMirror mirrors every added entry.
func WithMirror(m Mirror) Option {
	return func(h *History) { h.mirror = m }
}

// WithPublisher publishes every added entry.
func WithPublisher(p Publisher) Option {
	return func(h *History) { h.publisher = p }
}

// WithClock overrides the completion timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *History) { h.now = now }
}

// History is a bounded, insertion-ordered store of finished jobs.
type History struct {
	mu        sync.Mutex
	name      string
	capacity  int
	items     map[string]*list.Element
	order     *list.List
	now       func() time.Time
	mirror    Mirror
	publisher Publisher
}

// NewHistory creates a history holding up to capacity entries.
func NewHistory(name string, capacity int, opts ...Option) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	h := &History{
		name:     name,
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Add stores entry under id, stamping CompletedAt. Re-adding an id moves it to
// the newest position; at capacity the oldest entry is evicted.
func (h *History) Add(ctx context.Context, id string, entry Entry) Entry {
	entry.ID = id
	entry.CompletedAt = h.now()

	h.mu.Lock()
	if elem, ok := h.items[id]; ok {
		elem.Value = entry
		h.order.MoveToFront(elem)
	} else {
		h.items[id] = h.order.PushFront(entry)
		if h.order.Len() > h.capacity {
			oldest := h.order.Back()
			h.order.Remove(oldest)
			delete(h.items, oldest.Value.(Entry).ID)
		}
	}
	h.mu.Unlock()

	h.forward(ctx, entry)
	return entry
}

// Get returns an entry from memory, falling back to the mirror.
func (h *History) Get(ctx context.Context, id string) (Entry, bool) {
	h.mu.Lock()
	elem, ok := h.items[id]
	h.mu.Unlock()
	if ok {
		return elem.Value.(Entry), true
	}
	if h.mirror == nil {
		return Entry{}, false
	}
	entry, found, err := h.mirror.Load(ctx, id)
	if err != nil {
		logger.Warn(ctx, "load history from mirror failed", zap.String("history", h.name), zap.String("id", id), zap.Error(err))
		return Entry{}, false
	}
	return entry, found
}

// List returns up to limit entries, most recent first. limit <= 0 uses 50.
func (h *History) List(limit int) []Entry {
	if limit <= 0 {
		limit = defaultListLimit
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, 0, min(limit, h.order.Len()))
	for elem := h.order.Front(); elem != nil && len(out) < limit; elem = elem.Next() {
		out = append(out, elem.Value.(Entry))
	}
	return out
}

// Len returns the number of entries held in memory.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.order.Len()
}

func (h *History) forward(ctx context.Context, entry Entry) {
	if h.mirror == nil && h.publisher == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if h.mirror != nil {
		if err := h.mirror.Save(sinkCtx, entry); err != nil {
			logger.Warn(ctx, "mirror history entry failed", zap.String("history", h.name), zap.String("id", entry.ID), zap.Error(err))
		}
	}
	if h.publisher != nil {
		if err := h.publisher.PublishFinal(sinkCtx, entry); err != nil {
			logger.Warn(ctx, "publish final event failed", zap.String("history", h.name), zap.String("id", entry.ID), zap.Error(err))
		}
	}
}
