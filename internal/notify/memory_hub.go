package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conveyor-hq/conveyor/internal/store"
)

const defaultChannelBuffer = 64

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan Event
	filter Filter
}

// MemoryHub is an in-memory Hub implementation using channels.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
func (h *MemoryHub) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// backpressure: drop event for slow subscriber
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given Filter.
// Returns a receive-only channel, a cancel function, and any error.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan Event, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// ApprovalRequested publishes the approval-needed signal for a suspended
// execution.
func (h *MemoryHub) ApprovalRequested(ctx context.Context, n *store.Notification) {
	_ = h.Publish(ctx, Event{
		Kind:         KindApprovalRequested,
		ExecutionID:  n.ExecutionID,
		UserID:       n.UserID,
		WorkflowName: n.WorkflowName,
		Prompt:       n.Prompt,
		At:           n.CreatedAt,
	})
}

// ApprovalResolved publishes the ack that clears stale notifications.
func (h *MemoryHub) ApprovalResolved(ctx context.Context, executionID, userID string) {
	_ = h.Publish(ctx, Event{
		Kind:        KindApprovalResolved,
		ExecutionID: executionID,
		UserID:      userID,
		At:          time.Now().UTC(),
	})
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f Filter, e Event) bool {
	if f.UserID != "" && f.UserID != e.UserID {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ Hub = (*MemoryHub)(nil)
