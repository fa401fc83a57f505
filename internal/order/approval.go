package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"trading-bot/internal/events"
)

// PendingApproval describes a task waiting for an operator decision.
type PendingApproval struct {
	TaskID      string    `json:"task_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Qty         float64   `json:"qty"`
	Price       float64   `json:"price"`
	Leverage    float64   `json:"leverage,omitempty"`
	Priority    int       `json:"priority"`
	Purpose     Purpose   `json:"purpose"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

type approvalDecision struct {
	approved bool
	reason   string
}

type approvalEntry struct {
	info     PendingApproval
	decision chan approvalDecision
}

// ApprovalBoard holds tasks that need a manual decision before dispatch.
type ApprovalBoard struct {
	mu      sync.Mutex
	pending map[string]*approvalEntry
	timeout time.Duration
	bus     *events.Bus
}

// NewApprovalBoard creates a board. A zero timeout waits indefinitely.
func NewApprovalBoard(timeout time.Duration, bus *events.Bus) *ApprovalBoard {
	return &ApprovalBoard{
		pending: make(map[string]*approvalEntry),
		timeout: timeout,
		bus:     bus,
	}
}

// Await blocks until t is approved or rejected, the timeout passes or ctx ends.
func (b *ApprovalBoard) Await(ctx context.Context, t *OrderIntent) (bool, string, error) {
	entry := &approvalEntry{
		info: PendingApproval{
			TaskID:      t.TaskID,
			Symbol:      t.Request.Symbol,
			Side:        string(t.Request.Side),
			Qty:         t.Request.Qty,
			Price:       t.Request.Price,
			Leverage:    t.Request.Leverage,
			Priority:    t.Priority,
			Purpose:     t.Purpose,
			Reason:      t.Reason,
			RequestedAt: time.Now().UTC(),
		},
		decision: make(chan approvalDecision, 1),
	}
	b.mu.Lock()
	b.pending[t.TaskID] = entry
	b.mu.Unlock()
	defer b.remove(t.TaskID)

	publish(b.bus, events.EventApprovalPending, entry.info)
	log.Info().Str("component", "approvals").Str("task_id", t.TaskID).Str("symbol", t.Request.Symbol).Msg("awaiting manual approval")

	var expired <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case d := <-entry.decision:
		return d.approved, d.reason, nil
	case <-expired:
		return false, "approval timed out", nil
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

func (b *ApprovalBoard) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// List returns pending approvals, oldest first.
func (b *ApprovalBoard) List() []PendingApproval {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingApproval, 0, len(b.pending))
	for _, e := range b.pending {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// Len returns the number of waiting tasks.
func (b *ApprovalBoard) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *ApprovalBoard) Approve(taskID string) error {
	return b.decide(taskID, approvalDecision{approved: true, reason: "approved"})
}

func (b *ApprovalBoard) Reject(taskID, reason string) error {
	if reason == "" {
		reason = "rejected by operator"
	}
	return b.decide(taskID, approvalDecision{reason: reason})
}

func (b *ApprovalBoard) decide(taskID string, d approvalDecision) error {
	b.mu.Lock()
	entry, ok := b.pending[taskID]
	if ok {
		delete(b.pending, taskID)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval %s: %w", taskID, ErrUnknownTask)
	}
	entry.decision <- d
	return nil
}

// RejectAll rejects every waiting task and returns how many there were.
func (b *ApprovalBoard) RejectAll(reason string) int {
	b.mu.Lock()
	entries := make([]*approvalEntry, 0, len(b.pending))
	for id, e := range b.pending {
		entries = append(entries, e)
		delete(b.pending, id)
	}
	b.mu.Unlock()
	for _, e := range entries {
		e.decision <- approvalDecision{reason: reason}
	}
	return len(entries)
}
