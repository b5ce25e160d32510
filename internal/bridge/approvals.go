package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrApprovalNotFound reports an unknown or already-resolved approval id.
var ErrApprovalNotFound = errors.New("approval not found")

// PendingApproval is one manual tool approval waiting on a human.
type PendingApproval struct {
	ID        string
	Request   ToolApprovalRequest
	CreatedAt time.Time
	ExpiresAt time.Time

	decision chan bool
	reminder *time.Ticker
	expiry   *time.Timer
	stop     chan struct{}
}

// ApprovalRegistry tracks pending tool approvals. Each entry carries a
// reminder ticker and an expiry timer; expiry resolves as a denial. Timers
// are stopped on every resolution path so no completed approval leaks one.
type ApprovalRegistry struct {
	TTL           time.Duration
	ReminderEvery time.Duration
	Logger        *Logger
	// Remind is called on each reminder tick, outside the registry lock.
	Remind func(p *PendingApproval)

	mu      sync.Mutex
	pending map[string]*PendingApproval
}

func NewApprovalRegistry(ttl, reminderEvery time.Duration, logger *Logger) *ApprovalRegistry {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	if reminderEvery <= 0 {
		reminderEvery = time.Hour
	}
	return &ApprovalRegistry{
		TTL:           ttl,
		ReminderEvery: reminderEvery,
		Logger:        logger,
		pending:       map[string]*PendingApproval{},
	}
}

// Add registers a new pending approval and arms its timers.
func (r *ApprovalRegistry) Add(req ToolApprovalRequest) *PendingApproval {
	now := time.Now()
	p := &PendingApproval{
		ID:        uuid.NewString(),
		Request:   req,
		CreatedAt: now,
		ExpiresAt: now.Add(r.TTL),
		decision:  make(chan bool, 1),
		reminder:  time.NewTicker(r.ReminderEvery),
		stop:      make(chan struct{}),
	}
	p.expiry = time.AfterFunc(r.TTL, func() {
		// Expiry is a denial.
		_ = r.Resolve(p.ID, false)
	})

	r.mu.Lock()
	r.pending[p.ID] = p
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-p.reminder.C:
				if r.Remind != nil {
					r.Remind(p)
				}
			case <-p.stop:
				return
			}
		}
	}()
	return p
}

// Resolve settles a pending approval. The first resolution wins; resolving
// again is a no-op returning ErrApprovalNotFound.
func (r *ApprovalRegistry) Resolve(id string, approved bool) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrApprovalNotFound
	}

	p.reminder.Stop()
	p.expiry.Stop()
	close(p.stop)
	p.decision <- approved

	r.Logger.Info("approval resolved", map[string]interface{}{
		"approval": id, "tool": p.Request.ToolName, "approved": approved,
	})
	return nil
}

// Await blocks until the approval is resolved or the context ends. The
// decision channel is buffered, so a resolution that lands before Await is
// delivered, not lost. Each approval has a single waiter. Context
// cancellation counts as a denial unless the approval settled first, in which
// case the settled decision wins.
func (r *ApprovalRegistry) Await(ctx context.Context, p *PendingApproval) (bool, error) {
	select {
	case approved := <-p.decision:
		return approved, nil
	case <-ctx.Done():
		if err := r.Resolve(p.ID, false); err == nil {
			return false, ctx.Err()
		}
		// Already settled; the decision is sitting in the buffer.
		return <-p.decision, nil
	}
}

// Pending returns the pending approvals, newest last.
func (r *ApprovalRegistry) Pending() []*PendingApproval {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PendingApproval, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	return out
}

// Shutdown denies and tears down every pending approval.
func (r *ApprovalRegistry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.Resolve(id, false)
	}
}
