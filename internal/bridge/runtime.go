package bridge

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBusy rejects a full request while the conversation has an active
	// invocation.
	ErrBusy = errors.New("conversation is busy")
	// ErrNotActive rejects an operation that needs an in-flight invocation.
	ErrNotActive = errors.New("no active invocation for conversation")
)

type InvocationState string

const (
	StateStarting InvocationState = "starting"
	StateThinking InvocationState = "thinking"
	StateTool     InvocationState = "tool"
	StateComplete InvocationState = "complete"
	StateError    InvocationState = "error"
	StateAborted  InvocationState = "aborted"
)

// Invocation is one in-flight agent call for a conversation. Status writes
// are serialized through the per-conversation gate; cancellation flips the
// aborted flag before taking the gate, so a queued "still running" update can
// never overwrite a "cancelled" status.
type Invocation struct {
	ID        string
	Convo     ConversationID
	StartedAt time.Time

	agent   AgentInvocation
	gate    *sync.Mutex
	aborted atomic.Bool

	mu               sync.Mutex
	state            InvocationState
	statusMessageID  string
	currentTool      string
	thinking         bool
	producedContent  bool
	rateLimitNoticed bool
	detail           string
	agentSessionID   string
	ticker           *time.Ticker

	done chan struct{}
}

func (inv *Invocation) State() InvocationState {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

func (inv *Invocation) Aborted() bool { return inv.aborted.Load() }

// Done closes when the invocation has fully ended and its runtime entries
// are torn down.
func (inv *Invocation) Done() <-chan struct{} { return inv.done }

func (inv *Invocation) setState(state InvocationState) {
	inv.mu.Lock()
	inv.state = state
	inv.mu.Unlock()
}

func (inv *Invocation) terminal() bool {
	switch inv.State() {
	case StateComplete, StateError, StateAborted:
		return true
	}
	return false
}

// Runtime owns all in-flight per-conversation state: active invocations and
// status gates, keyed by conversation identity. Entries are inserted on
// start and removed on every exit path; nothing here outlives its
// invocation.
type Runtime struct {
	mu     sync.Mutex
	active map[string]*Invocation
	gates  map[string]*sync.Mutex
}

func NewRuntime() *Runtime {
	return &Runtime{
		active: map[string]*Invocation{},
		gates:  map[string]*sync.Mutex{},
	}
}

// register installs inv as the single active invocation for its conversation
// and hands it the conversation's gate. Returns ErrBusy when one is already
// active.
func (r *Runtime) register(inv *Invocation) error {
	key := inv.Convo.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[key]; ok {
		return ErrBusy
	}
	gate, ok := r.gates[key]
	if !ok {
		gate = &sync.Mutex{}
		r.gates[key] = gate
	}
	inv.gate = gate
	r.active[key] = inv
	return nil
}

// release tears down the conversation's runtime entries. The ticker is
// stopped here so no exit path leaks a recurring timer.
func (r *Runtime) release(key string) {
	r.mu.Lock()
	inv := r.active[key]
	delete(r.active, key)
	delete(r.gates, key)
	r.mu.Unlock()
	if inv != nil {
		inv.mu.Lock()
		if inv.ticker != nil {
			inv.ticker.Stop()
			inv.ticker = nil
		}
		inv.mu.Unlock()
	}
}

// Active returns the in-flight invocation for the conversation, or nil.
func (r *Runtime) Active(id ConversationID) *Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id.Key()]
}

// ActiveCount reports how many invocations are in flight.
func (r *Runtime) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
