package bridge

import "context"

// ToolApprovalRequest asks a human to allow one tool use.
type ToolApprovalRequest struct {
	ToolName string
	Input    string
	Convo    ConversationID
}

// ApproveToolFunc resolves a manual tool approval. Returning false denies.
type ApproveToolFunc func(ctx context.Context, req ToolApprovalRequest) bool

// InvokeRequest describes one agent invocation. SessionID resumes an
// existing agent session; ForkSession with ForkFromSessionID (and optionally
// ResumeAtTurnID) starts a new session forked from a prior one at a pinned
// turn.
type InvokeRequest struct {
	Prompt            string
	SessionID         string
	ForkFromSessionID string
	ForkSession       bool
	ResumeAtTurnID    string
	WorkingDirectory  string
	PermissionMode    string
	Model             string
	ThinkingBudget    int
	ApproveTool       ApproveToolFunc
}

// AgentEvent is one event from an agent invocation's stream. Payloads from
// the backend are validated into these tagged types at the boundary.
type AgentEvent interface{ agentEvent() }

// SessionInitEvent is the first event of every invocation, carrying the
// backend-assigned session id.
type SessionInitEvent struct {
	SessionID string
}

// ThinkingEvent marks a thinking block opening or closing.
type ThinkingEvent struct {
	Open bool
}

// ToolStartEvent marks a tool call starting.
type ToolStartEvent struct {
	ToolUseID string
	Name      string
}

// ToolDoneEvent marks a tool call finishing.
type ToolDoneEvent struct {
	ToolUseID string
	Name      string
	Err       string
}

// TextEvent carries streamed text for the current turn.
type TextEvent struct {
	TurnID string
	Text   string
}

// TurnCompleteEvent closes one agent turn. Text is the full turn content;
// empty text with no tool side effect marks a no-op turn.
type TurnCompleteEvent struct {
	TurnID     string
	Text       string
	HadToolUse bool
}

// ResultEvent terminates the stream with usage accounting.
type ResultEvent struct {
	DurationMs   int64
	CostUSD      float64
	InputTokens  int
	OutputTokens int
	IsError      bool
	ErrorText    string
}

func (SessionInitEvent) agentEvent()  {}
func (ThinkingEvent) agentEvent()     {}
func (ToolStartEvent) agentEvent()    {}
func (ToolDoneEvent) agentEvent()     {}
func (TextEvent) agentEvent()         {}
func (TurnCompleteEvent) agentEvent() {}
func (ResultEvent) agentEvent()       {}

// AgentInvocation is one in-flight agent call: an event stream plus a live
// control surface usable while the stream is still being consumed.
type AgentInvocation interface {
	// Events yields stream events; the channel closes when the invocation
	// ends. A ResultEvent precedes close on every normal path.
	Events() <-chan AgentEvent
	// Interrupt requests upstream stop. Cooperative; already-buffered events
	// may still arrive.
	Interrupt(ctx context.Context) error
	SetPermissionMode(ctx context.Context, mode string) error
	SetModel(ctx context.Context, model string) error
	SetThinkingBudget(ctx context.Context, tokens int) error
}

// AgentBackend issues agent invocations.
type AgentBackend interface {
	Invoke(ctx context.Context, req InvokeRequest) (AgentInvocation, error)
}
