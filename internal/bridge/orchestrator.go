package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Orchestrator owns the lifecycle of live agent invocations: one per
// conversation, status republishing, cancellation, and delivery of finished
// turns into the chat platform.
type Orchestrator struct {
	Store     SessionStore
	Backend   AgentBackend
	Chat      ChatClient
	Runtime   *Runtime
	Resolver  *ForkResolver
	Approvals *ApprovalRegistry
	Config    Config
	Logger    *Logger
}

func NewOrchestrator(store SessionStore, backend AgentBackend, chat ChatClient, cfg Config, logger *Logger) *Orchestrator {
	approvals := NewApprovalRegistry(
		time.Duration(cfg.ApprovalTTLHours)*time.Hour,
		time.Duration(cfg.ApprovalReminderMinutes)*time.Minute,
		logger.Component("approvals"))
	approvals.Remind = func(p *PendingApproval) {
		_, _ = chat.PostMessage(context.Background(), p.Request.Convo.Channel, p.Request.Convo.ThreadOrigin,
			fmt.Sprintf("still waiting on approval for %s", p.Request.ToolName))
	}
	return &Orchestrator{
		Store:     store,
		Backend:   backend,
		Chat:      chat,
		Runtime:   NewRuntime(),
		Resolver:  &ForkResolver{Store: store},
		Approvals: approvals,
		Config:    cfg,
		Logger:    logger.Component("live"),
	}
}

// Shutdown denies every pending tool approval. Invocations in flight keep
// draining; callers cancel them per conversation.
func (o *Orchestrator) Shutdown() {
	if o.Approvals != nil {
		o.Approvals.Shutdown()
	}
}

// Busy reports whether the conversation has an active invocation.
func (o *Orchestrator) Busy(id ConversationID) bool {
	return o.Runtime.Active(id) != nil
}

// Start begins a new agent invocation for the conversation. A second start
// while one is active returns ErrBusy. promptMessageID is the external id of
// the user message that triggered the invocation; delivered turns link back
// to it. Invocation failures after the busy check are converted into a
// terminal error status, never propagated to the caller.
func (o *Orchestrator) Start(ctx context.Context, id ConversationID, prompt, promptMessageID string) (*Invocation, error) {
	sess, err := o.ensureSession(id)
	if err != nil {
		return nil, err
	}

	inv := &Invocation{
		ID:        uuid.NewString(),
		Convo:     id,
		StartedAt: time.Now(),
		state:     StateStarting,
		done:      make(chan struct{}),
	}
	if err := o.Runtime.register(inv); err != nil {
		return nil, err
	}

	agentInv, err := o.Backend.Invoke(ctx, o.buildInvokeRequest(id, sess, prompt))
	if err != nil {
		o.publishTerminal(ctx, inv, StateError, err.Error())
		o.Runtime.release(id.Key())
		close(inv.done)
		return inv, nil
	}
	inv.agent = agentInv

	interval := o.updateInterval(sess)
	inv.mu.Lock()
	inv.ticker = time.NewTicker(interval)
	ticker := inv.ticker
	inv.mu.Unlock()

	go o.consume(ctx, inv, ticker, promptMessageID)
	return inv, nil
}

// Cancel aborts the conversation's active invocation. The aborted flag flips
// first, then the gate is taken to write the cancelled status, then the
// backend is asked to stop. In-flight status writers observe the flag after
// acquiring the gate and stand down.
func (o *Orchestrator) Cancel(ctx context.Context, id ConversationID) error {
	inv := o.Runtime.Active(id)
	if inv == nil {
		return ErrNotActive
	}
	inv.aborted.Store(true)

	inv.gate.Lock()
	inv.setState(StateAborted)
	o.writeStatus(ctx, inv, "stopped by user")
	inv.gate.Unlock()

	if inv.agent != nil {
		if err := inv.agent.Interrupt(ctx); err != nil {
			o.Logger.Error("interrupt failed", map[string]interface{}{
				"conversation": id.Key(), "error": err.Error(),
			})
		}
	}
	return nil
}

// ensureSession lazily creates the conversation's session. A new thread
// session gets its fork ancestry resolved against the channel root once,
// here; a missing fork point degrades to resuming the ancestor's latest
// state.
func (o *Orchestrator) ensureSession(id ConversationID) (*Session, error) {
	sess, err := o.Store.Get(id)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		// A lightweight control command may have created the thread session
		// before any invocation ran. Ancestry stays resolvable until the
		// thread owns an agent session or a recorded fork parent.
		if id.IsThread() && sess.AgentSessionID == "" && sess.ForkedFrom == "" {
			if patch := o.threadAncestry(id); patch.ForkedFrom != nil {
				return o.Store.Upsert(id, patch)
			}
		}
		return sess, nil
	}

	patch := SessionPatch{
		PermissionMode:        strPtr(o.Config.DefaultPermissionMode),
		UpdateIntervalSeconds: intPtr(o.Config.UpdateIntervalSeconds),
		MaxMessageChars:       intPtr(o.Config.MaxMessageChars),
		ThinkingBudget:        intPtr(o.Config.ThinkingBudget),
	}
	if o.Config.DefaultModel != "" {
		patch.Model = strPtr(o.Config.DefaultModel)
	}
	if id.IsThread() {
		ancestry := o.threadAncestry(id)
		patch.ForkedFrom = ancestry.ForkedFrom
		patch.ResumeAtTurnID = ancestry.ResumeAtTurnID
	}
	return o.Store.Upsert(id, patch)
}

// threadAncestry resolves fork ancestry for a thread being bound to an agent
// session for the first time. Forks always anchor on the channel root, which
// is why ForkedFromThreadOrigin stays empty here: an empty origin identifies
// the root session.
func (o *Orchestrator) threadAncestry(id ConversationID) SessionPatch {
	var patch SessionPatch
	fp, err := o.Resolver.Resolve(id.Root(), id.ThreadOrigin)
	if err != nil {
		o.Logger.Error("fork resolution failed", map[string]interface{}{
			"conversation": id.Key(), "error": err.Error(),
		})
	}
	if fp != nil {
		patch.ForkedFrom = strPtr(fp.AgentSessionID)
		patch.ResumeAtTurnID = strPtr(fp.TurnID)
	} else if root, err := o.Store.Get(id.Root()); err == nil && root != nil && root.AgentSessionID != "" {
		// No pinned point; fork from the ancestor's latest state.
		patch.ForkedFrom = strPtr(root.AgentSessionID)
	}
	return patch
}

func (o *Orchestrator) buildInvokeRequest(id ConversationID, sess *Session, prompt string) InvokeRequest {
	req := InvokeRequest{
		Prompt:           prompt,
		WorkingDirectory: sess.WorkingDirectory,
		PermissionMode:   NormalizePermissionMode(sess.PermissionMode),
		Model:            sess.Model,
		ThinkingBudget:   sess.ThinkingBudget,
	}
	if req.ThinkingBudget == 0 {
		req.ThinkingBudget = o.Config.ThinkingBudget
	}
	switch {
	case sess.AgentSessionID != "":
		req.SessionID = sess.AgentSessionID
	case sess.ForkedFrom != "":
		req.ForkSession = true
		req.ForkFromSessionID = sess.ForkedFrom
		req.ResumeAtTurnID = sess.ResumeAtTurnID
	}
	if o.Approvals != nil {
		req.ApproveTool = func(ctx context.Context, approval ToolApprovalRequest) bool {
			approval.Convo = id
			pending := o.Approvals.Add(approval)
			approved, err := o.Approvals.Await(ctx, pending)
			if err != nil {
				return false
			}
			return approved
		}
	}
	return req
}

func (o *Orchestrator) updateInterval(sess *Session) time.Duration {
	secs := o.Config.UpdateIntervalSeconds
	if sess != nil && sess.UpdateIntervalSeconds > 0 {
		secs = sess.UpdateIntervalSeconds
	}
	if secs <= 0 {
		secs = defaultUpdateIntervalSeconds
	}
	return time.Duration(secs) * time.Second
}

// consume drains the invocation's event stream. Runtime teardown happens
// here on every exit path, stream end and panic-free error alike; the
// periodic ticker dies with the registry entry.
func (o *Orchestrator) consume(ctx context.Context, inv *Invocation, ticker *time.Ticker, promptMessageID string) {
	defer func() {
		o.Runtime.release(inv.Convo.Key())
		close(inv.done)
	}()

	tickerStop := make(chan struct{})
	defer close(tickerStop)
	go func() {
		for {
			select {
			case <-ticker.C:
				o.publishStatus(ctx, inv)
			case <-tickerStop:
				return
			}
		}
	}()

	deliverer := &Deliverer{Store: o.Store, Convo: inv.Convo, Logger: o.Logger}
	sawResult := false

	for ev := range inv.agent.Events() {
		switch e := ev.(type) {
		case SessionInitEvent:
			// Persist immediately: a crash later in this invocation must not
			// leave the session pointing at a stale or null id.
			if _, err := o.Store.Upsert(inv.Convo, SessionPatch{AgentSessionID: strPtr(e.SessionID)}); err != nil {
				o.Logger.Error("persist session id failed", map[string]interface{}{
					"conversation": inv.Convo.Key(), "error": err.Error(),
				})
			}
			inv.mu.Lock()
			inv.agentSessionID = e.SessionID
			inv.state = StateThinking
			inv.mu.Unlock()
			o.publishStatus(ctx, inv)
		case ThinkingEvent:
			inv.mu.Lock()
			inv.thinking = e.Open
			if !inv.terminalLocked() {
				inv.state = StateThinking
			}
			inv.mu.Unlock()
			o.publishStatus(ctx, inv)
		case ToolStartEvent:
			inv.mu.Lock()
			inv.currentTool = e.Name
			if !inv.terminalLocked() {
				inv.state = StateTool
			}
			inv.mu.Unlock()
			o.publishStatus(ctx, inv)
		case ToolDoneEvent:
			inv.mu.Lock()
			inv.currentTool = ""
			if !inv.terminalLocked() {
				inv.state = StateThinking
			}
			inv.mu.Unlock()
			o.publishStatus(ctx, inv)
		case TextEvent:
			inv.mu.Lock()
			first := !inv.producedContent
			inv.producedContent = true
			inv.mu.Unlock()
			if first {
				o.publishStatus(ctx, inv)
			}
		case TurnCompleteEvent:
			o.deliverTurn(ctx, inv, deliverer, e, promptMessageID)
		case ResultEvent:
			sawResult = true
			if inv.Aborted() {
				break
			}
			if e.IsError {
				o.publishTerminal(ctx, inv, StateError, e.ErrorText)
			} else {
				detail := fmt.Sprintf("done in %s", (time.Duration(e.DurationMs) * time.Millisecond).Round(time.Second))
				o.publishTerminal(ctx, inv, StateComplete, detail)
			}
		}
	}

	if !sawResult && !inv.Aborted() {
		// Stream ended abnormally. Partial activity is already delivered and
		// preserved; surface a terminal error status.
		o.publishTerminal(ctx, inv, StateError, "agent stream ended unexpectedly")
	}
}

// deliverTurn posts one finished agent turn, split across messages when it
// exceeds the per-conversation size limit. The first message is the primary
// turn record linked to the triggering user message; the rest are
// continuations of the same turn.
func (o *Orchestrator) deliverTurn(ctx context.Context, inv *Invocation, deliverer *Deliverer, turn TurnCompleteEvent, promptMessageID string) {
	text := strings.TrimSpace(turn.Text)
	if text == "" && !turn.HadToolUse {
		// No visible content, no side effect: not actionable, never recorded.
		return
	}
	if deliverer.AlreadyDelivered(turn.TurnID) {
		return
	}

	inv.mu.Lock()
	sessionID := inv.agentSessionID
	inv.mu.Unlock()

	if text == "" {
		// Tool-only turn: nothing to post, but mark it handled so neither
		// path retries it.
		rec := TurnRecord{
			AgentTurnID:             turn.TurnID,
			Kind:                    TurnAgent,
			ParentExternalMessageID: promptMessageID,
			AgentSessionID:          sessionID,
		}
		if err := deliverer.Record("", rec); err != nil {
			o.Logger.Error("record turn failed", map[string]interface{}{
				"conversation": inv.Convo.Key(), "turn": turn.TurnID, "error": err.Error(),
			})
		}
		return
	}

	// Post every chunk before recording any. Recording chunk 1 up front would
	// mark the whole turn delivered, and a hard failure on a later chunk would
	// then truncate the turn forever; deferring the records keeps a partially
	// posted turn eligible for retry.
	chunks := splitMessage(text, o.maxMessageChars(inv.Convo))
	msgIDs := make([]string, len(chunks))
	for i, chunk := range chunks {
		var msgID string
		err := withRateLimitRetry(ctx, func() { o.notifyRateLimited(ctx, inv) }, func() error {
			var postErr error
			msgID, postErr = o.Chat.PostMessage(ctx, inv.Convo.Channel, inv.Convo.ThreadOrigin, chunk)
			return postErr
		})
		if err != nil {
			o.Logger.Error("post turn failed", map[string]interface{}{
				"conversation": inv.Convo.Key(), "turn": turn.TurnID, "error": err.Error(),
			})
			return
		}
		msgIDs[i] = msgID
	}
	for i := range chunks {
		rec := TurnRecord{
			AgentTurnID:    turn.TurnID,
			Kind:           TurnAgent,
			IsContinuation: i > 0,
			AgentSessionID: sessionID,
		}
		if i == 0 {
			rec.ParentExternalMessageID = promptMessageID
		}
		if err := deliverer.Record(msgIDs[i], rec); err != nil {
			o.Logger.Error("record turn failed", map[string]interface{}{
				"conversation": inv.Convo.Key(), "turn": turn.TurnID, "error": err.Error(),
			})
		}
	}
}

func (o *Orchestrator) maxMessageChars(id ConversationID) int {
	limit := o.Config.MaxMessageChars
	if sess, err := o.Store.Get(id); err == nil && sess != nil && sess.MaxMessageChars > 0 {
		limit = sess.MaxMessageChars
	}
	if limit <= 0 {
		limit = defaultMaxMessageChars
	}
	return limit
}

// publishStatus republishes the conversation's status message. All writes
// funnel through the per-conversation gate; an aborted invocation writes
// nothing, so a queued update cannot overwrite the cancelled status.
func (o *Orchestrator) publishStatus(ctx context.Context, inv *Invocation) {
	inv.gate.Lock()
	defer inv.gate.Unlock()
	if inv.Aborted() || inv.terminal() {
		return
	}
	o.writeStatus(ctx, inv, "")
}

// publishTerminal writes a final status for the invocation. An abort that
// won the race keeps its status.
func (o *Orchestrator) publishTerminal(ctx context.Context, inv *Invocation, state InvocationState, detail string) {
	inv.gate.Lock()
	defer inv.gate.Unlock()
	if inv.Aborted() && state != StateAborted {
		return
	}
	inv.mu.Lock()
	inv.state = state
	inv.detail = detail
	inv.mu.Unlock()
	o.writeStatus(ctx, inv, detail)
}

// writeStatus posts or updates the status message. Callers hold the gate.
func (o *Orchestrator) writeStatus(ctx context.Context, inv *Invocation, detail string) {
	text := o.statusText(inv, detail)

	inv.mu.Lock()
	msgID := inv.statusMessageID
	inv.mu.Unlock()

	err := withRateLimitRetry(ctx, func() { o.notifyRateLimited(ctx, inv) }, func() error {
		if msgID != "" {
			return o.Chat.UpdateMessage(ctx, inv.Convo.Channel, msgID, text)
		}
		id, postErr := o.Chat.PostMessage(ctx, inv.Convo.Channel, inv.Convo.ThreadOrigin, text)
		if postErr == nil && id != "" {
			inv.mu.Lock()
			inv.statusMessageID = id
			inv.mu.Unlock()
		}
		return postErr
	})
	if err != nil {
		o.Logger.Error("status write failed", map[string]interface{}{
			"conversation": inv.Convo.Key(), "error": err.Error(),
		})
	}
}

func (o *Orchestrator) statusText(inv *Invocation, detail string) string {
	inv.mu.Lock()
	state := inv.state
	tool := inv.currentTool
	thinking := inv.thinking
	inv.mu.Unlock()

	elapsed := time.Since(inv.StartedAt).Round(time.Second)
	switch state {
	case StateStarting:
		return "starting agent session..."
	case StateTool:
		return fmt.Sprintf("running %s (%s)", tool, elapsed)
	case StateThinking:
		if thinking {
			return fmt.Sprintf("thinking... (%s)", elapsed)
		}
		return fmt.Sprintf("working... (%s)", elapsed)
	case StateComplete:
		return "complete: " + detail
	case StateError:
		return "error: " + detail
	case StateAborted:
		return "aborted: " + detail
	}
	return string(state)
}

// notifyRateLimited posts a one-per-invocation notice that the platform is
// throttling us.
func (o *Orchestrator) notifyRateLimited(ctx context.Context, inv *Invocation) {
	inv.mu.Lock()
	already := inv.rateLimitNoticed
	inv.rateLimitNoticed = true
	inv.mu.Unlock()
	if already {
		return
	}
	_, _ = o.Chat.PostMessage(ctx, inv.Convo.Channel, inv.Convo.ThreadOrigin,
		"hitting chat rate limits, updates may lag")
}

// terminalLocked reports terminal state; callers hold inv.mu.
func (inv *Invocation) terminalLocked() bool {
	switch inv.state {
	case StateComplete, StateError, StateAborted:
		return true
	}
	return false
}

// splitMessage splits text into chunks of at most limit characters,
// preferring line boundaries.
func splitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
