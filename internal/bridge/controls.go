package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Lightweight control operations. These are the only commands allowed while
// a conversation is busy; where the live invocation exposes a matching
// control hook the change is forwarded into it.

// ErrInvalidMode rejects an unparseable permission mode.
var ErrInvalidMode = fmt.Errorf("invalid permission mode")

// StatusText answers a status query. Always allowed, busy or not.
func (o *Orchestrator) StatusText(id ConversationID) (string, error) {
	if inv := o.Runtime.Active(id); inv != nil {
		return fmt.Sprintf("active: %s (running %s)", inv.State(),
			time.Since(inv.StartedAt).Round(time.Second)), nil
	}
	sess, err := o.Store.Get(id)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "idle, no session", nil
	}
	if sess.AgentSessionID == "" {
		return "idle, session cleared", nil
	}
	return fmt.Sprintf("idle, session %s", sess.AgentSessionID), nil
}

// SetUpdateInterval changes the status republish cadence. Persisted always;
// an active invocation's timer is re-armed live.
func (o *Orchestrator) SetUpdateInterval(ctx context.Context, id ConversationID, seconds int) error {
	if seconds < minUpdateIntervalSeconds {
		seconds = minUpdateIntervalSeconds
	}
	if _, err := o.Store.Upsert(id, SessionPatch{UpdateIntervalSeconds: intPtr(seconds)}); err != nil {
		return err
	}
	if inv := o.Runtime.Active(id); inv != nil {
		inv.mu.Lock()
		if inv.ticker != nil {
			inv.ticker.Reset(time.Duration(seconds) * time.Second)
		}
		inv.mu.Unlock()
	}
	return nil
}

// SetMaxMessageChars changes the per-message size limit. Persisted always;
// the next delivered turn picks it up.
func (o *Orchestrator) SetMaxMessageChars(ctx context.Context, id ConversationID, chars int) error {
	if chars < minMessageChars {
		chars = minMessageChars
	}
	_, err := o.Store.Upsert(id, SessionPatch{MaxMessageChars: intPtr(chars)})
	return err
}

// SetThinkingBudget changes the thinking-token budget. Persisted always and
// forwarded into the live invocation when one is running.
func (o *Orchestrator) SetThinkingBudget(ctx context.Context, id ConversationID, tokens int) error {
	if tokens < 0 {
		tokens = 0
	}
	if _, err := o.Store.Upsert(id, SessionPatch{ThinkingBudget: intPtr(tokens)}); err != nil {
		return err
	}
	if inv := o.Runtime.Active(id); inv != nil && inv.agent != nil {
		return inv.agent.SetThinkingBudget(ctx, tokens)
	}
	return nil
}

// SetPermissionMode changes the permission mode. Persisted regardless of
// busy state and forwarded into the live invocation when one is running.
func (o *Orchestrator) SetPermissionMode(ctx context.Context, id ConversationID, raw string) error {
	mode, ok := ParsePermissionMode(raw)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
	if _, err := o.Store.Upsert(id, SessionPatch{PermissionMode: strPtr(mode)}); err != nil {
		return err
	}
	if inv := o.Runtime.Active(id); inv != nil && inv.agent != nil {
		return inv.agent.SetPermissionMode(ctx, mode)
	}
	return nil
}

// SetModel changes the model for the next invocation. Rejected outright
// while busy, with nothing persisted: model changes never apply mid-flight.
func (o *Orchestrator) SetModel(ctx context.Context, id ConversationID, model string) error {
	if o.Busy(id) {
		return ErrBusy
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("missing model")
	}
	_, err := o.Store.Upsert(id, SessionPatch{Model: strPtr(model)})
	return err
}

// ClearSession detaches the conversation from its current agent session.
// The old id stays on the history list so its artifacts remain locatable and
// fork resolution keeps working across the clear.
func (o *Orchestrator) ClearSession(ctx context.Context, id ConversationID) error {
	if o.Busy(id) {
		return ErrBusy
	}
	return o.Store.Clear(id)
}

// TeardownChannel deletes a channel's root and thread sessions and returns
// every referenced agent session id so the caller can remove the agent-side
// artifacts.
func (o *Orchestrator) TeardownChannel(ctx context.Context, channel string) ([]string, error) {
	if o.Busy(RootID(channel)) {
		return nil, ErrBusy
	}
	return o.Store.Delete(channel)
}
