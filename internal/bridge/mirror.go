package bridge

import (
	"context"
	"strings"
	"time"
)

// TranscriptTurn is one turn observed in the agent's own on-disk transcript.
type TranscriptTurn struct {
	TurnID string
	Kind   TurnKind
	Text   string
}

// TranscriptSource polls an append-only external session log.
type TranscriptSource interface {
	Poll(ctx context.Context, agentSessionID string, offset int64) (turns []TranscriptTurn, newOffset int64, err error)
}

// Mirror passively republishes agent turns that appear in the external
// transcript but were never delivered by the live streaming path (e.g. turns
// produced while the bridge was down). Everything flows through the same
// dedup contract as live delivery, so the two paths never double-post.
type Mirror struct {
	Store  SessionStore
	Chat   ChatClient
	Source TranscriptSource
	Logger *Logger
}

// Sync performs one poll for the conversation and delivers any new turns.
// Returns the number of turns posted.
func (m *Mirror) Sync(ctx context.Context, id ConversationID) (int, error) {
	sess, err := m.Store.Get(id)
	if err != nil {
		return 0, err
	}
	if sess == nil || strings.TrimSpace(sess.AgentSessionID) == "" {
		return 0, nil
	}

	turns, newOffset, err := m.Source.Poll(ctx, sess.AgentSessionID, sess.MirrorOffset)
	if err != nil {
		return 0, err
	}

	deliverer := &Deliverer{Store: m.Store, Convo: id, Logger: m.Logger}
	delivered := 0
	for _, turn := range turns {
		if turn.Kind != TurnAgent {
			continue
		}
		text := strings.TrimSpace(turn.Text)
		rec := TurnRecord{
			AgentTurnID:    turn.TurnID,
			Kind:           TurnAgent,
			AgentSessionID: sess.AgentSessionID,
		}
		posted := false
		err := deliverer.Deliver(rec, text != "", func() (string, error) {
			posted = true
			return m.Chat.PostMessage(ctx, id.Channel, id.ThreadOrigin, text)
		})
		if err != nil {
			// Leave the offset behind this turn so the next poll retries it.
			m.Logger.Error("mirror delivery failed", map[string]interface{}{
				"conversation": id.Key(), "turn": turn.TurnID, "error": err.Error(),
			})
			return delivered, err
		}
		if posted {
			delivered++
		}
	}

	if newOffset != sess.MirrorOffset {
		if _, err := m.Store.Upsert(id, SessionPatch{MirrorOffset: &newOffset}); err != nil {
			m.Logger.Error("persist mirror offset failed", map[string]interface{}{
				"conversation": id.Key(), "error": err.Error(),
			})
		}
	}
	return delivered, nil
}

// Run polls the conversation until the context ends.
func (m *Mirror) Run(ctx context.Context, id ConversationID, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sync(ctx, id); err != nil {
				m.Logger.Error("mirror sync failed", map[string]interface{}{
					"conversation": id.Key(), "error": err.Error(),
				})
			}
		}
	}
}
