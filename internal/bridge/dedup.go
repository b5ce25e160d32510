package bridge

import (
	"strings"
)

// syntheticIDPrefix marks external message ids fabricated when a delivery
// succeeded at the transport level but the platform returned no stable
// message id. Recording under a synthetic id keeps retries from re-posting
// the turn on every poll cycle.
const syntheticIDPrefix = "delivered-no-id-"

func syntheticExternalID(turnID string) string {
	return syntheticIDPrefix + turnID
}

func isSyntheticExternalID(id string) bool {
	return strings.HasPrefix(id, syntheticIDPrefix)
}

// PostFunc performs one chat delivery and returns the platform message id,
// which may be empty even on success.
type PostFunc func() (externalMessageID string, err error)

// Deliverer decides whether an agent turn has already been made visible to
// the user and records deliveries. Both the live streaming path and the
// passive transcript mirror feed it, so each turn reaches the channel once.
type Deliverer struct {
	Store  SessionStore
	Convo  ConversationID
	Logger *Logger
}

// AlreadyDelivered reports whether any recorded external message carries the
// turn. Turn records survive session clears, so the check spans current and
// superseded agent sessions. A store lookup failure degrades to "not yet
// delivered" rather than blocking the conversation.
func (d *Deliverer) AlreadyDelivered(turnID string) bool {
	turnID = strings.TrimSpace(turnID)
	if turnID == "" {
		return false
	}
	sess, err := d.Store.Get(d.Convo)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Error("dedup lookup failed", map[string]interface{}{
				"conversation": d.Convo.Key(),
				"error":        err.Error(),
			})
		}
		return false
	}
	if sess == nil {
		return false
	}
	for _, rec := range sess.TurnMap {
		if rec.AgentTurnID == turnID {
			return true
		}
	}
	return false
}

// Record appends a turn binding. An empty external message id means the
// transport succeeded without returning one; a synthetic id derived from the
// turn id is recorded instead so a later retry recognizes the turn.
func (d *Deliverer) Record(externalMessageID string, turn TurnRecord) error {
	externalMessageID = strings.TrimSpace(externalMessageID)
	if externalMessageID == "" {
		externalMessageID = syntheticExternalID(turn.AgentTurnID)
	}
	return d.Store.RecordTurn(d.Convo, externalMessageID, turn)
}

// Deliver posts one turn through post and records the delivery. Empty turns
// are not actionable: never posted, never recorded, never retried. A failed
// post records nothing, leaving the turn eligible for retry.
func (d *Deliverer) Deliver(turn TurnRecord, hasContent bool, post PostFunc) error {
	if !hasContent {
		return nil
	}
	if d.AlreadyDelivered(turn.AgentTurnID) {
		return nil
	}
	externalID, err := post()
	if err != nil {
		return err
	}
	if err := d.Record(externalID, turn); err != nil {
		// Chat-visible behavior must not hang on store durability.
		if d.Logger != nil {
			d.Logger.Error("record delivery failed", map[string]interface{}{
				"conversation": d.Convo.Key(),
				"turn":         turn.AgentTurnID,
				"error":        err.Error(),
			})
		}
	}
	return nil
}
