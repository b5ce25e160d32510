package bridge

// ForkPoint pins the exact prior agent turn a new thread session resumes
// from, together with the agent session that produced it.
type ForkPoint struct {
	TurnID         string
	AgentSessionID string
}

// ForkResolver finds the fork point for a thread being opened under a
// channel's root conversation.
type ForkResolver struct {
	Store SessionStore
}

// Resolve returns the last real agent turn strictly before the thread-origin
// timestamp, or nil when no prior real agent turn exists. An agent turn at
// exactly the origin timestamp (the user replied to the agent message itself)
// is honored. Synthetic delivered-no-id entries carry no usable timestamp and
// are never used as fallback anchors.
//
// The returned turn's own recorded agent session id is preferred over the
// root session's current id, so forking still works after an explicit clear
// detached the root from the session that produced the turn.
func (r *ForkResolver) Resolve(root ConversationID, originTS string) (*ForkPoint, error) {
	sess, err := r.Store.Get(root.Root())
	if err != nil {
		return nil, err
	}
	if sess == nil || len(sess.TurnMap) == 0 {
		return nil, nil
	}

	if rec, ok := sess.TurnMap[originTS]; ok && rec.Kind == TurnAgent {
		return forkPointFor(rec, sess), nil
	}

	origin, ok := parseMessageTS(originTS)
	if !ok {
		return nil, nil
	}

	var (
		bestTS  float64
		bestRec TurnRecord
		found   bool
	)
	for extID, rec := range sess.TurnMap {
		if rec.Kind != TurnAgent {
			continue
		}
		ts, ok := parseMessageTS(extID)
		if !ok {
			// Placeholder entry; its true delivery instant is unknown.
			continue
		}
		if ts >= origin {
			continue
		}
		if !found || ts > bestTS {
			bestTS = ts
			bestRec = rec
			found = true
		}
	}
	if !found {
		return nil, nil
	}
	return forkPointFor(bestRec, sess), nil
}

func forkPointFor(rec TurnRecord, sess *Session) *ForkPoint {
	sessionID := rec.AgentSessionID
	if sessionID == "" {
		sessionID = sess.AgentSessionID
	}
	if sessionID == "" {
		return nil
	}
	return &ForkPoint{TurnID: rec.AgentTurnID, AgentSessionID: sessionID}
}
