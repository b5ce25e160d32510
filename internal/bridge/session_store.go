package bridge

// SessionStore is the single source of truth for conversation state. Every
// mutation is atomic from the caller's perspective: implementations serialize
// writers and merge into the latest persisted state, never blind-overwrite.
type SessionStore interface {
	// Get returns the session for the identity, or nil when absent.
	Get(id ConversationID) (*Session, error)
	// Upsert merges the patch into the existing session, creating defaults
	// when absent, and refreshes LastActiveAt. Fields not named by the patch
	// (turn map, ancestry, previous session ids) are preserved.
	Upsert(id ConversationID, patch SessionPatch) (*Session, error)
	// RecordTurn appends a turn binding under the external message id.
	// Recording the same (externalMessageID, turn) again is a no-op.
	RecordTurn(id ConversationID, externalMessageID string, turn TurnRecord) error
	// Clear detaches the current agent session: the id moves onto
	// PreviousAgentSessionIDs and AgentSessionID becomes empty. The turn map
	// is kept so old turns stay resolvable for forking and dedup.
	Clear(id ConversationID) error
	// Delete removes the channel's root session and every thread session
	// under it, returning all referenced agent session ids (current plus
	// historical, root plus threads) for external artifact cleanup.
	Delete(channel string) ([]string, error)
	// ListChannels returns every channel with persisted state.
	ListChannels() ([]string, error)
}
