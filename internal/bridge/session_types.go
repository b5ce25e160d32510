package bridge

import (
	"strings"
	"time"
)

type TurnKind string

const (
	TurnUser  TurnKind = "user"
	TurnAgent TurnKind = "agent"
)

// TurnRecord binds one externally-visible chat message to the agent turn it
// carries. A long agent turn split across several messages maps each message
// to the same AgentTurnID; exactly one of them is the non-continuation primary
// entry carrying ParentExternalMessageID.
type TurnRecord struct {
	AgentTurnID             string   `json:"agent_turn_id"`
	Kind                    TurnKind `json:"kind"`
	ParentExternalMessageID string   `json:"parent_external_message_id,omitempty"`
	IsContinuation          bool     `json:"is_continuation,omitempty"`
	// AgentSessionID records which agent session produced the turn, so that
	// fork resolution still finds the right session after an explicit clear.
	AgentSessionID string `json:"agent_session_id,omitempty"`
}

// Session is the persisted state of one conversation (channel root or thread).
type Session struct {
	AgentSessionID          string   `json:"agent_session_id,omitempty"`
	PreviousAgentSessionIDs []string `json:"previous_agent_session_ids,omitempty"`

	// Fork ancestry. Set once at fork creation, immutable thereafter.
	// ForkedFromThreadOrigin identifies the ancestor conversation; empty
	// means the channel root, which is the only fork source the orchestrator
	// creates. The field is persisted and patchable so thread-from-thread
	// ancestry written by external collaborators round-trips intact.
	ForkedFrom             string `json:"forked_from,omitempty"`
	ForkedFromThreadOrigin string `json:"forked_from_thread_origin,omitempty"`
	// ResumeAtTurnID pins the prior agent turn this session resumes from.
	// Absent means resume from latest.
	ResumeAtTurnID string `json:"resume_at_turn_id,omitempty"`

	WorkingDirectory      string `json:"working_directory,omitempty"`
	PermissionMode        string `json:"permission_mode,omitempty"`
	Model                 string `json:"model,omitempty"`
	UpdateIntervalSeconds int    `json:"update_interval_seconds,omitempty"`
	MaxMessageChars       int    `json:"max_message_chars,omitempty"`
	ThinkingBudget        int    `json:"thinking_budget,omitempty"`

	// MirrorOffset is the read offset into the external transcript log.
	MirrorOffset int64 `json:"mirror_offset,omitempty"`

	// TurnMap maps external message id -> turn binding. Keys are platform
	// timestamps except for synthetic delivered-no-id entries.
	TurnMap map[string]TurnRecord `json:"turn_map,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func newSession(now time.Time) *Session {
	return &Session{
		TurnMap:      map[string]TurnRecord{},
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.PreviousAgentSessionIDs = append([]string(nil), s.PreviousAgentSessionIDs...)
	out.TurnMap = make(map[string]TurnRecord, len(s.TurnMap))
	for k, v := range s.TurnMap {
		out.TurnMap[k] = v
	}
	return &out
}

// allAgentSessionIDs returns the current id (if any) plus every superseded id.
func (s *Session) allAgentSessionIDs() []string {
	var ids []string
	if strings.TrimSpace(s.AgentSessionID) != "" {
		ids = append(ids, s.AgentSessionID)
	}
	for _, id := range s.PreviousAgentSessionIDs {
		if strings.TrimSpace(id) != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ChannelState is the persisted record for one channel: the root session plus
// every thread session keyed by thread-origin timestamp.
type ChannelState struct {
	Channel   string              `json:"channel"`
	Root      *Session            `json:"root,omitempty"`
	Threads   map[string]*Session `json:"threads,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func (c *ChannelState) session(id ConversationID) *Session {
	if c == nil {
		return nil
	}
	if !id.IsThread() {
		return c.Root
	}
	return c.Threads[id.ThreadOrigin]
}

func (c *ChannelState) setSession(id ConversationID, sess *Session) {
	if !id.IsThread() {
		c.Root = sess
		return
	}
	if c.Threads == nil {
		c.Threads = map[string]*Session{}
	}
	c.Threads[id.ThreadOrigin] = sess
}

// SessionPatch is a partial update merged into an existing session by Upsert.
// Nil fields are left untouched; ancestry fields only apply when not already
// set. AgentSessionID may be set to the empty string explicitly via Clear, not
// through a patch.
type SessionPatch struct {
	AgentSessionID         *string
	ForkedFrom             *string
	ForkedFromThreadOrigin *string
	ResumeAtTurnID         *string
	WorkingDirectory       *string
	PermissionMode         *string
	Model                  *string
	UpdateIntervalSeconds  *int
	MaxMessageChars        *int
	ThinkingBudget         *int
	MirrorOffset           *int64
}

func (p SessionPatch) apply(sess *Session) {
	if p.AgentSessionID != nil {
		sess.AgentSessionID = *p.AgentSessionID
	}
	if p.ForkedFrom != nil && sess.ForkedFrom == "" {
		sess.ForkedFrom = *p.ForkedFrom
	}
	if p.ForkedFromThreadOrigin != nil && sess.ForkedFromThreadOrigin == "" {
		sess.ForkedFromThreadOrigin = *p.ForkedFromThreadOrigin
	}
	if p.ResumeAtTurnID != nil && sess.ResumeAtTurnID == "" {
		sess.ResumeAtTurnID = *p.ResumeAtTurnID
	}
	if p.WorkingDirectory != nil {
		sess.WorkingDirectory = *p.WorkingDirectory
	}
	if p.PermissionMode != nil {
		sess.PermissionMode = *p.PermissionMode
	}
	if p.Model != nil {
		sess.Model = *p.Model
	}
	if p.UpdateIntervalSeconds != nil {
		sess.UpdateIntervalSeconds = *p.UpdateIntervalSeconds
	}
	if p.MaxMessageChars != nil {
		sess.MaxMessageChars = *p.MaxMessageChars
	}
	if p.ThinkingBudget != nil {
		sess.ThinkingBudget = *p.ThinkingBudget
	}
	if p.MirrorOffset != nil {
		sess.MirrorOffset = *p.MirrorOffset
	}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
