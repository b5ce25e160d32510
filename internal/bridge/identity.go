package bridge

import (
	"strconv"
	"strings"
)

// ConversationID identifies one logical agent session: a channel, plus the
// origin timestamp of the thread when the conversation lives in a thread.
// A channel has exactly one root conversation (empty ThreadOrigin).
type ConversationID struct {
	Channel      string `json:"channel"`
	ThreadOrigin string `json:"thread_origin,omitempty"`
}

func RootID(channel string) ConversationID {
	return ConversationID{Channel: strings.TrimSpace(channel)}
}

func ThreadID(channel, origin string) ConversationID {
	return ConversationID{
		Channel:      strings.TrimSpace(channel),
		ThreadOrigin: strings.TrimSpace(origin),
	}
}

func (id ConversationID) IsThread() bool {
	return id.ThreadOrigin != ""
}

// Root returns the channel-level identity this conversation belongs to.
func (id ConversationID) Root() ConversationID {
	return ConversationID{Channel: id.Channel}
}

// Key is the stable map/registry key for this conversation.
func (id ConversationID) Key() string {
	if id.ThreadOrigin == "" {
		return id.Channel
	}
	return id.Channel + ":" + id.ThreadOrigin
}

func (id ConversationID) String() string { return id.Key() }

// parseMessageTS parses a platform message timestamp ("1726000000.000100")
// into seconds. Synthetic identifiers fabricated for turns that never got a
// real message id are not timestamps and report ok=false.
func parseMessageTS(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
