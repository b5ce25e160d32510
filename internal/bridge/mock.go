package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockAgentInvocation replays a scripted event stream and records control
// calls.
type MockAgentInvocation struct {
	events chan AgentEvent

	mu             sync.Mutex
	Interrupted    bool
	PermissionMode string
	Model          string
	ThinkingBudget int
}

func (m *MockAgentInvocation) Events() <-chan AgentEvent { return m.events }

func (m *MockAgentInvocation) Interrupt(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Interrupted = true
	return nil
}

func (m *MockAgentInvocation) SetPermissionMode(ctx context.Context, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PermissionMode = mode
	return nil
}

func (m *MockAgentInvocation) SetModel(ctx context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Model = model
	return nil
}

func (m *MockAgentInvocation) SetThinkingBudget(ctx context.Context, tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ThinkingBudget = tokens
	return nil
}

// MockAgentBackend simulates the agent backend. Every invocation emits a
// SessionInitEvent carrying SessionID, then the scripted events. With Hold
// set, the stream stays open after the session init until Release is called,
// which keeps the conversation busy for concurrency tests.
type MockAgentBackend struct {
	SessionID string
	Script    []AgentEvent
	InvokeErr error
	Hold      bool

	mu       sync.Mutex
	Requests []InvokeRequest
	Last     *MockAgentInvocation
	release  chan struct{}
}

func NewMockAgentBackend(sessionID string) *MockAgentBackend {
	return &MockAgentBackend{SessionID: sessionID}
}

func (b *MockAgentBackend) Invoke(ctx context.Context, req InvokeRequest) (AgentInvocation, error) {
	b.mu.Lock()
	b.Requests = append(b.Requests, req)
	if b.InvokeErr != nil {
		err := b.InvokeErr
		b.mu.Unlock()
		return nil, err
	}
	inv := &MockAgentInvocation{events: make(chan AgentEvent, 16)}
	b.Last = inv
	var release chan struct{}
	if b.Hold {
		release = make(chan struct{})
		b.release = release
	}
	script := append([]AgentEvent(nil), b.Script...)
	sessionID := b.SessionID
	b.mu.Unlock()

	go func() {
		defer close(inv.events)
		inv.events <- SessionInitEvent{SessionID: sessionID}
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range script {
			select {
			case inv.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return inv, nil
}

// Release unblocks a held invocation so its scripted events play out.
func (b *MockAgentBackend) Release() {
	b.mu.Lock()
	release := b.release
	b.release = nil
	b.mu.Unlock()
	if release != nil {
		close(release)
	}
}

// PostedMessage records one MockChatClient post.
type PostedMessage struct {
	Channel  string
	ThreadTS string
	Text     string
	ID       string
}

// MockChatClient records chat traffic and can simulate rate limiting and
// deliveries that lose the returned message id.
type MockChatClient struct {
	mu      sync.Mutex
	Posts   []PostedMessage
	Updates map[string][]string
	Deleted []string

	// RateLimitNext makes the next N calls fail with a RateLimitError.
	RateLimitNext int
	// DropMessageIDs makes posts succeed without returning an id.
	DropMessageIDs bool
	// PostErr makes posts fail hard.
	PostErr error
	// PostErrAt makes only the Nth post attempt (1-based) fail hard, earlier
	// and later posts succeed.
	PostErrAt int

	nextSeq   int
	postCalls int
}

func NewMockChatClient() *MockChatClient {
	return &MockChatClient{Updates: map[string][]string{}}
}

func (c *MockChatClient) PostMessage(ctx context.Context, channel, threadTS, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RateLimitNext > 0 {
		c.RateLimitNext--
		return "", &RateLimitError{RetryAfter: time.Millisecond}
	}
	c.postCalls++
	if c.PostErrAt > 0 {
		if c.postCalls == c.PostErrAt {
			return "", errors.New("post rejected")
		}
	} else if c.PostErr != nil {
		return "", c.PostErr
	}
	c.nextSeq++
	id := fmt.Sprintf("1726000000.%06d", c.nextSeq)
	if c.DropMessageIDs {
		id = ""
	}
	c.Posts = append(c.Posts, PostedMessage{Channel: channel, ThreadTS: threadTS, Text: text, ID: id})
	return id, nil
}

func (c *MockChatClient) UpdateMessage(ctx context.Context, channel, messageID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RateLimitNext > 0 {
		c.RateLimitNext--
		return &RateLimitError{RetryAfter: time.Millisecond}
	}
	c.Updates[messageID] = append(c.Updates[messageID], text)
	return nil
}

func (c *MockChatClient) DeleteMessage(ctx context.Context, channel, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Deleted = append(c.Deleted, messageID)
	return nil
}

func (c *MockChatClient) UploadFile(ctx context.Context, channel, threadTS, filename string, content []byte) error {
	return nil
}

// PostedTexts returns every posted text in order.
func (c *MockChatClient) PostedTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.Posts))
	for _, p := range c.Posts {
		out = append(out, p.Text)
	}
	return out
}

// MockTranscriptSource serves a fixed list of transcript turns; Poll returns
// everything past the offset.
type MockTranscriptSource struct {
	mu    sync.Mutex
	Turns []TranscriptTurn
	Polls int
}

func (s *MockTranscriptSource) Poll(ctx context.Context, agentSessionID string, offset int64) ([]TranscriptTurn, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Polls++
	if offset < 0 || offset > int64(len(s.Turns)) {
		offset = 0
	}
	return append([]TranscriptTurn(nil), s.Turns[offset:]...), int64(len(s.Turns)), nil
}
