package bridge

import (
	"bytes"
	"context"
	"testing"
)

func newTestMirror(t *testing.T, source TranscriptSource) (*Mirror, *MockChatClient, SessionStore) {
	t.Helper()
	store := NewFileSessionStore(t.TempDir())
	chat := NewMockChatClient()
	return &Mirror{
		Store:  store,
		Chat:   chat,
		Source: source,
		Logger: NewLogger(&bytes.Buffer{}).Component("mirror"),
	}, chat, store
}

func TestMirrorDeliversNewTurnsAndAdvancesOffset(t *testing.T) {
	source := &MockTranscriptSource{Turns: []TranscriptTurn{
		{TurnID: "t1", Kind: TurnUser, Text: "user asked"},
		{TurnID: "t2", Kind: TurnAgent, Text: "agent answered"},
	}}
	m, chat, store := newTestMirror(t, source)
	id := RootID("C1")
	if _, err := store.Upsert(id, SessionPatch{AgentSessionID: strPtr("S1")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	delivered, err := m.Sync(context.Background(), id)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered: %d want 1 (user turns are not mirrored)", delivered)
	}
	if texts := chat.PostedTexts(); len(texts) != 1 || texts[0] != "agent answered" {
		t.Fatalf("posts: %v", texts)
	}

	sess, _ := store.Get(id)
	if sess.MirrorOffset != 2 {
		t.Fatalf("mirror offset: %d want 2", sess.MirrorOffset)
	}

	// Second poll sees nothing new and posts nothing.
	delivered, err = m.Sync(context.Background(), id)
	if err != nil || delivered != 0 {
		t.Fatalf("second sync: delivered=%d err=%v", delivered, err)
	}
	if len(chat.PostedTexts()) != 1 {
		t.Fatalf("turn re-posted on second poll")
	}
}

func TestMirrorSkipsTurnsDeliveredByLivePath(t *testing.T) {
	source := &MockTranscriptSource{Turns: []TranscriptTurn{
		{TurnID: "t1", Kind: TurnAgent, Text: "already shown live"},
		{TurnID: "t2", Kind: TurnAgent, Text: "only in transcript"},
	}}
	m, chat, store := newTestMirror(t, source)
	id := RootID("C1")
	if _, err := store.Upsert(id, SessionPatch{AgentSessionID: strPtr("S1")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// The live path already delivered t1.
	if err := store.RecordTurn(id, "1726000100.000100", TurnRecord{AgentTurnID: "t1", Kind: TurnAgent}); err != nil {
		t.Fatalf("record live: %v", err)
	}

	delivered, err := m.Sync(context.Background(), id)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered: %d want 1", delivered)
	}
	texts := chat.PostedTexts()
	if len(texts) != 1 || texts[0] != "only in transcript" {
		t.Fatalf("posts: %v", texts)
	}
}

func TestMirrorIgnoresEmptyTurnsWithoutRecording(t *testing.T) {
	source := &MockTranscriptSource{Turns: []TranscriptTurn{
		{TurnID: "t-empty", Kind: TurnAgent, Text: "   "},
	}}
	m, chat, store := newTestMirror(t, source)
	id := RootID("C1")
	if _, err := store.Upsert(id, SessionPatch{AgentSessionID: strPtr("S1")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	delivered, err := m.Sync(context.Background(), id)
	if err != nil || delivered != 0 {
		t.Fatalf("sync: delivered=%d err=%v", delivered, err)
	}
	if len(chat.PostedTexts()) != 0 {
		t.Fatalf("empty turn was posted")
	}
	sess, _ := store.Get(id)
	if len(sess.TurnMap) != 0 {
		t.Fatalf("empty turn was recorded: %v", sess.TurnMap)
	}
	// The offset still advances past content-free turns.
	if sess.MirrorOffset != 1 {
		t.Fatalf("mirror offset: %d want 1", sess.MirrorOffset)
	}
}

func TestMirrorNoSessionIsNoOp(t *testing.T) {
	source := &MockTranscriptSource{Turns: []TranscriptTurn{
		{TurnID: "t1", Kind: TurnAgent, Text: "hello"},
	}}
	m, chat, store := newTestMirror(t, source)
	id := RootID("C1")

	// No session at all, then a session with no agent session id.
	if n, err := m.Sync(context.Background(), id); err != nil || n != 0 {
		t.Fatalf("sync without session: n=%d err=%v", n, err)
	}
	if _, err := store.Upsert(id, SessionPatch{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n, err := m.Sync(context.Background(), id); err != nil || n != 0 {
		t.Fatalf("sync without agent session: n=%d err=%v", n, err)
	}
	if source.Polls != 0 {
		t.Fatalf("polled transcript without an agent session")
	}
	if len(chat.PostedTexts()) != 0 {
		t.Fatalf("unexpected posts")
	}
}
