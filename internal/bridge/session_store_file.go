package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileSessionStore is the primary JSON-on-disk store: one file per channel
// holding the root session and every thread session. Persistence is a whole
// file read-modify-write; the store mutex makes each mutation atomic for
// callers and keeps concurrent upserts from clobbering each other's fields.
//
// Layout:
//
//	<root>/conversation/<channel>.json
type FileSessionStore struct {
	Root string

	mu sync.Mutex
}

func DefaultStorageRoot() string {
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "chatbridge", "storage")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "chatbridge", "storage")
	}
	return filepath.Join(os.TempDir(), "chatbridge", "storage")
}

func NewFileSessionStore(root string) *FileSessionStore {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	return &FileSessionStore{Root: filepath.Clean(root)}
}

func (s *FileSessionStore) conversationDir() string {
	return filepath.Join(s.Root, "conversation")
}

func (s *FileSessionStore) channelPath(channel string) string {
	return filepath.Join(s.conversationDir(), channel+".json")
}

func (s *FileSessionStore) loadChannel(channel string) (*ChannelState, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errors.New("missing channel")
	}
	b, err := os.ReadFile(s.channelPath(channel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state ChannelState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("decode channel %s: %w", channel, err)
	}
	state.Channel = channel
	return &state, nil
}

func (s *FileSessionStore) saveChannel(state *ChannelState) error {
	if state == nil || strings.TrimSpace(state.Channel) == "" {
		return errors.New("missing channel state")
	}
	if err := os.MkdirAll(s.conversationDir(), 0o755); err != nil {
		return err
	}
	state.UpdatedAt = time.Now()
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.channelPath(state.Channel), b, 0o644)
}

func (s *FileSessionStore) Get(id ConversationID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadChannel(id.Channel)
	if err != nil {
		return nil, err
	}
	return state.session(id).clone(), nil
}

func (s *FileSessionStore) Upsert(id ConversationID, patch SessionPatch) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadChannel(id.Channel)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if state == nil {
		state = &ChannelState{Channel: strings.TrimSpace(id.Channel)}
	}
	sess := state.session(id)
	if sess == nil {
		sess = newSession(now)
		state.setSession(id, sess)
	}
	if sess.TurnMap == nil {
		sess.TurnMap = map[string]TurnRecord{}
	}
	patch.apply(sess)
	sess.LastActiveAt = now
	if err := s.saveChannel(state); err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

func (s *FileSessionStore) RecordTurn(id ConversationID, externalMessageID string, turn TurnRecord) error {
	externalMessageID = strings.TrimSpace(externalMessageID)
	if externalMessageID == "" {
		return errors.New("missing external message id")
	}
	if strings.TrimSpace(turn.AgentTurnID) == "" {
		return errors.New("missing agent turn id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadChannel(id.Channel)
	if err != nil {
		return err
	}
	now := time.Now()
	if state == nil {
		state = &ChannelState{Channel: strings.TrimSpace(id.Channel)}
	}
	sess := state.session(id)
	if sess == nil {
		sess = newSession(now)
		state.setSession(id, sess)
	}
	if sess.TurnMap == nil {
		sess.TurnMap = map[string]TurnRecord{}
	}
	if existing, ok := sess.TurnMap[externalMessageID]; ok && existing.AgentTurnID == turn.AgentTurnID {
		return nil
	}
	if turn.AgentSessionID == "" {
		turn.AgentSessionID = sess.AgentSessionID
	}
	sess.TurnMap[externalMessageID] = turn
	sess.LastActiveAt = now
	return s.saveChannel(state)
}

func (s *FileSessionStore) Clear(id ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadChannel(id.Channel)
	if err != nil {
		return err
	}
	sess := state.session(id)
	if sess == nil {
		return nil
	}
	if strings.TrimSpace(sess.AgentSessionID) != "" {
		sess.PreviousAgentSessionIDs = append(sess.PreviousAgentSessionIDs, sess.AgentSessionID)
		sess.AgentSessionID = ""
	}
	sess.LastActiveAt = time.Now()
	return s.saveChannel(state)
}

func (s *FileSessionStore) Delete(channel string) ([]string, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errors.New("missing channel")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadChannel(channel)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, nil
	}
	ids := collectAgentSessionIDs(state)
	if err := os.Remove(s.channelPath(channel)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return ids, nil
}

func (s *FileSessionStore) ListChannels() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ents, err := os.ReadDir(s.conversationDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	channels := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSpace(e.Name())
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		if ch := strings.TrimSuffix(name, ".json"); ch != "" {
			channels = append(channels, ch)
		}
	}
	sort.Strings(channels)
	return channels, nil
}

// collectAgentSessionIDs gathers current + historical agent session ids from
// the root session and every thread session, root first, threads in origin
// order, without duplicates.
func collectAgentSessionIDs(state *ChannelState) []string {
	var ids []string
	seen := map[string]struct{}{}
	add := func(sess *Session) {
		if sess == nil {
			return
		}
		for _, id := range sess.allAgentSessionIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	add(state.Root)
	origins := make([]string, 0, len(state.Threads))
	for origin := range state.Threads {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	for _, origin := range origins {
		add(state.Threads[origin])
	}
	return ids
}
