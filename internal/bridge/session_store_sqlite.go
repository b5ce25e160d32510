package bridge

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSessionStore is the alternative store backend. Same contract as the
// file store; useful once a deployment outgrows one-JSON-file-per-channel.
type SQLiteSessionStore struct {
	Root   string
	dbPath string

	mu   sync.Mutex
	db   *sql.DB
	once sync.Once
	err  error
}

func NewSQLiteSessionStore(root string) (*SQLiteSessionStore, error) {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	st := &SQLiteSessionStore{
		Root:   root,
		dbPath: filepath.Join(root, "chatbridge.db"),
	}
	// Initialize eagerly so callers fail fast.
	if err := st.init(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteSessionStore) init() error {
	s.once.Do(func() {
		db, err := sql.Open("sqlite", s.dbPath)
		if err != nil {
			s.err = err
			return
		}
		// Keep sqlite responsive under contention.
		_, _ = db.Exec("PRAGMA busy_timeout = 5000;")
		_, _ = db.Exec("PRAGMA journal_mode = WAL;")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL;")

		schema := []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				channel TEXT NOT NULL,
				thread_origin TEXT NOT NULL DEFAULT '',
				agent_session_id TEXT,
				previous_ids TEXT,
				forked_from TEXT,
				forked_from_thread_origin TEXT,
				resume_at_turn_id TEXT,
				working_dir TEXT,
				permission_mode TEXT,
				model TEXT,
				update_interval INTEGER NOT NULL DEFAULT 0,
				max_message_chars INTEGER NOT NULL DEFAULT 0,
				thinking_budget INTEGER NOT NULL DEFAULT 0,
				mirror_offset INTEGER NOT NULL DEFAULT 0,
				created_at_ns INTEGER NOT NULL,
				last_active_ns INTEGER NOT NULL,
				PRIMARY KEY (channel, thread_origin)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel);`,
			`CREATE TABLE IF NOT EXISTS turns (
				channel TEXT NOT NULL,
				thread_origin TEXT NOT NULL DEFAULT '',
				external_id TEXT NOT NULL,
				agent_turn_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				parent_external_id TEXT,
				is_continuation INTEGER NOT NULL DEFAULT 0,
				agent_session_id TEXT,
				PRIMARY KEY (channel, thread_origin, external_id)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_turns_agent_turn ON turns(channel, thread_origin, agent_turn_id);`,
		}
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				_ = db.Close()
				s.err = err
				return
			}
		}

		s.db = db
	})
	return s.err
}

func (s *SQLiteSessionStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteSessionStore) getSessionRow(id ConversationID) (*Session, error) {
	row := s.db.QueryRow(`SELECT agent_session_id, previous_ids, forked_from,
		forked_from_thread_origin, resume_at_turn_id, working_dir, permission_mode,
		model, update_interval, max_message_chars, thinking_budget, mirror_offset,
		created_at_ns, last_active_ns
		FROM sessions WHERE channel = ? AND thread_origin = ?`,
		id.Channel, id.ThreadOrigin)

	var (
		sess                                           Session
		agentID, prevIDs, forkedFrom, forkedFromThread sql.NullString
		resumeAt, workDir, permMode, model             sql.NullString
		createdNS, activeNS                            int64
	)
	err := row.Scan(&agentID, &prevIDs, &forkedFrom, &forkedFromThread,
		&resumeAt, &workDir, &permMode, &model,
		&sess.UpdateIntervalSeconds, &sess.MaxMessageChars, &sess.ThinkingBudget,
		&sess.MirrorOffset, &createdNS, &activeNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.AgentSessionID = agentID.String
	sess.ForkedFrom = forkedFrom.String
	sess.ForkedFromThreadOrigin = forkedFromThread.String
	sess.ResumeAtTurnID = resumeAt.String
	sess.WorkingDirectory = workDir.String
	sess.PermissionMode = permMode.String
	sess.Model = model.String
	sess.CreatedAt = time.Unix(0, createdNS)
	sess.LastActiveAt = time.Unix(0, activeNS)
	if prevIDs.String != "" {
		_ = json.Unmarshal([]byte(prevIDs.String), &sess.PreviousAgentSessionIDs)
	}

	sess.TurnMap = map[string]TurnRecord{}
	rows, err := s.db.Query(`SELECT external_id, agent_turn_id, kind,
		parent_external_id, is_continuation, agent_session_id
		FROM turns WHERE channel = ? AND thread_origin = ?`,
		id.Channel, id.ThreadOrigin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			extID, turnID, kind   string
			parentID, turnSession sql.NullString
			continuation          int
		)
		if err := rows.Scan(&extID, &turnID, &kind, &parentID, &continuation, &turnSession); err != nil {
			return nil, err
		}
		sess.TurnMap[extID] = TurnRecord{
			AgentTurnID:             turnID,
			Kind:                    TurnKind(kind),
			ParentExternalMessageID: parentID.String,
			IsContinuation:          continuation != 0,
			AgentSessionID:          turnSession.String,
		}
	}
	return &sess, rows.Err()
}

func (s *SQLiteSessionStore) saveSessionRow(id ConversationID, sess *Session) error {
	prevIDs := ""
	if len(sess.PreviousAgentSessionIDs) > 0 {
		b, err := json.Marshal(sess.PreviousAgentSessionIDs)
		if err != nil {
			return err
		}
		prevIDs = string(b)
	}
	_, err := s.db.Exec(`INSERT INTO sessions (channel, thread_origin,
		agent_session_id, previous_ids, forked_from, forked_from_thread_origin,
		resume_at_turn_id, working_dir, permission_mode, model, update_interval,
		max_message_chars, thinking_budget, mirror_offset, created_at_ns, last_active_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel, thread_origin) DO UPDATE SET
		agent_session_id = excluded.agent_session_id,
		previous_ids = excluded.previous_ids,
		forked_from = excluded.forked_from,
		forked_from_thread_origin = excluded.forked_from_thread_origin,
		resume_at_turn_id = excluded.resume_at_turn_id,
		working_dir = excluded.working_dir,
		permission_mode = excluded.permission_mode,
		model = excluded.model,
		update_interval = excluded.update_interval,
		max_message_chars = excluded.max_message_chars,
		thinking_budget = excluded.thinking_budget,
		mirror_offset = excluded.mirror_offset,
		last_active_ns = excluded.last_active_ns`,
		id.Channel, id.ThreadOrigin,
		sess.AgentSessionID, prevIDs, sess.ForkedFrom, sess.ForkedFromThreadOrigin,
		sess.ResumeAtTurnID, sess.WorkingDirectory, sess.PermissionMode, sess.Model,
		sess.UpdateIntervalSeconds, sess.MaxMessageChars, sess.ThinkingBudget,
		sess.MirrorOffset, sess.CreatedAt.UnixNano(), sess.LastActiveAt.UnixNano())
	return err
}

func (s *SQLiteSessionStore) Get(id ConversationID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSessionRow(id)
}

func (s *SQLiteSessionStore) Upsert(id ConversationID, patch SessionPatch) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSessionRow(id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if sess == nil {
		sess = newSession(now)
	}
	patch.apply(sess)
	sess.LastActiveAt = now
	if err := s.saveSessionRow(id, sess); err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

func (s *SQLiteSessionStore) RecordTurn(id ConversationID, externalMessageID string, turn TurnRecord) error {
	externalMessageID = strings.TrimSpace(externalMessageID)
	if externalMessageID == "" {
		return errors.New("missing external message id")
	}
	if strings.TrimSpace(turn.AgentTurnID) == "" {
		return errors.New("missing agent turn id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSessionRow(id)
	if err != nil {
		return err
	}
	now := time.Now()
	if sess == nil {
		sess = newSession(now)
		if err := s.saveSessionRow(id, sess); err != nil {
			return err
		}
	}
	if turn.AgentSessionID == "" {
		turn.AgentSessionID = sess.AgentSessionID
	}
	continuation := 0
	if turn.IsContinuation {
		continuation = 1
	}
	_, err = s.db.Exec(`INSERT INTO turns (channel, thread_origin, external_id,
		agent_turn_id, kind, parent_external_id, is_continuation, agent_session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel, thread_origin, external_id) DO UPDATE SET
		agent_turn_id = excluded.agent_turn_id,
		kind = excluded.kind,
		parent_external_id = excluded.parent_external_id,
		is_continuation = excluded.is_continuation,
		agent_session_id = excluded.agent_session_id`,
		id.Channel, id.ThreadOrigin, externalMessageID,
		turn.AgentTurnID, string(turn.Kind), turn.ParentExternalMessageID,
		continuation, turn.AgentSessionID)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE sessions SET last_active_ns = ? WHERE channel = ? AND thread_origin = ?`,
		now.UnixNano(), id.Channel, id.ThreadOrigin)
	return err
}

func (s *SQLiteSessionStore) Clear(id ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSessionRow(id)
	if err != nil || sess == nil {
		return err
	}
	if strings.TrimSpace(sess.AgentSessionID) != "" {
		sess.PreviousAgentSessionIDs = append(sess.PreviousAgentSessionIDs, sess.AgentSessionID)
		sess.AgentSessionID = ""
	}
	sess.LastActiveAt = time.Now()
	return s.saveSessionRow(id, sess)
}

func (s *SQLiteSessionStore) Delete(channel string) ([]string, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errors.New("missing channel")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT thread_origin, agent_session_id, previous_ids
		FROM sessions WHERE channel = ? ORDER BY thread_origin`, channel)
	if err != nil {
		return nil, err
	}
	var ids []string
	seen := map[string]struct{}{}
	found := false
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for rows.Next() {
		var origin string
		var agentID, prevIDs sql.NullString
		if err := rows.Scan(&origin, &agentID, &prevIDs); err != nil {
			rows.Close()
			return nil, err
		}
		found = true
		add(agentID.String)
		if prevIDs.String != "" {
			var prev []string
			_ = json.Unmarshal([]byte(prevIDs.String), &prev)
			for _, id := range prev {
				add(id)
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if _, err := s.db.Exec(`DELETE FROM turns WHERE channel = ?`, channel); err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE channel = ?`, channel); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteSessionStore) ListChannels() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT DISTINCT channel FROM sessions ORDER BY channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	channels := []string{}
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}
