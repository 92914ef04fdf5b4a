package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/csbot-dev/csbot/pkg/domain"
)

const sessionTitleMax = 100

// SessionStore persists chat sessions, their messages, and escalation
// events in sqlite.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates the store and its tables.
func NewSessionStore(db *sql.DB) (*SessionStore, error) {
	s := &SessionStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SessionStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		confidence_tier TEXT NOT NULL DEFAULT '',
		sources TEXT,
		usage TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		query TEXT NOT NULL,
		reason TEXT NOT NULL,
		webhook_status INTEGER NOT NULL DEFAULT 0,
		webhook_response TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_escalations_session_id ON escalations(session_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// GetOrCreate returns the session, creating it on first use. An empty
// id creates a fresh session with a generated id.
func (s *SessionStore) GetOrCreate(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	var session domain.ChatSession
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?`, sessionID).
		Scan(&session.ID, &session.Title, &createdAt, &updatedAt)
	if err == nil {
		session.CreatedAt = time.Unix(createdAt, 0)
		session.UpdatedAt = time.Unix(updatedAt, 0)
		return &session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, '', ?, ?)`,
		sessionID, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &domain.ChatSession{ID: sessionID, CreatedAt: now, UpdatedAt: now}, nil
}

// AppendMessage adds one message to a session. The first user message
// becomes the session title, truncated.
func (s *SessionStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg.SessionID == "" {
		return fmt.Errorf("%w: message requires a session id", domain.ErrInvalidInput)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var sourcesJSON, usageJSON []byte
	var err error
	if msg.Sources != nil {
		if sourcesJSON, err = json.Marshal(msg.Sources); err != nil {
			return fmt.Errorf("failed to marshal sources: %w", err)
		}
	}
	if msg.Usage != nil {
		if usageJSON, err = json.Marshal(msg.Usage); err != nil {
			return fmt.Errorf("failed to marshal usage: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, confidence_tier, sources, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.ConfidenceTier,
		sourcesJSON, usageJSON, msg.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if msg.Role == "user" {
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND title = ''`,
			truncateString(msg.Content, sessionTitleMax), msg.CreatedAt.Unix(), msg.SessionID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET updated_at = ? WHERE id = ?`,
			msg.CreatedAt.Unix(), msg.SessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return tx.Commit()
}

// RecentMessages returns the last limit messages in chronological order.
func (s *SessionStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, confidence_tier, sources, usage, created_at
		FROM messages WHERE session_id = ?
		ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		var sourcesJSON, usageJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&msg.ConfidenceTier, &sourcesJSON, &usageJSON, &createdAt); err != nil {
			return nil, err
		}
		if sourcesJSON.Valid && sourcesJSON.String != "" {
			if err := json.Unmarshal([]byte(sourcesJSON.String), &msg.Sources); err != nil {
				return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
			}
		}
		if usageJSON.Valid && usageJSON.String != "" {
			msg.Usage = &domain.Usage{}
			if err := json.Unmarshal([]byte(usageJSON.String), msg.Usage); err != nil {
				return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
			}
		}
		msg.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// query walked backwards, flip to chronological
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// RecordEscalation persists the outcome of a webhook dispatch, success
// or failure.
func (s *SessionStore) RecordEscalation(ctx context.Context, ev *domain.EscalationEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, session_id, query, reason, webhook_status, webhook_response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Query, ev.Reason, ev.WebhookStatus, ev.WebhookResponse, ev.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record escalation: %w", err)
	}
	return nil
}

// EscalationsBySession returns a session's escalation events, oldest first.
func (s *SessionStore) EscalationsBySession(ctx context.Context, sessionID string) ([]domain.EscalationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, query, reason, webhook_status, webhook_response, created_at
		FROM escalations WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []domain.EscalationEvent
	for rows.Next() {
		var ev domain.EscalationEvent
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Query, &ev.Reason,
			&ev.WebhookStatus, &ev.WebhookResponse, &createdAt); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, ev)
	}
	return events, rows.Err()
}
