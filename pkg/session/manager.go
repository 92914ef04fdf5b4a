package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// Manager wraps the session store with the conversation policy: how
// much history a chat turn sees and how turns are persisted.
type Manager struct {
	store domain.SessionStore
}

// NewManager creates a session manager over a store.
func NewManager(store domain.SessionStore) *Manager {
	return &Manager{store: store}
}

// Begin resolves the session for a chat turn, creating one when the id
// is empty or unknown.
func (m *Manager) Begin(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	return m.store.GetOrCreate(ctx, sessionID)
}

// ContextWindow returns up to maxTurns exchanges of history, oldest
// first. A turn is a user message plus the assistant reply, so the
// window holds twice that many messages.
func (m *Manager) ContextWindow(ctx context.Context, sessionID string, maxTurns int) ([]domain.ChatMessage, error) {
	if maxTurns <= 0 {
		return nil, nil
	}
	return m.store.RecentMessages(ctx, sessionID, 2*maxTurns)
}

// RecordUser persists the incoming query and returns the stored message.
func (m *Manager) RecordUser(ctx context.Context, sessionID, query string) (*domain.ChatMessage, error) {
	msg := &domain.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      "user",
		Content:   query,
		CreatedAt: time.Now(),
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RecordAssistant persists a completed reply with its routing tier,
// citations, and token usage.
func (m *Manager) RecordAssistant(ctx context.Context, sessionID, messageID, content string,
	tier domain.ConfidenceTier, sources []domain.Source, usage *domain.Usage) error {
	msg := &domain.ChatMessage{
		ID:             messageID,
		SessionID:      sessionID,
		Role:           "assistant",
		Content:        content,
		ConfidenceTier: tier,
		Sources:        sources,
		Usage:          usage,
		CreatedAt:      time.Now(),
	}
	return m.store.AppendMessage(ctx, msg)
}
