// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation  // keyed by conversation ID
	messages      map[string][]*Message     // keyed by conversation ID, in seq order
	presence      map[string]*AgentPresence // keyed by agent ID
	order         []string                  // conversation IDs in creation order

	failNext error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		presence:      make(map[string]*AgentPresence),
	}
}

// FailNext makes the next mutating call return err.
func (m *MockStore) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MockStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.conversations[c.ID]; ok {
		return ErrDuplicateConversation
	}
	m.conversations[c.ID] = c.Clone()
	m.order = append(m.order, c.ID)
	return nil
}

// UpdateConversation replaces a conversation if its version matches.
func (m *MockStore) UpdateConversation(ctx context.Context, c *Conversation, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	return m.updateLocked(c, expectedVersion)
}

func (m *MockStore) updateLocked(c *Conversation, expectedVersion int64) error {
	existing, ok := m.conversations[c.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.conversations[c.ID] = c.Clone()
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// ListConversations returns matching conversations in creation order.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, id := range m.order {
		c := m.conversations[id]
		if !filter.Matches(c) {
			continue
		}
		out = append(out, c.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// AppendMessage stores a message and the updated conversation together.
func (m *MockStore) AppendMessage(ctx context.Context, c *Conversation, expectedVersion int64, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	if err := m.updateLocked(c, expectedVersion); err != nil {
		return err
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg.Clone())
	return nil
}

// GetMessage retrieves a single message.
func (m *MockStore) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[conversationID] {
		if msg.ID == messageID {
			return msg.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateMessageStatus sets a message's status.
func (m *MockStore) UpdateMessageStatus(ctx context.Context, conversationID, messageID string, status MessageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	for _, msg := range m.messages[conversationID] {
		if msg.ID == messageID {
			msg.Status = status
			return nil
		}
	}
	return ErrNotFound
}

// ListMessages returns messages after afterSeq in log order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages[conversationID] {
		if msg.Seq <= afterSeq {
			continue
		}
		out = append(out, msg.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SavePresence upserts a presence record.
func (m *MockStore) SavePresence(ctx context.Context, p *AgentPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	m.presence[p.AgentID] = p.Clone()
	return nil
}

// ListPresence returns every presence record ordered by agent ID.
func (m *MockStore) ListPresence(ctx context.Context) ([]*AgentPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentPresence, 0, len(m.presence))
	for _, p := range m.presence {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
