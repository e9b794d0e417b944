// ABOUTME: Notifier event types and topic naming for conversation and message deltas.
// ABOUTME: Events are immutable snapshots taken at publish time.

package notify

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/civic-desk/internal/store"
)

// EventType names what changed.
type EventType string

const (
	ConversationCreated  EventType = "conversation.created"
	ConversationUpdated  EventType = "conversation.updated"
	MessageAppended      EventType = "message.appended"
	MessageStatusChanged EventType = "message.status_changed"
)

// TopicAllConversations carries state-only events for every conversation.
const TopicAllConversations = "conversations:*"

const conversationTopicPrefix = "conversation:"

// ConversationTopic returns the topic carrying every event of one conversation.
func ConversationTopic(conversationID string) string {
	return conversationTopicPrefix + conversationID
}

// ParseTopic validates a topic name. For a conversation topic it returns the
// conversation ID; for the aggregate topic it returns an empty ID.
func ParseTopic(topic string) (conversationID string, ok bool) {
	if topic == TopicAllConversations {
		return "", true
	}
	id, found := strings.CutPrefix(topic, conversationTopicPrefix)
	if !found || id == "" || id == "*" {
		return "", false
	}
	return id, true
}

// Event is one published change.
type Event struct {
	ID             string              `json:"id"`
	Type           EventType           `json:"type"`
	ConversationID string              `json:"conversation_id"`
	Conversation   *store.Conversation `json:"conversation,omitempty"`
	Message        *store.Message      `json:"message,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
	Origin         string              `json:"origin,omitempty"` // node that produced the event
}

// NewConversationEvent snapshots c into an event.
func NewConversationEvent(typ EventType, c *store.Conversation) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           typ,
		ConversationID: c.ID,
		Conversation:   c.Clone(),
		Timestamp:      time.Now().UTC(),
	}
}

// NewMessageEvent snapshots m into an event.
func NewMessageEvent(typ EventType, m *store.Message) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           typ,
		ConversationID: m.ConversationID,
		Message:        m.Clone(),
		Timestamp:      time.Now().UTC(),
	}
}

// Topics returns the topics an event is delivered on.
func (e *Event) Topics() []string {
	switch e.Type {
	case ConversationCreated, ConversationUpdated:
		return []string{ConversationTopic(e.ConversationID), TopicAllConversations}
	default:
		return []string{ConversationTopic(e.ConversationID)}
	}
}

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(event *Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(event *Event)

// Publish calls f(event).
func (f PublisherFunc) Publish(event *Event) { f(event) }
