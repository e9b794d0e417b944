// ABOUTME: Store interface and data types for civic-desk persistence
// ABOUTME: Defines Conversation, Message, AgentPresence and the enums they carry

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a conversation update was based on a stale version
var ErrVersionConflict = errors.New("version conflict")

// ErrDuplicateConversation is returned when creating a conversation whose ID already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// State is the lifecycle state of a conversation.
type State uint8

const (
	StateWaiting State = iota + 1
	StateActive
	StateClosed
)

var stateNames = map[State]string{
	StateWaiting: "waiting",
	StateActive:  "active",
	StateClosed:  "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// ParseState converts a state name into a State.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown conversation state %q", name)
}

// MarshalText fails for values outside the defined states, so a bad record
// is rejected where it is encoded rather than where it is decoded.
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown conversation state %d", uint8(s))
	}
	return []byte(name), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SenderRole identifies who wrote a message.
type SenderRole string

const (
	SenderUser   SenderRole = "user"
	SenderAgent  SenderRole = "agent"
	SenderSystem SenderRole = "system"
)

// MessageType constants for message types
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageFile, MessageSystem:
		return true
	}
	return false
}

// MessageStatus is the delivery status of a message. Values are ordered:
// a status may only move to a strictly greater value.
type MessageStatus uint8

const (
	StatusSent MessageStatus = iota + 1
	StatusDelivered
	StatusRead
)

var statusNames = map[MessageStatus]string{
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

func (s MessageStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MessageStatus(%d)", uint8(s))
}

// ParseMessageStatus converts a status name into a MessageStatus.
func ParseMessageStatus(name string) (MessageStatus, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown message status %q", name)
}

func (s MessageStatus) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown message status %d", uint8(s))
	}
	return []byte(name), nil
}

func (s *MessageStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseMessageStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PresenceStatus is an agent's availability as set by the agent.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceBreak   PresenceStatus = "break"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether p is a known presence status.
func (p PresenceStatus) Valid() bool {
	switch p {
	case PresenceOnline, PresenceBreak, PresenceOffline:
		return true
	}
	return false
}

// Citizen identifies the person who opened a conversation.
type Citizen struct {
	Name        string `json:"name"`
	TaxID       string `json:"tax_id,omitempty"`
	SessionHash string `json:"-"` // bcrypt hash of the anonymous session token
}

// Conversation is the canonical record of one support conversation.
type Conversation struct {
	ID                 string     `json:"id"`
	Citizen            Citizen    `json:"citizen"`
	DepartmentID       string     `json:"department_id,omitempty"`
	ServiceID          string     `json:"service_id,omitempty"`
	AgentID            string     `json:"agent_id,omitempty"`
	State              State      `json:"state"`
	IsBot              bool       `json:"is_bot"`
	StartedAt          time.Time  `json:"started_at"`
	LastMessageAt      time.Time  `json:"last_message_at"`
	WaitingSince       time.Time  `json:"waiting_since,omitzero"`
	AssignedAt         *time.Time `json:"assigned_at,omitempty"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	ClosedBy           string     `json:"closed_by,omitempty"`
	InactivityWarnings int        `json:"inactivity_warnings"`
	NextSeq            int64      `json:"-"`
	Version            int64      `json:"version"`
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.AssignedAt != nil {
		t := *c.AssignedAt
		out.AssignedAt = &t
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

// Message is a single entry in a conversation's log.
type Message struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversation_id"`
	Seq             int64         `json:"seq"`
	SenderID        string        `json:"sender_id"`
	SenderName      string        `json:"sender_name"`
	SenderRole      SenderRole    `json:"sender_role"`
	Type            MessageType   `json:"type"`
	Content         string        `json:"content"`
	FileURL         string        `json:"file_url,omitempty"`
	FileName        string        `json:"file_name,omitempty"`
	Status          MessageStatus `json:"status"`
	Timestamp       time.Time     `json:"timestamp"`
	ClientMessageID string        `json:"client_message_id,omitempty"`
}

// Clone returns a copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	return &out
}

// AgentPresence is an agent's profile and last known status.
type AgentPresence struct {
	AgentID            string         `json:"agent_id"`
	Name               string         `json:"name"`
	DepartmentID       string         `json:"department_id,omitempty"`
	ServiceIDs         []string       `json:"service_ids,omitempty"` // empty means every service of the department
	Elevated           bool           `json:"elevated"`              // serves every department
	Status             PresenceStatus `json:"status"`
	MaxConcurrentChats int            `json:"max_concurrent_chats"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the presence record.
func (p *AgentPresence) Clone() *AgentPresence {
	if p == nil {
		return nil
	}
	out := *p
	out.ServiceIDs = append([]string(nil), p.ServiceIDs...)
	return &out
}

// ConversationFilter narrows ListConversations. Zero values match everything.
type ConversationFilter struct {
	States       []State
	DepartmentID string
	AgentID      string
	Limit        int
}

// Matches reports whether c satisfies the filter (ignoring Limit).
func (f ConversationFilter) Matches(c *Conversation) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if c.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DepartmentID != "" && c.DepartmentID != f.DepartmentID {
		return false
	}
	if f.AgentID != "" && c.AgentID != f.AgentID {
		return false
	}
	return true
}

// Store defines the persistence operations the engine relies on.
//
// UpdateConversation and AppendMessage take the version the caller read; the
// conversation passed in carries the new version. Both fail with
// ErrVersionConflict when the stored version differs from expectedVersion.
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	UpdateConversation(ctx context.Context, c *Conversation, expectedVersion int64) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	AppendMessage(ctx context.Context, c *Conversation, expectedVersion int64, m *Message) error
	GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error)
	UpdateMessageStatus(ctx context.Context, conversationID, messageID string, status MessageStatus) error
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error)

	SavePresence(ctx context.Context, p *AgentPresence) error
	ListPresence(ctx context.Context) ([]*AgentPresence, error)

	Close() error
}
