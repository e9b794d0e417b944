// ABOUTME: Message log: append-only, per-conversation sequence under the conversation lock.
// ABOUTME: Handles sender roles, closed-conversation rules, idempotent appends and status receipts.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/notify"
	"github.com/2389/civic-desk/internal/store"
)

// DefaultMessageLimit caps Messages when the caller passes no limit.
const DefaultMessageLimit = 200

// AppendRequest is the caller-supplied part of a new message.
type AppendRequest struct {
	Type            store.MessageType
	Content         string
	FileURL         string
	FileName        string
	ClientMessageID string
}

// Appended is the outcome of Append.
type Appended struct {
	Message      *store.Message
	Conversation *store.Conversation
	// Duplicate is set when ClientMessageID matched an earlier append.
	Duplicate bool
}

type sender struct {
	id   string
	name string
	role store.SenderRole
}

// senderFor maps the caller onto a message sender for c, or fails with ErrNotParticipant.
func (r *Registry) senderFor(c *store.Conversation, actor *auth.Identity) (sender, error) {
	switch {
	case actor == nil:
	case actor.IsPrivileged():
		return sender{id: actor.Subject, name: actor.Name, role: store.SenderSystem}, nil
	case actor.Role == auth.RoleAgent && actor.Subject != "" && actor.Subject == c.AgentID:
		return sender{id: actor.Subject, name: actor.Name, role: store.SenderAgent}, nil
	case actor.Role == auth.RoleCitizen && r.sessions.Check(c.Citizen.SessionHash, actor.SessionToken):
		return sender{id: "citizen:" + c.ID, name: c.Citizen.Name, role: store.SenderUser}, nil
	}
	return sender{}, ErrNotParticipant
}

func validateAppend(req AppendRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, req.Type)
	}
	switch req.Type {
	case store.MessageFile:
		if strings.TrimSpace(req.FileURL) == "" {
			return fmt.Errorf("%w: file message without url", ErrInvalidMessage)
		}
	default:
		if strings.TrimSpace(req.Content) == "" {
			return fmt.Errorf("%w: empty content", ErrInvalidMessage)
		}
	}
	return nil
}

// Append adds a message to the conversation's log. The sequence number is
// assigned under the conversation lock, so append order is the total order.
// Closed conversations only accept system annotations from admin or system callers.
func (r *Registry) Append(ctx context.Context, actor *auth.Identity, id string, req AppendRequest) (*Appended, error) {
	if req.Type == "" {
		req.Type = store.MessageText
	}
	if err := validateAppend(req); err != nil {
		return nil, err
	}

	e, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	cur := e.conv
	from, err := r.senderFor(cur, actor)
	if err != nil {
		return nil, err
	}
	if cur.State == store.StateClosed && (from.role != store.SenderSystem || req.Type != store.MessageSystem) {
		return nil, ErrConversationClosed
	}
	if req.Type == store.MessageSystem && from.role != store.SenderSystem {
		return nil, fmt.Errorf("%w: system messages are reserved", ErrInvalidMessage)
	}

	idemKey := ""
	if req.ClientMessageID != "" {
		idemKey = id + "/" + req.ClientMessageID
		if msgID, ok := r.idem.Get(idemKey); ok {
			m, err := r.store.GetMessage(ctx, id, msgID)
			if err == nil {
				return &Appended{Message: m, Conversation: cur.Clone(), Duplicate: true}, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("loading duplicate message: %w", err)
			}
		}
	}

	ts := r.timestamp()
	if ts.Before(cur.LastMessageAt) {
		ts = cur.LastMessageAt
	}

	m := &store.Message{
		ID:              uuid.New().String(),
		ConversationID:  id,
		Seq:             cur.NextSeq,
		SenderID:        from.id,
		SenderName:      from.name,
		SenderRole:      from.role,
		Type:            req.Type,
		Content:         req.Content,
		FileURL:         req.FileURL,
		FileName:        req.FileName,
		Status:          store.StatusSent,
		Timestamp:       ts,
		ClientMessageID: req.ClientMessageID,
	}

	next := cur.Clone()
	next.NextSeq = cur.NextSeq + 1
	next.LastMessageAt = ts
	if from.role == store.SenderUser || (from.role == store.SenderAgent && !cur.IsBot) {
		next.InactivityWarnings = 0
	}
	next.Version = cur.Version + 1

	if err := r.store.AppendMessage(ctx, next, cur.Version, m); err != nil {
		return nil, fmt.Errorf("appending message to %s: %w", id, err)
	}
	e.conv = next
	if idemKey != "" {
		r.idem.Store(idemKey, m.ID)
	}

	r.logger.Debug("message appended", "conversation_id", id, "seq", m.Seq, "role", m.SenderRole, "type", m.Type)

	r.publisher.Publish(notify.NewMessageEvent(notify.MessageAppended, m))
	r.publishConversation(notify.ConversationUpdated, next)
	return &Appended{Message: m.Clone(), Conversation: next.Clone()}, nil
}

// UpdateStatus advances a message's delivery status. Status only moves
// forward; a repeat or regression fails with ErrInvalidStatusTransition.
func (r *Registry) UpdateStatus(ctx context.Context, actor *auth.Identity, id, messageID string, status store.MessageStatus) (*store.Message, error) {
	if !knownStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %d", ErrInvalidStatusTransition, status)
	}

	e, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if _, err := r.senderFor(e.conv, actor); err != nil {
		return nil, err
	}
	if e.conv.State == store.StateClosed {
		return nil, ErrConversationClosed
	}

	m, err := r.store.GetMessage(ctx, id, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}
	if status <= m.Status {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, m.Status, status)
	}

	if err := r.store.UpdateMessageStatus(ctx, id, messageID, status); err != nil {
		return nil, fmt.Errorf("updating message status: %w", err)
	}
	m.Status = status

	r.publisher.Publish(notify.NewMessageEvent(notify.MessageStatusChanged, m))
	return m.Clone(), nil
}

func knownStatus(s store.MessageStatus) bool {
	return s >= store.StatusSent && s <= store.StatusRead
}

// Messages returns the conversation's messages with Seq greater than afterSeq, in order.
func (r *Registry) Messages(ctx context.Context, actor *auth.Identity, id string, afterSeq int64, limit int) ([]*store.Message, error) {
	c, err := r.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	msgs, err := r.store.ListMessages(ctx, c.ID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}
