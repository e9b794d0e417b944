// ABOUTME: Engine operations: create, message, close, transfer, handoff and presence changes.
// ABOUTME: Each mutation that can free or add capacity triggers dispatch after the registry call returns.

package desk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/bot"
	"github.com/2389/civic-desk/internal/conversation"
	"github.com/2389/civic-desk/internal/dispatch"
	"github.com/2389/civic-desk/internal/presence"
	"github.com/2389/civic-desk/internal/queue"
	"github.com/2389/civic-desk/internal/store"
)

// CreateRequest starts a conversation.
type CreateRequest struct {
	CitizenName  string `json:"citizen_name"`
	CitizenTaxID string `json:"citizen_tax_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	ServiceID    string `json:"service_id,omitempty"`
	// AgentID asks for a specific agent; honored only if that agent is eligible.
	AgentID string `json:"agent_id,omitempty"`
	// Bot routes the citizen through the scripted assistant first.
	Bot bool `json:"bot,omitempty"`
}

// CreateResult is returned once per conversation; SessionToken is never shown again.
type CreateResult struct {
	Conversation *store.Conversation `json:"conversation"`
	SessionToken string              `json:"session_token"`
	Queue        *queue.Entry        `json:"queue,omitempty"`
	Greeting     *store.Message      `json:"greeting,omitempty"`
}

// CreateConversation validates the department/service, records the
// conversation, and dispatches it when it starts out waiting. Staff callers
// with no explicit agent start a conversation with themselves.
func (e *Engine) CreateConversation(ctx context.Context, actor *auth.Identity, req CreateRequest) (*CreateResult, error) {
	name := strings.TrimSpace(req.CitizenName)
	if name == "" {
		return nil, fmt.Errorf("%w: citizen name is required", ErrInvalidRequest)
	}
	if err := e.directory.Validate(ctx, req.DepartmentID, req.ServiceID); err != nil {
		return nil, err
	}
	if req.Bot && e.bot == nil {
		return nil, ErrBotDisabled
	}
	if req.AgentID == "" && actor != nil && actor.Role == auth.RoleAgent && !req.Bot {
		req.AgentID = actor.Subject
	}

	created, err := e.registry.Create(ctx, conversation.CreateRequest{
		Citizen:      store.Citizen{Name: name, TaxID: req.CitizenTaxID},
		DepartmentID: req.DepartmentID,
		ServiceID:    req.ServiceID,
		DirectAgent:  req.AgentID,
		Bot:          req.Bot,
	})
	if err != nil {
		return nil, err
	}

	out := &CreateResult{Conversation: created.Conversation, SessionToken: created.SessionToken}
	c := created.Conversation

	switch {
	case c.IsBot:
		res, err := e.registry.Append(ctx, botIdentity(), c.ID, conversation.AppendRequest{Content: e.bot.Greeting})
		if err != nil {
			e.logger.Error("bot greeting failed", "conversation_id", c.ID, "error", err)
		} else {
			out.Greeting = res.Message
			out.Conversation = res.Conversation
		}
	case c.State == store.StateWaiting:
		for _, a := range e.dispatchKey(ctx, conversation.KeyOf(c)) {
			if a.ConversationID == c.ID {
				out.Conversation = a.Conversation
			}
		}
		if entry, ok := e.queue.Entry(c.ID); ok {
			out.Queue = &entry
		}
	}
	return out, nil
}

func botIdentity() *auth.Identity {
	return &auth.Identity{Subject: bot.AgentID, Name: bot.DisplayName, Role: auth.RoleAgent}
}

// MessageResult is the outcome of AppendMessage.
type MessageResult struct {
	Message   *store.Message `json:"message"`
	Duplicate bool           `json:"duplicate,omitempty"`
	// BotReply is the assistant's answer in a bot session.
	BotReply *store.Message `json:"bot_reply,omitempty"`
	// HandedOff is set when the message moved the session to the human queue.
	HandedOff bool `json:"handed_off,omitempty"`
}

// AppendMessage adds a message. In bot sessions the assistant answers each
// citizen message, and a handoff keyword moves the conversation to the
// human queue.
func (e *Engine) AppendMessage(ctx context.Context, actor *auth.Identity, conversationID string, req conversation.AppendRequest) (*MessageResult, error) {
	res, err := e.registry.Append(ctx, actor, conversationID, req)
	if err != nil {
		return nil, err
	}
	out := &MessageResult{Message: res.Message, Duplicate: res.Duplicate}

	c := res.Conversation
	if res.Duplicate || !c.IsBot || e.bot == nil || res.Message.SenderRole != store.SenderUser || res.Message.Type != store.MessageText {
		return out, nil
	}

	reply := e.bot.Respond(res.Message.Content)
	botRes, err := e.registry.Append(ctx, botIdentity(), conversationID, conversation.AppendRequest{Content: reply.Text})
	if err != nil {
		e.logger.Error("bot reply failed", "conversation_id", conversationID, "error", err)
		return out, nil
	}
	out.BotReply = botRes.Message

	if reply.Handoff {
		if _, _, err := e.dispatcher.Handoff(ctx, auth.System(), conversationID, c.DepartmentID, c.ServiceID); err != nil {
			e.logger.Error("bot handoff failed", "conversation_id", conversationID, "error", err)
			return out, nil
		}
		out.HandedOff = true
	}
	return out, nil
}

// UpdateMessageStatus advances a message's delivery status.
func (e *Engine) UpdateMessageStatus(ctx context.Context, actor *auth.Identity, conversationID, messageID string, status store.MessageStatus) (*store.Message, error) {
	return e.registry.UpdateStatus(ctx, actor, conversationID, messageID, status)
}

// CloseConversation ends a conversation; a freed agent picks up waiting work.
func (e *Engine) CloseConversation(ctx context.Context, actor *auth.Identity, conversationID string) (*store.Conversation, error) {
	out, err := e.registry.Close(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	e.dispatcher.Closed(ctx, out.FreedAgent)
	return out.Conversation, nil
}

// TransferToAgent hands an active conversation to an eligible agent.
func (e *Engine) TransferToAgent(ctx context.Context, actor *auth.Identity, conversationID, agentID string) (*store.Conversation, error) {
	out, _, err := e.dispatcher.TransferToAgent(ctx, actor, conversationID, agentID)
	if err != nil {
		return nil, err
	}
	return out.Conversation, nil
}

// TransferToDepartment sends an active conversation to the tail of another
// department/service queue and dispatches that queue.
func (e *Engine) TransferToDepartment(ctx context.Context, actor *auth.Identity, conversationID, departmentID, serviceID string) (*store.Conversation, error) {
	if err := e.directory.Validate(ctx, departmentID, serviceID); err != nil {
		return nil, err
	}
	out, as, err := e.dispatcher.TransferToDepartment(ctx, actor, conversationID, departmentID, serviceID)
	if err != nil {
		return nil, err
	}
	return latest(out.Conversation, as), nil
}

// RequestHuman moves a bot session to the human queue of its department/service.
func (e *Engine) RequestHuman(ctx context.Context, actor *auth.Identity, conversationID string) (*store.Conversation, error) {
	c, err := e.registry.Get(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	out, as, err := e.dispatcher.Handoff(ctx, actor, conversationID, c.DepartmentID, c.ServiceID)
	if err != nil {
		return nil, err
	}
	return latest(out.Conversation, as), nil
}

// latest prefers the assignment's copy when dispatch already picked c up.
func latest(c *store.Conversation, as []*dispatch.Assignment) *store.Conversation {
	for _, a := range as {
		if a.ConversationID == c.ID {
			return a.Conversation
		}
	}
	return c
}

// RecordInactivityWarning counts one more inactivity warning on an open conversation.
func (e *Engine) RecordInactivityWarning(ctx context.Context, actor *auth.Identity, conversationID string) (*store.Conversation, error) {
	return e.registry.RecordInactivityWarning(ctx, actor, conversationID)
}

// QueuePositionOf reports where a waiting conversation stands.
func (e *Engine) QueuePositionOf(ctx context.Context, actor *auth.Identity, conversationID string) (queue.Entry, error) {
	if _, err := e.registry.Get(ctx, actor, conversationID); err != nil {
		return queue.Entry{}, err
	}
	entry, ok := e.queue.Entry(conversationID)
	if !ok {
		return queue.Entry{}, ErrNotQueued
	}
	return entry, nil
}

func canManageAgent(actor *auth.Identity, agentID string) bool {
	if actor.IsPrivileged() {
		return true
	}
	return actor != nil && actor.Role == auth.RoleAgent && actor.Subject == agentID
}

// RegisterAgent adds or updates an agent profile and dispatches if the agent can take work.
func (e *Engine) RegisterAgent(ctx context.Context, actor *auth.Identity, p store.AgentPresence) (presence.Snapshot, error) {
	if !actor.IsPrivileged() {
		return presence.Snapshot{}, ErrForbidden
	}
	if strings.TrimSpace(p.AgentID) == "" || p.AgentID == bot.AgentID {
		return presence.Snapshot{}, fmt.Errorf("%w: invalid agent id %q", ErrInvalidRequest, p.AgentID)
	}
	if err := e.directory.Validate(ctx, p.DepartmentID, ""); err != nil {
		return presence.Snapshot{}, err
	}
	snap, err := e.registerAndSave(ctx, p)
	if err != nil {
		return presence.Snapshot{}, err
	}
	if snap.Eligible {
		e.trigger(ctx, p.AgentID, "registered")
		snap, _ = e.presence.Get(p.AgentID)
	}
	return snap, nil
}

// SetAgentStatus changes an agent's availability. Coming online triggers dispatch.
func (e *Engine) SetAgentStatus(ctx context.Context, actor *auth.Identity, agentID string, status store.PresenceStatus) (presence.Snapshot, error) {
	if !canManageAgent(actor, agentID) {
		return presence.Snapshot{}, ErrForbidden
	}
	snap, prev, err := e.presence.SetStatus(agentID, status)
	if err != nil {
		return presence.Snapshot{}, err
	}
	if err := e.store.SavePresence(ctx, &snap.AgentPresence); err != nil {
		e.logger.Error("saving presence failed", "agent_id", agentID, "error", err)
	}
	e.logger.Info("agent status changed", "agent_id", agentID, "from", prev, "to", status)

	if status == store.PresenceOnline && prev != store.PresenceOnline {
		e.trigger(ctx, agentID, "online")
		snap, _ = e.presence.Get(agentID)
	}
	return snap, nil
}

// SetAgentCapacity changes how many conversations an agent handles at once.
// An increase triggers dispatch; a decrease never ends active conversations.
func (e *Engine) SetAgentCapacity(ctx context.Context, actor *auth.Identity, agentID string, maxChats int) (presence.Snapshot, error) {
	if !canManageAgent(actor, agentID) {
		return presence.Snapshot{}, ErrForbidden
	}
	if maxChats < 0 {
		return presence.Snapshot{}, fmt.Errorf("%w: negative capacity", ErrInvalidRequest)
	}
	before, ok := e.presence.Get(agentID)
	if !ok {
		return presence.Snapshot{}, presence.ErrUnknownAgent
	}
	snap, err := e.presence.SetCapacity(agentID, maxChats)
	if err != nil {
		return presence.Snapshot{}, err
	}
	if err := e.store.SavePresence(ctx, &snap.AgentPresence); err != nil {
		e.logger.Error("saving presence failed", "agent_id", agentID, "error", err)
	}

	if maxChats > before.MaxConcurrentChats {
		e.trigger(ctx, agentID, "capacity")
		snap, _ = e.presence.Get(agentID)
	}
	return snap, nil
}

// IsNotFound reports whether err means the conversation, message or agent does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, conversation.ErrNotFound) || errors.Is(err, presence.ErrUnknownAgent) || errors.Is(err, store.ErrNotFound)
}
