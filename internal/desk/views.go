// ABOUTME: Read views over the engine (conversations, messages, agents, queues) and event subscriptions.
// ABOUTME: Staff see everything; citizens see only the conversation their session token opens.

package desk

import (
	"context"
	"time"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/directory"
	"github.com/2389/civic-desk/internal/notify"
	"github.com/2389/civic-desk/internal/presence"
	"github.com/2389/civic-desk/internal/queue"
	"github.com/2389/civic-desk/internal/store"
)

// Conversation returns one conversation.
func (e *Engine) Conversation(ctx context.Context, actor *auth.Identity, id string) (*store.Conversation, error) {
	return e.registry.Get(ctx, actor, id)
}

// Conversations lists conversations for staff.
func (e *Engine) Conversations(ctx context.Context, actor *auth.Identity, filter store.ConversationFilter) ([]*store.Conversation, error) {
	if !actor.IsStaff() && !actor.IsPrivileged() {
		return nil, ErrForbidden
	}
	return e.registry.List(ctx, filter)
}

// Messages returns a conversation's messages after the given sequence number.
func (e *Engine) Messages(ctx context.Context, actor *auth.Identity, id string, afterSeq int64, limit int) ([]*store.Message, error) {
	return e.registry.Messages(ctx, actor, id, afterSeq, limit)
}

// Agents lists every known agent with live counts.
func (e *Engine) Agents(ctx context.Context, actor *auth.Identity) ([]presence.Snapshot, error) {
	if !actor.IsStaff() && !actor.IsPrivileged() {
		return nil, ErrForbidden
	}
	return e.presence.List(), nil
}

// Departments lists the org hierarchy.
func (e *Engine) Departments(ctx context.Context) []directory.Department {
	return e.directory.Departments(ctx)
}

// QueueView summarizes one waiting list.
type QueueView struct {
	Key             queue.Key     `json:"key"`
	Depth           int           `json:"depth"`
	AverageHandling time.Duration `json:"average_handling"`
	Entries         []queue.Entry `json:"entries"`
}

// Queues returns every non-empty waiting list with estimates.
func (e *Engine) Queues(ctx context.Context, actor *auth.Identity) ([]QueueView, error) {
	if !actor.IsStaff() && !actor.IsPrivileged() {
		return nil, ErrForbidden
	}
	keys := e.queue.Keys()
	out := make([]QueueView, 0, len(keys))
	for _, k := range keys {
		entries := e.queue.Snapshot(k)
		if len(entries) == 0 {
			continue
		}
		avg := e.queue.EstimateWait(1, k)
		out = append(out, QueueView{
			Key:             k,
			Depth:           len(entries),
			AverageHandling: avg,
			Entries:         entries,
		})
	}
	return out, nil
}

// Subscription is a live event stream. Call Close when done.
type Subscription struct {
	Topic  string
	Events <-chan *notify.Event
	cancel context.CancelFunc
}

// Close ends the subscription; its channel is closed shortly after.
func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe opens an event stream on topic. The aggregate topic is for staff;
// a conversation topic needs read access to that conversation.
func (e *Engine) Subscribe(ctx context.Context, actor *auth.Identity, topic string) (*Subscription, error) {
	id, ok := notify.ParseTopic(topic)
	if !ok {
		return nil, ErrInvalidTopic
	}
	if id == "" {
		if !actor.IsStaff() && !actor.IsPrivileged() {
			return nil, ErrForbidden
		}
	} else if _, err := e.registry.Get(ctx, actor, id); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch, _ := e.events.Subscribe(subCtx, topic)
	return &Subscription{Topic: topic, Events: ch, cancel: cancel}, nil
}
