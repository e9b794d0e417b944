// ABOUTME: Dispatcher: matches the head of each waiting list with the least-loaded eligible agent.
// ABOUTME: Dispatch for one key is serialized; different keys dispatch concurrently.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/conversation"
	"github.com/2389/civic-desk/internal/presence"
	"github.com/2389/civic-desk/internal/queue"
	"github.com/2389/civic-desk/internal/store"
)

var (
	// ErrNoAgentAvailable means the key has waiting conversations but no eligible agent.
	ErrNoAgentAvailable = errors.New("no agent available")

	// ErrQueueEmpty means nothing is waiting under the key.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrAgentUnavailable is returned when a transfer target is not eligible.
	ErrAgentUnavailable = conversation.ErrAgentUnavailable
)

// Assignment records one conversation handed to one agent.
type Assignment struct {
	ConversationID string
	AgentID        string
	Key            queue.Key
	Conversation   *store.Conversation
}

// Dispatcher assigns waiting conversations to agents.
type Dispatcher struct {
	registry *conversation.Registry
	queue    *queue.Manager
	presence *presence.Tracker
	logger   *slog.Logger

	mu   sync.Mutex
	keys map[queue.Key]*sync.Mutex
}

// New creates a Dispatcher.
func New(registry *conversation.Registry, q *queue.Manager, p *presence.Tracker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		queue:    q,
		presence: p,
		logger:   logger.With("component", "dispatch"),
		keys:     make(map[queue.Key]*sync.Mutex),
	}
}

func (d *Dispatcher) keyLock(key queue.Key) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.keys[key]
	if !ok {
		l = &sync.Mutex{}
		d.keys[key] = l
	}
	return l
}

// TryDispatch assigns the head of key's list to the eligible agent with the
// fewest active conversations (ties broken by agent ID). It returns
// ErrQueueEmpty or ErrNoAgentAvailable when nothing can be assigned.
func (d *Dispatcher) TryDispatch(ctx context.Context, key queue.Key) (*Assignment, error) {
	l := d.keyLock(key)
	l.Lock()
	defer l.Unlock()

	// The head can vanish under us when the citizen closes it. Every
	// transition out of waiting dequeues under the conversation lock, and
	// Assign drops a head that is no longer waiting, so each retry sees a
	// new head and the loop terminates.
	for attempts := d.queue.Depth(key) + 1; attempts > 0; attempts-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, ok := d.queue.Head(key)
		if !ok {
			return nil, ErrQueueEmpty
		}

		a, err := d.assignHead(ctx, id, key)
		if errors.Is(err, conversation.ErrInvalidTransition) || errors.Is(err, conversation.ErrNotFound) {
			d.logger.Debug("queue head changed during dispatch", "conversation_id", id, "key", key)
			continue
		}
		return a, err
	}
	return nil, ErrNoAgentAvailable
}

func (d *Dispatcher) assignHead(ctx context.Context, id string, key queue.Key) (*Assignment, error) {
	for _, cand := range d.presence.Candidates(key.DepartmentID, key.ServiceID) {
		c, err := d.registry.Assign(ctx, id, cand.AgentID, key)
		switch {
		case err == nil:
			return &Assignment{ConversationID: id, AgentID: cand.AgentID, Key: key, Conversation: c}, nil
		case errors.Is(err, conversation.ErrAgentUnavailable):
			// Candidate filled up or went away since listing.
			continue
		default:
			return nil, err
		}
	}
	d.logger.Debug("no agent available", "key", key, "conversation_id", id)
	return nil, ErrNoAgentAvailable
}

// DispatchAll assigns from key's list until it is empty or no agent is left.
func (d *Dispatcher) DispatchAll(ctx context.Context, key queue.Key) ([]*Assignment, error) {
	var out []*Assignment
	for {
		a, err := d.TryDispatch(ctx, key)
		switch {
		case err == nil:
			out = append(out, a)
		case errors.Is(err, ErrNoAgentAvailable), errors.Is(err, ErrQueueEmpty):
			return out, nil
		default:
			return out, fmt.Errorf("dispatching %s: %w", key, err)
		}
	}
}

// TriggerForAgent dispatches every waiting key the agent serves. It is run
// when the agent comes online, gains capacity, or frees a slot.
func (d *Dispatcher) TriggerForAgent(ctx context.Context, agentID string) ([]*Assignment, error) {
	snap, ok := d.presence.Get(agentID)
	if !ok {
		return nil, presence.ErrUnknownAgent
	}

	if !snap.Eligible {
		return nil, nil
	}

	var out []*Assignment
	for _, key := range d.queue.Keys() {
		if !presence.Serves(snap.AgentPresence, key.DepartmentID, key.ServiceID) {
			continue
		}
		as, err := d.DispatchAll(ctx, key)
		out = append(out, as...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// DispatchEverything dispatches every non-empty key.
func (d *Dispatcher) DispatchEverything(ctx context.Context) ([]*Assignment, error) {
	var out []*Assignment
	for _, key := range d.queue.Keys() {
		as, err := d.DispatchAll(ctx, key)
		out = append(out, as...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Sweep corrects drifted presence counts and dispatches every key.
func (d *Dispatcher) Sweep(ctx context.Context) ([]*Assignment, error) {
	if drifted := d.registry.ReconcilePresence(); drifted > 0 {
		d.logger.Warn("presence counts reconciled", "agents", drifted)
	}
	return d.DispatchEverything(ctx)
}

// TransferToAgent hands an active conversation to another eligible agent and
// lets the freed agent pick up waiting work.
func (d *Dispatcher) TransferToAgent(ctx context.Context, actor *auth.Identity, conversationID, target string) (*conversation.Reassigned, []*Assignment, error) {
	out, err := d.registry.TransferToAgent(ctx, actor, conversationID, target)
	if err != nil {
		return nil, nil, err
	}
	as := d.afterRelease(ctx, out.FreedAgent)
	return out, as, nil
}

// TransferToDepartment requeues an active conversation under a new
// department/service, dispatches that key at once, and lets the freed agent
// pick up waiting work.
func (d *Dispatcher) TransferToDepartment(ctx context.Context, actor *auth.Identity, conversationID, departmentID, serviceID string) (*conversation.Reassigned, []*Assignment, error) {
	return d.requeue(ctx, actor, conversationID, conversation.TransitionTransferDepartment, departmentID, serviceID)
}

// Handoff moves a bot session into the human queue for its department/service.
func (d *Dispatcher) Handoff(ctx context.Context, actor *auth.Identity, conversationID, departmentID, serviceID string) (*conversation.Reassigned, []*Assignment, error) {
	return d.requeue(ctx, actor, conversationID, conversation.TransitionHandoff, departmentID, serviceID)
}

func (d *Dispatcher) requeue(ctx context.Context, actor *auth.Identity, id string, t conversation.Transition, departmentID, serviceID string) (*conversation.Reassigned, []*Assignment, error) {
	out, err := d.registry.Requeue(ctx, actor, id, t, departmentID, serviceID)
	if err != nil {
		return nil, nil, err
	}

	as, err := d.DispatchAll(ctx, conversation.KeyOf(out.Conversation))
	if err != nil {
		d.logger.Error("dispatch after requeue failed", "conversation_id", id, "error", err)
	}
	as = append(as, d.afterRelease(ctx, out.FreedAgent)...)
	return out, as, nil
}

// Closed runs the dispatch triggered by a closure that freed agentID.
func (d *Dispatcher) Closed(ctx context.Context, agentID string) []*Assignment {
	return d.afterRelease(ctx, agentID)
}

func (d *Dispatcher) afterRelease(ctx context.Context, agentID string) []*Assignment {
	if agentID == "" {
		return nil
	}
	as, err := d.TriggerForAgent(ctx, agentID)
	if err != nil && !errors.Is(err, presence.ErrUnknownAgent) {
		d.logger.Error("dispatch after release failed", "agent_id", agentID, "error", err)
	}
	return as
}
