// ABOUTME: Conversation registry: canonical in-memory records with per-conversation locks.
// ABOUTME: Applies lifecycle transitions, keeps queue and presence in step, writes through to the store.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/bot"
	"github.com/2389/civic-desk/internal/dedupe"
	"github.com/2389/civic-desk/internal/notify"
	"github.com/2389/civic-desk/internal/presence"
	"github.com/2389/civic-desk/internal/queue"
	"github.com/2389/civic-desk/internal/store"
)

// HandlingRecorder receives the handling time of every closed human conversation.
type HandlingRecorder interface {
	Record(key queue.Key, d time.Duration)
}

// Options wires a Registry to its collaborators.
type Options struct {
	Store     store.Store
	Queue     *queue.Manager
	Presence  *presence.Tracker
	Sessions  *auth.Sessions
	Publisher notify.Publisher
	Recorder  HandlingRecorder
	Logger    *slog.Logger
	Now       func() time.Time
}

type entry struct {
	mu   sync.Mutex
	conv *store.Conversation
	// dead marks an entry whose create failed after it became visible.
	dead bool
}

// Registry owns every conversation record. Operations on one conversation
// are serialized by that conversation's mutex; different conversations
// proceed independently. The registry never takes a dispatcher key lock.
type Registry struct {
	store     store.Store
	queue     *queue.Manager
	presence  *presence.Tracker
	sessions  *auth.Sessions
	publisher notify.Publisher
	recorder  HandlingRecorder
	idem      *dedupe.Cache[string]
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates a Registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = auth.NewSessions(0)
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = notify.PublisherFunc(func(*notify.Event) {})
	}
	return &Registry{
		store:     opts.Store,
		queue:     opts.Queue,
		presence:  opts.Presence,
		sessions:  sessions,
		publisher: publisher,
		recorder:  opts.Recorder,
		idem:      dedupe.New[string](10*time.Minute, 100_000, time.Minute),
		logger:    logger.With("component", "conversations"),
		now:       now,
		entries:   make(map[string]*entry),
	}
}

// Shutdown releases background resources.
func (r *Registry) Shutdown() {
	r.idem.Close()
}

func (r *Registry) timestamp() time.Time {
	return r.now().UTC()
}

// lookup returns the entry for id, loading it from the store if needed.
func (r *Registry) lookup(ctx context.Context, id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	c, err := r.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if c.State == store.StateClosed {
		// Closed records are not cached; concurrent writers meet at the store's version check.
		return &entry{conv: c}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[id]; ok {
		return existing, nil
	}
	e = &entry{conv: c}
	r.entries[id] = e
	return e, nil
}

// acquire returns the entry for id with its lock held. Entries left behind
// by a failed create read as not found.
func (r *Registry) acquire(ctx context.Context, id string) (*entry, error) {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	return e, nil
}

// loudly logs invariant violations before returning them.
func (r *Registry) loudly(err error, msg string, args ...any) error {
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, queue.ErrAlreadyQueued) || errors.Is(err, ErrInvalidStatusTransition) {
		r.logger.Error(msg, append(args, "error", err)...)
	}
	return err
}

// commit persists next over cur and swaps it into the entry. Caller holds e.mu.
func (r *Registry) commit(ctx context.Context, e *entry, next *store.Conversation) error {
	cur := e.conv
	next.Version = cur.Version + 1
	if err := r.store.UpdateConversation(ctx, next, cur.Version); err != nil {
		return fmt.Errorf("saving conversation %s: %w", cur.ID, err)
	}
	e.conv = next
	return nil
}

func (r *Registry) publishConversation(typ notify.EventType, c *store.Conversation) {
	r.publisher.Publish(notify.NewConversationEvent(typ, c))
}

// KeyOf returns the queue key a conversation belongs to.
func KeyOf(c *store.Conversation) queue.Key {
	return queue.KeyFor(c.DepartmentID, c.ServiceID)
}

// CreateRequest describes a new conversation.
type CreateRequest struct {
	Citizen      store.Citizen
	DepartmentID string
	ServiceID    string
	// DirectAgent, when set and eligible, makes the conversation active at once.
	DirectAgent string
	// Bot starts a scripted session instead of queueing.
	Bot bool
}

// Created is the outcome of Create.
type Created struct {
	Conversation *store.Conversation
	SessionToken string
}

// Create records a new conversation. It is active when served by the bot or
// by an eligible direct agent, and waiting (queued under its key) otherwise.
// Department and service must already be validated.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	token, hash, err := r.sessions.Issue()
	if err != nil {
		return nil, err
	}

	now := r.timestamp()
	c := &store.Conversation{
		ID:            uuid.New().String(),
		Citizen:       store.Citizen{Name: req.Citizen.Name, TaxID: req.Citizen.TaxID, SessionHash: hash},
		DepartmentID:  req.DepartmentID,
		ServiceID:     req.ServiceID,
		StartedAt:     now,
		LastMessageAt: now,
		NextSeq:       1,
		Version:       1,
	}

	// The entry is visible, locked, before any reservation is taken so that
	// ReconcilePresence never observes a reservation without its record.
	e := &entry{conv: c}
	e.mu.Lock()
	defer e.mu.Unlock()
	r.mu.Lock()
	r.entries[c.ID] = e
	r.mu.Unlock()

	reserved := ""
	switch {
	case req.Bot:
		c.State = store.StateActive
		c.AgentID = bot.AgentID
		c.IsBot = true
		c.AssignedAt = &now
	case req.DirectAgent != "" && r.presence.Reserve(req.DirectAgent) == nil:
		reserved = req.DirectAgent
		c.State = store.StateActive
		c.AgentID = req.DirectAgent
		c.AssignedAt = &now
	default:
		if req.DirectAgent != "" {
			r.logger.Debug("direct agent not eligible, queueing", "agent_id", req.DirectAgent)
		}
		c.State = store.StateWaiting
		c.WaitingSince = now
	}

	fail := func(err error) (*Created, error) {
		if reserved != "" {
			r.presence.Release(reserved)
		}
		e.dead = true
		r.mu.Lock()
		delete(r.entries, c.ID)
		r.mu.Unlock()
		return nil, err
	}

	if c.State == store.StateWaiting {
		if err := r.queue.Enqueue(c.ID, KeyOf(c), c.WaitingSince); err != nil {
			return fail(r.loudly(err, "enqueue on create", "conversation_id", c.ID))
		}
	}

	if err := r.store.CreateConversation(ctx, c); err != nil {
		if c.State == store.StateWaiting {
			r.queue.Dequeue(c.ID)
		}
		return fail(fmt.Errorf("creating conversation: %w", err))
	}

	r.logger.Info("conversation created",
		"conversation_id", c.ID,
		"state", c.State,
		"key", KeyOf(c),
		"agent_id", c.AgentID,
		"bot", c.IsBot)

	r.publishConversation(notify.ConversationCreated, c)
	return &Created{Conversation: c.Clone(), SessionToken: token}, nil
}

// Assign moves a waiting conversation to active under agentID. It re-checks,
// under the conversation lock, that the conversation is still waiting and
// still queued under key, and reserves the agent at that instant. Only the
// dispatcher calls Assign.
func (r *Registry) Assign(ctx context.Context, id, agentID string, key queue.Key) (*store.Conversation, error) {
	e, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	cur := e.conv
	to, err := Next(cur.State, TransitionAssign)
	if err != nil {
		if r.queue.Contains(id, key) {
			// Only waiting conversations may be queued; drop the stale
			// entry so the dispatcher sees the next head.
			r.queue.Dequeue(id)
			r.logger.Error("removed queue entry of non-waiting conversation",
				"conversation_id", id, "state", cur.State, "key", key)
		}
		return nil, err
	}
	if !r.queue.Contains(id, key) {
		return nil, fmt.Errorf("%w: %s no longer queued under %s", ErrInvalidTransition, id, key)
	}
	if err := r.presence.Reserve(agentID); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAgentUnavailable, agentID, err)
	}

	now := r.timestamp()
	next := cur.Clone()
	next.State = to
	next.AgentID = agentID
	next.AssignedAt = &now
	next.WaitingSince = time.Time{}

	if err := r.commit(ctx, e, next); err != nil {
		r.presence.Release(agentID)
		return nil, err
	}
	r.queue.Dequeue(id)

	r.logger.Info("conversation assigned", "conversation_id", id, "agent_id", agentID, "key", key,
		"waited", now.Sub(cur.WaitingSince).Round(time.Second))
	r.publishConversation(notify.ConversationUpdated, next)
	return next.Clone(), nil
}

// canClose applies close capabilities: the assigned agent or a privileged
// caller may close an active conversation; the citizen may close a waiting
// one or end a bot session.
func (r *Registry) canClose(c *store.Conversation, actor *auth.Identity) bool {
	if actor == nil {
		return false
	}
	if actor.IsPrivileged() {
		return true
	}
	switch actor.Role {
	case auth.RoleAgent:
		return c.State == store.StateActive && c.AgentID == actor.Subject
	case auth.RoleCitizen:
		if !r.sessions.Check(c.Citizen.SessionHash, actor.SessionToken) {
			return false
		}
		return c.State == store.StateWaiting || c.IsBot
	}
	return false
}

// Closed is the outcome of Close.
type Closed struct {
	Conversation *store.Conversation
	// FreedAgent is the human agent whose capacity was released, if any.
	FreedAgent string
}

// Close ends a conversation. The result is terminal.
func (r *Registry) Close(ctx context.Context, actor *auth.Identity, id string) (*Closed, error) {
	e, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	cur := e.conv
	to, err := Next(cur.State, TransitionClose)
	if err != nil {
		return nil, r.loudly(err, "close rejected", "conversation_id", id)
	}
	if !r.canClose(cur, actor) {
		return nil, ErrNotParticipant
	}

	now := r.timestamp()
	next := cur.Clone()
	next.State = to
	next.AgentID = ""
	next.WaitingSince = time.Time{}
	next.ClosedAt = &now
	next.ClosedBy = closerName(actor)

	if err := r.commit(ctx, e, next); err != nil {
		return nil, err
	}

	out := &Closed{Conversation: next.Clone()}
	switch cur.State {
	case store.StateWaiting:
		r.queue.Dequeue(id)
	case store.StateActive:
		if !cur.IsBot {
			r.presence.Release(cur.AgentID)
			out.FreedAgent = cur.AgentID
			if r.recorder != nil && cur.AssignedAt != nil {
				r.recorder.Record(KeyOf(cur), now.Sub(*cur.AssignedAt))
			}
		}
	}

	// Removed only after the queue and presence reflect the close, still
	// under e.mu, so ReconcilePresence sees either the open record with
	// its reservation or neither.
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	r.logger.Info("conversation closed", "conversation_id", id, "from", cur.State, "by", next.ClosedBy)
	r.publishConversation(notify.ConversationUpdated, next)
	return out, nil
}

func closerName(actor *auth.Identity) string {
	if actor.Role == auth.RoleCitizen {
		return "citizen"
	}
	return string(actor.Role) + ":" + actor.Subject
}

func (r *Registry) canTransfer(c *store.Conversation, actor *auth.Identity) bool {
	if actor == nil {
		return false
	}
	if actor.IsPrivileged() {
		return true
	}
	return actor.Role == auth.RoleAgent && c.AgentID == actor.Subject
}

// Reassigned is the outcome of a transfer.
type Reassigned struct {
	Conversation *store.Conversation
	FreedAgent   string
}

// TransferToAgent hands an active conversation to target, who must be
// eligible right now. Otherwise it fails with ErrAgentUnavailable.
func (r *Registry) TransferToAgent(ctx context.Context, actor *auth.Identity, id, target string) (*Reassigned, error) {
	e, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	cur := e.conv
	to, err := Next(cur.State, TransitionTransferAgent)
	if err != nil {
		return nil, r.loudly(err, "transfer to agent rejected", "conversation_id", id)
	}
	if !r.canTransfer(cur, actor) {
		return nil, ErrNotParticipant
	}
	if target == cur.AgentID {
		return nil, fmt.Errorf("%w: already assigned to %s", ErrInvalidTransition, target)
	}
	if err := r.presence.Reserve(target); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAgentUnavailable, target, err)
	}

	now := r.timestamp()
	next := cur.Clone()
	next.State = to
	next.AgentID = target
	next.IsBot = false
	next.AssignedAt = &now

	if err := r.commit(ctx, e, next); err != nil {
		r.presence.Release(target)
		return nil, err
	}

	out := &Reassigned{Conversation: next.Clone()}
	if !cur.IsBot {
		r.presence.Release(cur.AgentID)
		out.FreedAgent = cur.AgentID
	}

	r.logger.Info("conversation transferred to agent", "conversation_id", id, "from", cur.AgentID, "to", target)
	r.publishConversation(notify.ConversationUpdated, next)
	return out, nil
}

// Requeue moves an active conversation back to waiting at the tail of the
// list for its new department/service. It implements both department
// transfer and bot-to-human handoff. Department and service must already be
// validated.
func (r *Registry) Requeue(ctx context.Context, actor *auth.Identity, id string, t Transition, departmentID, serviceID string) (*Reassigned, error) {
	if t != TransitionTransferDepartment && t != TransitionHandoff {
		return nil, fmt.Errorf("%w: %s is not a requeue", ErrInvalidTransition, t)
	}

	e, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	cur := e.conv
	to, err := Next(cur.State, t)
	if err != nil {
		return nil, r.loudly(err, "requeue rejected", "conversation_id", id, "transition", t)
	}

	switch t {
	case TransitionHandoff:
		if !cur.IsBot {
			return nil, fmt.Errorf("%w: handoff requires a bot session", ErrInvalidTransition)
		}
		if !actor.IsPrivileged() && !(actor != nil && actor.Role == auth.RoleCitizen && r.sessions.Check(cur.Citizen.SessionHash, actor.SessionToken)) {
			return nil, ErrNotParticipant
		}
	default:
		if !r.canTransfer(cur, actor) {
			return nil, ErrNotParticipant
		}
	}

	now := r.timestamp()
	next := cur.Clone()
	next.State = to
	next.AgentID = ""
	next.IsBot = false
	next.AssignedAt = nil
	next.DepartmentID = departmentID
	next.ServiceID = serviceID
	next.WaitingSince = now

	key := KeyOf(next)
	if err := r.queue.Enqueue(id, key, now); err != nil {
		return nil, r.loudly(err, "enqueue on requeue", "conversation_id", id)
	}
	if err := r.commit(ctx, e, next); err != nil {
		r.queue.Dequeue(id)
		return nil, err
	}

	out := &Reassigned{Conversation: next.Clone()}
	if !cur.IsBot {
		r.presence.Release(cur.AgentID)
		out.FreedAgent = cur.AgentID
		if r.recorder != nil && cur.AssignedAt != nil {
			r.recorder.Record(KeyOf(cur), now.Sub(*cur.AssignedAt))
		}
	}

	r.logger.Info("conversation requeued", "conversation_id", id, "transition", t, "key", key, "from_agent", cur.AgentID)
	r.publishConversation(notify.ConversationUpdated, next)
	return out, nil
}

// RecordInactivityWarning increments the inactivity counter of an open conversation.
func (r *Registry) RecordInactivityWarning(ctx context.Context, actor *auth.Identity, id string) (*store.Conversation, error) {
	if !actor.IsPrivileged() {
		return nil, ErrNotParticipant
	}

	e, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.conv.State == store.StateClosed {
		return nil, ErrConversationClosed
	}
	next := e.conv.Clone()
	next.InactivityWarnings++
	if err := r.commit(ctx, e, next); err != nil {
		return nil, err
	}
	r.publishConversation(notify.ConversationUpdated, next)
	return next.Clone(), nil
}

// canRead reports whether actor may see the conversation and its messages.
func (r *Registry) canRead(c *store.Conversation, actor *auth.Identity) bool {
	if actor.IsPrivileged() || actor.IsStaff() {
		return true
	}
	return actor != nil && actor.Role == auth.RoleCitizen && r.sessions.Check(c.Citizen.SessionHash, actor.SessionToken)
}

// Get returns a copy of the conversation if actor may read it.
func (r *Registry) Get(ctx context.Context, actor *auth.Identity, id string) (*store.Conversation, error) {
	e, err := r.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	c := e.conv.Clone()
	e.mu.Unlock()

	if !r.canRead(c, actor) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// List returns conversations matching filter from the store.
func (r *Registry) List(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	out, err := r.store.ListConversations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return out, nil
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Open returns copies of every waiting and active conversation held in memory.
func (r *Registry) Open() []*store.Conversation {
	var out []*store.Conversation
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if !e.dead && e.conv.State != store.StateClosed {
			out = append(out, e.conv.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCounts derives each human agent's active conversation count from the records.
func (r *Registry) ActiveCounts() map[string]int {
	counts := make(map[string]int)
	for _, c := range r.Open() {
		if c.State == store.StateActive && !c.IsBot {
			counts[c.AgentID]++
		}
	}
	return counts
}

// ReconcilePresence recomputes every agent's active count from the records
// and corrects the presence cache. All conversation locks are held, in ID
// order, so no reservation can be half-committed while counting. It returns
// the number of corrected agents.
func (r *Registry) ReconcilePresence() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	locked := make([]*entry, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		locked = append(locked, r.entries[id])
	}
	r.mu.RUnlock()

	for _, e := range locked {
		e.mu.Lock()
	}
	defer func() {
		for _, e := range locked {
			e.mu.Unlock()
		}
	}()

	counts := make(map[string]int)
	for _, e := range locked {
		c := e.conv
		if !e.dead && c.State == store.StateActive && !c.IsBot {
			counts[c.AgentID]++
		}
	}
	return r.presence.Reconcile(counts)
}

// Restore loads every open conversation from the store, rebuilds the
// queues in waitingSince order, and returns derived active counts.
func (r *Registry) Restore(ctx context.Context) (map[string]int, error) {
	open, err := r.store.ListConversations(ctx, store.ConversationFilter{
		States: []store.State{store.StateWaiting, store.StateActive},
	})
	if err != nil {
		return nil, fmt.Errorf("loading open conversations: %w", err)
	}

	sort.SliceStable(open, func(i, j int) bool {
		return open[i].WaitingSince.Before(open[j].WaitingSince)
	})

	r.mu.Lock()
	for _, c := range open {
		r.entries[c.ID] = &entry{conv: c}
	}
	r.mu.Unlock()

	counts := make(map[string]int)
	queued := 0
	for _, c := range open {
		switch c.State {
		case store.StateWaiting:
			if err := r.queue.Enqueue(c.ID, KeyOf(c), c.WaitingSince); err != nil {
				return nil, r.loudly(err, "restoring queue", "conversation_id", c.ID)
			}
			queued++
		case store.StateActive:
			if !c.IsBot {
				counts[c.AgentID]++
			}
		}
	}

	r.logger.Info("conversations restored", "open", len(open), "queued", queued)
	return counts, nil
}
