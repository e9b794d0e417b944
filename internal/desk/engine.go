// ABOUTME: Engine wires registry, queue, presence, dispatcher, bot and notifier into one service.
// ABOUTME: Start restores state from the store and schedules the sweep; Stop shuts background work down.

package desk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/bot"
	"github.com/2389/civic-desk/internal/conversation"
	"github.com/2389/civic-desk/internal/directory"
	"github.com/2389/civic-desk/internal/dispatch"
	"github.com/2389/civic-desk/internal/metrics"
	"github.com/2389/civic-desk/internal/notify"
	"github.com/2389/civic-desk/internal/presence"
	"github.com/2389/civic-desk/internal/queue"
	"github.com/2389/civic-desk/internal/store"
)

// Errors returned by engine operations that are not owned by a lower package.
var (
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotQueued      = errors.New("conversation is not waiting in a queue")
	ErrInvalidTopic   = errors.New("invalid topic")
	ErrBotDisabled    = errors.New("bot sessions are disabled")
)

// Options configures an Engine.
type Options struct {
	Store     store.Store
	Directory directory.Directory

	// Events receives subscriptions. Publisher defaults to Events when it is
	// a notify.Publisher; set it to a Relay to fan out across nodes.
	Events    *notify.Broadcaster
	Publisher notify.Publisher

	// Bot enables bot sessions when set.
	Bot *bot.Script

	// Roster profiles are registered on Start, overriding stored profiles.
	Roster []store.AgentPresence

	SessionCost         int
	HandlingWindow      int
	DefaultHandlingTime time.Duration
	SweepSchedule       string
	SweepTimeout        time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Engine is the conversation lifecycle and queue dispatch service.
type Engine struct {
	store      store.Store
	directory  directory.Directory
	events     *notify.Broadcaster
	bot        *bot.Script
	roster     []store.AgentPresence
	stats      *metrics.HandlingStats
	queue      *queue.Manager
	presence   *presence.Tracker
	registry   *conversation.Registry
	dispatcher *dispatch.Dispatcher
	scheduler  *dispatch.Scheduler
	logger     *slog.Logger
}

// New assembles an Engine. It does not touch the store until Start.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	dir := opts.Directory
	if dir == nil {
		dir = directory.NewStatic(nil)
	}
	events := opts.Events
	if events == nil {
		events = notify.NewBroadcaster(notify.DefaultBufferSize, logger)
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events
	}

	stats := metrics.NewHandlingStats(opts.HandlingWindow)
	q := queue.NewManager(stats, opts.DefaultHandlingTime)
	tracker := presence.NewTracker(logger)
	registry := conversation.NewRegistry(conversation.Options{
		Store:     opts.Store,
		Queue:     q,
		Presence:  tracker,
		Sessions:  auth.NewSessions(opts.SessionCost),
		Publisher: publisher,
		Recorder:  stats,
		Logger:    logger,
		Now:       now,
	})
	dispatcher := dispatch.New(registry, q, tracker, logger)
	scheduler, err := dispatch.NewScheduler(dispatcher, opts.SweepSchedule, opts.SweepTimeout)
	if err != nil {
		registry.Shutdown()
		return nil, err
	}

	return &Engine{
		store:      opts.Store,
		directory:  dir,
		events:     events,
		bot:        opts.Bot,
		roster:     opts.Roster,
		stats:      stats,
		queue:      q,
		presence:   tracker,
		registry:   registry,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		logger:     logger.With("component", "engine"),
	}, nil
}

// Start restores presence and open conversations from the store, applies
// the configured roster, dispatches anything that can be dispatched, and
// starts the periodic sweep.
func (e *Engine) Start(ctx context.Context) error {
	stored, err := e.store.ListPresence(ctx)
	if err != nil {
		return fmt.Errorf("loading presence: %w", err)
	}
	for _, p := range stored {
		// Nobody is online until they say so again.
		p.Status = store.PresenceOffline
		if _, err := e.presence.Register(*p); err != nil {
			return fmt.Errorf("restoring agent %s: %w", p.AgentID, err)
		}
	}
	for _, p := range e.roster {
		p.Status = store.PresenceOffline
		if _, err := e.registerAndSave(ctx, p); err != nil {
			return fmt.Errorf("seeding agent %s: %w", p.AgentID, err)
		}
	}

	counts, err := e.registry.Restore(ctx)
	if err != nil {
		return err
	}
	e.presence.Reconcile(counts)

	if _, err := e.dispatcher.DispatchEverything(ctx); err != nil {
		e.logger.Error("initial dispatch failed", "error", err)
	}

	e.scheduler.Start()
	e.logger.Info("engine started",
		"agents", len(e.presence.List()),
		"queued", e.queue.Len(),
		"bot", e.bot != nil)
	return nil
}

// Stop halts the sweep and background caches. It does not close the store.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.registry.Shutdown()
	e.logger.Info("engine stopped")
}

func (e *Engine) registerAndSave(ctx context.Context, p store.AgentPresence) (presence.Snapshot, error) {
	snap, err := e.presence.Register(p)
	if err != nil {
		return presence.Snapshot{}, err
	}
	if err := e.store.SavePresence(ctx, &snap.AgentPresence); err != nil {
		return presence.Snapshot{}, fmt.Errorf("saving presence: %w", err)
	}
	return snap, nil
}

// trigger runs dispatch for an agent and logs the outcome; dispatch errors
// never fail the operation that caused them.
func (e *Engine) trigger(ctx context.Context, agentID, reason string) []*dispatch.Assignment {
	as, err := e.dispatcher.TriggerForAgent(ctx, agentID)
	if err != nil {
		e.logger.Error("dispatch trigger failed", "agent_id", agentID, "reason", reason, "error", err)
	}
	if len(as) > 0 {
		e.logger.Info("dispatch triggered", "agent_id", agentID, "reason", reason, "assigned", len(as))
	}
	return as
}

func (e *Engine) dispatchKey(ctx context.Context, key queue.Key) []*dispatch.Assignment {
	as, err := e.dispatcher.DispatchAll(ctx, key)
	if err != nil {
		e.logger.Error("dispatch failed", "key", key, "error", err)
	}
	return as
}
