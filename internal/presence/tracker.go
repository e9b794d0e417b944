// ABOUTME: Tracks agent availability, chat capacity and the department/service scope each agent serves.
// ABOUTME: Maintains the per-agent active conversation count used for dispatch eligibility.

package presence

import (
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/civic-desk/internal/store"
)

// ErrUnknownAgent indicates the agent has never been registered with the tracker.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrNotEligible indicates the agent is offline, on break, or at capacity.
var ErrNotEligible = errors.New("agent not eligible")

// ErrInvalidStatus indicates a presence status outside online/break/offline.
var ErrInvalidStatus = errors.New("invalid presence status")

// Snapshot is a point-in-time view of one agent.
type Snapshot struct {
	store.AgentPresence
	ActiveCount int  `json:"active_count"`
	Eligible    bool `json:"eligible"`
}

type agentState struct {
	profile store.AgentPresence
	active  int
}

func (a *agentState) eligible() bool {
	return a.profile.Status == store.PresenceOnline && a.active < a.profile.MaxConcurrentChats
}

func (a *agentState) snapshot() Snapshot {
	p := a.profile.Clone()
	return Snapshot{AgentPresence: *p, ActiveCount: a.active, Eligible: a.eligible()}
}

// Tracker holds presence for every known agent. It does no I/O; callers
// persist profiles and trigger dispatch on the transitions it reports.
type Tracker struct {
	mu     sync.Mutex
	agents map[string]*agentState
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates an empty Tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		agents: make(map[string]*agentState),
		now:    time.Now,
		logger: logger.With("component", "presence"),
	}
}

// Register adds or replaces an agent's profile. The active count of an
// already known agent is kept.
func (t *Tracker) Register(p store.AgentPresence) (Snapshot, error) {
	if p.Status == "" {
		p.Status = store.PresenceOffline
	}
	if !p.Status.Valid() {
		return Snapshot{}, ErrInvalidStatus
	}
	if p.MaxConcurrentChats < 0 {
		p.MaxConcurrentChats = 0
	}
	p.ServiceIDs = slices.Clone(p.ServiceIDs)
	p.UpdatedAt = t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.agents[p.AgentID]
	if !ok {
		a = &agentState{}
		t.agents[p.AgentID] = a
	}
	a.profile = p

	t.logger.Info("agent registered",
		"agent_id", p.AgentID,
		"department", p.DepartmentID,
		"elevated", p.Elevated,
		"status", p.Status,
		"max_concurrent_chats", p.MaxConcurrentChats,
		"total_agents", len(t.agents),
	)
	return a.snapshot(), nil
}

// SetStatus updates an agent's status and returns the previous status.
func (t *Tracker) SetStatus(agentID string, status store.PresenceStatus) (Snapshot, store.PresenceStatus, error) {
	if !status.Valid() {
		return Snapshot{}, "", ErrInvalidStatus
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.agents[agentID]
	if !ok {
		return Snapshot{}, "", ErrUnknownAgent
	}
	prev := a.profile.Status
	a.profile.Status = status
	a.profile.UpdatedAt = t.now()

	if prev != status {
		t.logger.Info("agent status changed", "agent_id", agentID, "from", prev, "to", status, "active", a.active)
	}
	return a.snapshot(), prev, nil
}

// SetCapacity changes an agent's maxConcurrentChats. Lowering it below the
// current active count does not touch existing conversations; the agent is
// simply ineligible until enough of them close.
func (t *Tracker) SetCapacity(agentID string, max int) (Snapshot, error) {
	if max < 0 {
		max = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.agents[agentID]
	if !ok {
		return Snapshot{}, ErrUnknownAgent
	}
	a.profile.MaxConcurrentChats = max
	a.profile.UpdatedAt = t.now()
	return a.snapshot(), nil
}

// Get returns a snapshot of one agent.
func (t *Tracker) Get(agentID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.agents[agentID]
	if !ok {
		return Snapshot{}, false
	}
	return a.snapshot(), true
}

// List returns snapshots of all agents ordered by agent ID.
func (t *Tracker) List() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Snapshot, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, a.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Eligible reports whether the agent is online and below capacity right now.
func (t *Tracker) Eligible(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.agents[agentID]
	return ok && a.eligible()
}

// ActiveCount returns the cached number of active conversations for the agent.
func (t *Tracker) ActiveCount(agentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.agents[agentID]; ok {
		return a.active
	}
	return 0
}

// Serves reports whether profile p is scoped to the given department/service.
// Both empty is the default key, which every agent serves.
func Serves(p store.AgentPresence, departmentID, serviceID string) bool {
	if departmentID == "" && serviceID == "" {
		return true
	}
	if p.Elevated {
		return true
	}
	if p.DepartmentID != departmentID {
		return false
	}
	if serviceID == "" || len(p.ServiceIDs) == 0 {
		return true
	}
	return slices.Contains(p.ServiceIDs, serviceID)
}

// Candidates returns the currently eligible agents scoped to the key, ordered
// by ascending active count with ties broken by agent ID.
func (t *Tracker) Candidates(departmentID, serviceID string) []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Snapshot
	for _, a := range t.agents {
		if a.eligible() && Serves(a.profile, departmentID, serviceID) {
			out = append(out, a.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActiveCount != out[j].ActiveCount {
			return out[i].ActiveCount < out[j].ActiveCount
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Reserve atomically checks eligibility and counts one more active
// conversation for the agent. Every successful Reserve must be paired with
// either a committed assignment or a Release.
func (t *Tracker) Reserve(agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if !a.eligible() {
		return ErrNotEligible
	}
	a.active++
	return nil
}

// Release counts one fewer active conversation for the agent.
func (t *Tracker) Release(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.agents[agentID]
	if !ok {
		return
	}
	if a.active == 0 {
		t.logger.Error("release without matching reserve", "agent_id", agentID)
		return
	}
	a.active--
}

// Reconcile replaces cached active counts with counts derived from the
// conversation registry. It returns how many agents had drifted.
func (t *Tracker) Reconcile(counts map[string]int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	drifted := 0
	for id, a := range t.agents {
		want := counts[id]
		if a.active != want {
			t.logger.Warn("active count drift corrected", "agent_id", id, "cached", a.active, "actual", want)
			a.active = want
			drifted++
		}
	}
	return drifted
}
