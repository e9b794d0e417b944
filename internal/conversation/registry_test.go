// ABOUTME: Tests for the conversation registry and message log
// ABOUTME: Covers lifecycle transitions, queue/presence bookkeeping, ordering and idempotency

package conversation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/bot"
	"github.com/2389/civic-desk/internal/notify"
	"github.com/2389/civic-desk/internal/presence"
	"github.com/2389/civic-desk/internal/queue"
	"github.com/2389/civic-desk/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recorded struct {
	key queue.Key
	d   time.Duration
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recorded
}

func (f *fakeRecorder) Record(key queue.Key, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, recorded{key, d})
}

type fixture struct {
	reg      *Registry
	store    *store.MockStore
	queue    *queue.Manager
	presence *presence.Tracker
	recorder *fakeRecorder
	clock    *fakeClock

	mu     sync.Mutex
	events []*notify.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMockStore(),
		queue:    queue.NewManager(nil, 0),
		presence: presence.NewTracker(nil),
		recorder: &fakeRecorder{},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.reg = f.newRegistry()
	t.Cleanup(f.reg.Shutdown)
	return f
}

func (f *fixture) newRegistry() *Registry {
	return NewRegistry(Options{
		Store:    f.store,
		Queue:    f.queue,
		Presence: f.presence,
		Sessions: auth.NewSessions(bcrypt.MinCost),
		Publisher: notify.PublisherFunc(func(e *notify.Event) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, e)
		}),
		Recorder: f.recorder,
		Now:      f.clock.Now,
	})
}

func (f *fixture) eventTypes() []notify.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notify.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func (f *fixture) online(t *testing.T, id, dept string, max int) {
	t.Helper()
	_, err := f.presence.Register(store.AgentPresence{
		AgentID: id, Name: id, DepartmentID: dept, MaxConcurrentChats: max, Status: store.PresenceOnline,
	})
	require.NoError(t, err)
}

func (f *fixture) create(t *testing.T, req CreateRequest) *Created {
	t.Helper()
	if req.Citizen.Name == "" {
		req.Citizen.Name = "Ana"
	}
	out, err := f.reg.Create(t.Context(), req)
	require.NoError(t, err)
	return out
}

// checkInvariants asserts agent ⇔ active and waiting ⇔ queued for every open conversation.
func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	for _, c := range f.reg.Open() {
		assert.Equal(t, c.State == store.StateActive, c.AgentID != "", "conversation %s agent/state", c.ID)
		assert.Equal(t, c.State == store.StateWaiting, f.queue.Contains(c.ID, KeyOf(c)), "conversation %s waiting/queued", c.ID)
	}
	for agentID, n := range f.reg.ActiveCounts() {
		assert.Equal(t, n, f.presence.ActiveCount(agentID), "agent %s active count", agentID)
	}
}

func agent(id string) *auth.Identity {
	return &auth.Identity{Subject: id, Name: id, Role: auth.RoleAgent}
}

func admin() *auth.Identity {
	return &auth.Identity{Subject: "root", Name: "Root", Role: auth.RoleAdmin}
}

func TestCreate_Waiting(t *testing.T) {
	f := newFixture(t)

	out := f.create(t, CreateRequest{DepartmentID: "tax", ServiceID: "iptu"})

	c := out.Conversation
	assert.NotEmpty(t, out.SessionToken)
	assert.Equal(t, store.StateWaiting, c.State)
	assert.Empty(t, c.AgentID)
	assert.False(t, c.WaitingSince.IsZero())
	assert.True(t, f.queue.Contains(c.ID, queue.KeyFor("tax", "iptu")))
	assert.Equal(t, []notify.EventType{notify.ConversationCreated}, f.eventTypes())

	stored, err := f.store.GetConversation(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateWaiting, stored.State)
	assert.NotEqual(t, out.SessionToken, stored.Citizen.SessionHash)
	f.checkInvariants(t)
}

func TestCreate_DirectAgent(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "tax", 1)

	first := f.create(t, CreateRequest{DepartmentID: "tax", DirectAgent: "a1"}).Conversation
	assert.Equal(t, store.StateActive, first.State)
	assert.Equal(t, "a1", first.AgentID)
	assert.Equal(t, 1, f.presence.ActiveCount("a1"))

	// a1 is at capacity now, so the second request falls back to the queue.
	second := f.create(t, CreateRequest{DepartmentID: "tax", DirectAgent: "a1"}).Conversation
	assert.Equal(t, store.StateWaiting, second.State)
	assert.Equal(t, 1, f.queue.Len())
	f.checkInvariants(t)
}

func TestCreate_BotSession(t *testing.T) {
	f := newFixture(t)

	c := f.create(t, CreateRequest{DepartmentID: "tax", Bot: true}).Conversation
	assert.Equal(t, store.StateActive, c.State)
	assert.True(t, c.IsBot)
	assert.Equal(t, bot.AgentID, c.AgentID)
	assert.Zero(t, f.queue.Len())
	f.checkInvariants(t)
}

func TestCreate_StoreFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "", 1)
	f.store.FailNext(errors.New("disk full"))

	_, err := f.reg.Create(t.Context(), CreateRequest{DirectAgent: "a1"})
	require.Error(t, err)
	assert.Zero(t, f.presence.ActiveCount("a1"))

	f.store.FailNext(errors.New("disk full"))
	_, err = f.reg.Create(t.Context(), CreateRequest{DepartmentID: "tax"})
	require.Error(t, err)
	assert.Zero(t, f.queue.Len())
}

func TestAssign(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "tax", 2)
	c := f.create(t, CreateRequest{DepartmentID: "tax"}).Conversation
	key := KeyOf(c)

	got, err := f.reg.Assign(t.Context(), c.ID, "a1", key)
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, got.State)
	assert.Equal(t, "a1", got.AgentID)
	assert.NotNil(t, got.AssignedAt)
	assert.False(t, f.queue.Contains(c.ID, key))
	assert.Equal(t, 1, f.presence.ActiveCount("a1"))

	_, err = f.reg.Assign(t.Context(), c.ID, "a1", key)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, f.presence.ActiveCount("a1"))
	f.checkInvariants(t)
}

func TestAssign_StaleKeyOrIneligibleAgent(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "tax", 1)
	c := f.create(t, CreateRequest{DepartmentID: "tax"}).Conversation

	_, err := f.reg.Assign(t.Context(), c.ID, "a1", queue.KeyFor("health", ""))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, f.presence.ActiveCount("a1"))

	_, _, err = f.presence.SetStatus("a1", store.PresenceBreak)
	require.NoError(t, err)
	_, err = f.reg.Assign(t.Context(), c.ID, "a1", KeyOf(c))
	assert.ErrorIs(t, err, ErrAgentUnavailable)

	current, err := f.reg.Get(t.Context(), admin(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateWaiting, current.State)
	f.checkInvariants(t)
}

func TestAssign_StoreFailureReleasesAgent(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "tax", 1)
	c := f.create(t, CreateRequest{DepartmentID: "tax"}).Conversation

	f.store.FailNext(store.ErrVersionConflict)
	_, err := f.reg.Assign(t.Context(), c.ID, "a1", KeyOf(c))
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.Zero(t, f.presence.ActiveCount("a1"))
	assert.True(t, f.queue.Contains(c.ID, KeyOf(c)))
	f.checkInvariants(t)
}

func TestClose_WaitingByCitizen(t *testing.T) {
	f := newFixture(t)
	out := f.create(t, CreateRequest{DepartmentID: "tax"})
	id := out.Conversation.ID

	_, err := f.reg.Close(t.Context(), auth.Citizen("wrong"), id)
	assert.ErrorIs(t, err, ErrNotParticipant)

	closed, err := f.reg.Close(t.Context(), auth.Citizen(out.SessionToken), id)
	require.NoError(t, err)
	assert.Equal(t, store.StateClosed, closed.Conversation.State)
	assert.Empty(t, closed.FreedAgent)
	assert.Equal(t, "citizen", closed.Conversation.ClosedBy)
	assert.NotNil(t, closed.Conversation.ClosedAt)
	assert.Zero(t, f.queue.Len())

	_, err = f.reg.Close(t.Context(), admin(), id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	f.checkInvariants(t)
}

func TestClose_ActiveRecordsHandlingTime(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "tax", 1)
	c := f.create(t, CreateRequest{DepartmentID: "tax", DirectAgent: "a1"}).Conversation

	_, err := f.reg.Close(t.Context(), agent("a2"), c.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)

	closed, err := f.reg.Close(t.Context(), agent("a1"), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", closed.FreedAgent)
	assert.Empty(t, closed.Conversation.AgentID)
	assert.Zero(t, f.presence.ActiveCount("a1"))

	require.Len(t, f.recorder.seen, 1)
	assert.Equal(t, queue.KeyFor("tax", ""), f.recorder.seen[0].key)
	assert.Positive(t, f.recorder.seen[0].d)
	f.checkInvariants(t)
}

func TestClose_CitizenCannotCloseHumanSession(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "tax", 1)
	out := f.create(t, CreateRequest{DepartmentID: "tax", DirectAgent: "a1"})

	_, err := f.reg.Close(t.Context(), auth.Citizen(out.SessionToken), out.Conversation.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)

	botOut := f.create(t, CreateRequest{Bot: true})
	closed, err := f.reg.Close(t.Context(), auth.Citizen(botOut.SessionToken), botOut.Conversation.ID)
	require.NoError(t, err)
	assert.Empty(t, closed.FreedAgent)
}

func TestTransferToAgent(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "tax", 1)
	f.online(t, "a2", "tax", 1)
	c := f.create(t, CreateRequest{DepartmentID: "tax", DirectAgent: "a1"}).Conversation

	_, err := f.reg.TransferToAgent(t.Context(), agent("a1"), c.ID, "ghost")
	assert.ErrorIs(t, err, ErrAgentUnavailable)

	_, _, err = f.presence.SetStatus("a2", store.PresenceOffline)
	require.NoError(t, err)
	_, err = f.reg.TransferToAgent(t.Context(), agent("a1"), c.ID, "a2")
	assert.ErrorIs(t, err, ErrAgentUnavailable)

	_, _, err = f.presence.SetStatus("a2", store.PresenceOnline)
	require.NoError(t, err)
	out, err := f.reg.TransferToAgent(t.Context(), agent("a1"), c.ID, "a2")
	require.NoError(t, err)
	assert.Equal(t, "a2", out.Conversation.AgentID)
	assert.Equal(t, store.StateActive, out.Conversation.State)
	assert.Equal(t, "a1", out.FreedAgent)
	assert.Zero(t, f.presence.ActiveCount("a1"))
	assert.Equal(t, 1, f.presence.ActiveCount("a2"))
	f.checkInvariants(t)
}

func TestRequeue_DepartmentTransferGoesToTail(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "tax", 1)
	c := f.create(t, CreateRequest{DepartmentID: "tax", DirectAgent: "a1"}).Conversation
	earlier := f.create(t, CreateRequest{DepartmentID: "health", ServiceID: "vaccines"}).Conversation

	out, err := f.reg.Requeue(t.Context(), agent("a1"), c.ID, TransitionTransferDepartment, "health", "vaccines")
	require.NoError(t, err)
	assert.Equal(t, store.StateWaiting, out.Conversation.State)
	assert.Empty(t, out.Conversation.AgentID)
	assert.Equal(t, "health", out.Conversation.DepartmentID)
	assert.Equal(t, "a1", out.FreedAgent)

	key := queue.KeyFor("health", "vaccines")
	head, ok := f.queue.Head(key)
	require.True(t, ok)
	assert.Equal(t, earlier.ID, head)
	pos, ok := f.queue.Position(c.ID)
	require.True(t, ok)
	assert.Equal(t, 2, pos)
	f.checkInvariants(t)
}

func TestRequeue_Handoff(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "tax", 1)
	human := f.create(t, CreateRequest{DepartmentID: "tax", DirectAgent: "a1"}).Conversation

	_, err := f.reg.Requeue(t.Context(), admin(), human.ID, TransitionHandoff, "tax", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.reg.Requeue(t.Context(), admin(), human.ID, TransitionClose, "tax", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	botOut := f.create(t, CreateRequest{DepartmentID: "tax", Bot: true})
	out, err := f.reg.Requeue(t.Context(), auth.Citizen(botOut.SessionToken), botOut.Conversation.ID, TransitionHandoff, "tax", "")
	require.NoError(t, err)
	assert.False(t, out.Conversation.IsBot)
	assert.Empty(t, out.FreedAgent)
	assert.True(t, f.queue.Contains(botOut.Conversation.ID, queue.KeyFor("tax", "")))
	f.checkInvariants(t)
}

func TestAppend_OrderUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "", 1)
	c := f.create(t, CreateRequest{DirectAgent: "a1"}).Conversation

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.reg.Append(t.Context(), agent("a1"), c.ID, AppendRequest{Content: fmt.Sprintf("msg %d", i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := f.reg.Messages(t.Context(), admin(), c.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
		if i > 0 {
			assert.False(t, m.Timestamp.Before(msgs[i-1].Timestamp))
		}
	}

	tail, err := f.reg.Messages(t.Context(), admin(), c.ID, n-2, 0)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestAppend_RolesAndValidation(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "", 1)
	out := f.create(t, CreateRequest{DirectAgent: "a1"})
	id := out.Conversation.ID

	res, err := f.reg.Append(t.Context(), auth.Citizen(out.SessionToken), id, AppendRequest{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, store.SenderUser, res.Message.SenderRole)
	assert.Equal(t, "Ana", res.Message.SenderName)
	assert.Equal(t, store.StatusSent, res.Message.Status)

	res, err = f.reg.Append(t.Context(), agent("a1"), id, AppendRequest{Type: store.MessageFile, FileURL: "https://files/x.pdf", FileName: "x.pdf"})
	require.NoError(t, err)
	assert.Equal(t, store.SenderAgent, res.Message.SenderRole)

	_, err = f.reg.Append(t.Context(), agent("a2"), id, AppendRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = f.reg.Append(t.Context(), agent("a1"), id, AppendRequest{Content: "  "})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = f.reg.Append(t.Context(), agent("a1"), id, AppendRequest{Type: store.MessageFile})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = f.reg.Append(t.Context(), agent("a1"), id, AppendRequest{Type: store.MessageSystem, Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = f.reg.Append(t.Context(), agent("a1"), "missing", AppendRequest{Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppend_ClosedConversation(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "", 1)
	c := f.create(t, CreateRequest{DirectAgent: "a1"}).Conversation
	_, err := f.reg.Close(t.Context(), agent("a1"), c.ID)
	require.NoError(t, err)

	_, err = f.reg.Append(t.Context(), admin(), c.ID, AppendRequest{Content: "late"})
	assert.ErrorIs(t, err, ErrConversationClosed)

	res, err := f.reg.Append(t.Context(), auth.System(), c.ID, AppendRequest{Type: store.MessageSystem, Content: "closed by agent"})
	require.NoError(t, err)
	assert.Equal(t, store.SenderSystem, res.Message.SenderRole)
}

func TestAppend_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "", 1)
	c := f.create(t, CreateRequest{DirectAgent: "a1"}).Conversation

	first, err := f.reg.Append(t.Context(), agent("a1"), c.ID, AppendRequest{Content: "hi", ClientMessageID: "m-1"})
	require.NoError(t, err)
	again, err := f.reg.Append(t.Context(), agent("a1"), c.ID, AppendRequest{Content: "hi", ClientMessageID: "m-1"})
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Message.ID, again.Message.ID)

	msgs, err := f.reg.Messages(t.Context(), admin(), c.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAppend_ResetsInactivityWarnings(t *testing.T) {
	f := newFixture(t)
	out := f.create(t, CreateRequest{DepartmentID: "tax"})
	id := out.Conversation.ID

	_, err := f.reg.RecordInactivityWarning(t.Context(), agent("a1"), id)
	assert.ErrorIs(t, err, ErrNotParticipant)

	for range 2 {
		_, err := f.reg.RecordInactivityWarning(t.Context(), auth.System(), id)
		require.NoError(t, err)
	}
	c, err := f.reg.Get(t.Context(), admin(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, c.InactivityWarnings)

	res, err := f.reg.Append(t.Context(), auth.Citizen(out.SessionToken), id, AppendRequest{Content: "still here"})
	require.NoError(t, err)
	assert.Zero(t, res.Conversation.InactivityWarnings)
}

func TestUpdateStatus_Monotonic(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "", 1)
	out := f.create(t, CreateRequest{DirectAgent: "a1"})
	id := out.Conversation.ID
	res, err := f.reg.Append(t.Context(), agent("a1"), id, AppendRequest{Content: "hi"})
	require.NoError(t, err)
	msgID := res.Message.ID
	citizen := auth.Citizen(out.SessionToken)

	m, err := f.reg.UpdateStatus(t.Context(), citizen, id, msgID, store.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, m.Status)

	_, err = f.reg.UpdateStatus(t.Context(), citizen, id, msgID, store.StatusDelivered)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.reg.UpdateStatus(t.Context(), citizen, id, msgID, store.StatusRead)
	require.NoError(t, err)

	_, err = f.reg.UpdateStatus(t.Context(), citizen, id, msgID, store.StatusSent)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.reg.UpdateStatus(t.Context(), citizen, id, "nope", store.StatusRead)
	assert.ErrorIs(t, err, ErrNotFound)

	stored, err := f.store.GetMessage(t.Context(), id, msgID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, stored.Status)
	assert.Contains(t, f.eventTypes(), notify.MessageStatusChanged)
}

func TestGet_ReadAccess(t *testing.T) {
	f := newFixture(t)
	out := f.create(t, CreateRequest{DepartmentID: "tax"})
	id := out.Conversation.ID

	_, err := f.reg.Get(t.Context(), auth.Citizen(out.SessionToken), id)
	require.NoError(t, err)
	_, err = f.reg.Get(t.Context(), agent("anyone"), id)
	require.NoError(t, err)
	_, err = f.reg.Get(t.Context(), auth.Citizen("other"), id)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = f.reg.Get(t.Context(), nil, id)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = f.reg.Get(t.Context(), admin(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "tax", 3)
	first := f.create(t, CreateRequest{DepartmentID: "tax"}).Conversation
	second := f.create(t, CreateRequest{DepartmentID: "tax"}).Conversation
	active := f.create(t, CreateRequest{DepartmentID: "tax", DirectAgent: "a1"}).Conversation
	_, err := f.reg.Append(t.Context(), agent("a1"), active.ID, AppendRequest{Content: "before restart"})
	require.NoError(t, err)
	f.create(t, CreateRequest{Bot: true})

	// A fresh process: empty queue and registry over the same store.
	f.queue = queue.NewManager(nil, 0)
	f.reg = f.newRegistry()
	t.Cleanup(f.reg.Shutdown)

	counts, err := f.reg.Restore(t.Context())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a1": 1}, counts)

	snap := f.queue.Snapshot(queue.KeyFor("tax", ""))
	require.Len(t, snap, 2)
	assert.Equal(t, first.ID, snap[0].ConversationID)
	assert.Equal(t, second.ID, snap[1].ConversationID)

	res, err := f.reg.Append(t.Context(), agent("a1"), active.ID, AppendRequest{Content: "after restart"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Message.Seq)
}

func TestReconcilePresence(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a1", "", 3)
	f.create(t, CreateRequest{DirectAgent: "a1"})

	// Leak a reservation that no record accounts for.
	require.NoError(t, f.presence.Reserve("a1"))
	assert.Equal(t, 2, f.presence.ActiveCount("a1"))

	assert.Equal(t, 1, f.reg.ReconcilePresence())
	assert.Equal(t, 1, f.presence.ActiveCount("a1"))
	assert.Zero(t, f.reg.ReconcilePresence())
}
