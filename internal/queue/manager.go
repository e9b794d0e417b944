// ABOUTME: FIFO waiting lists per (department, service) key with position and wait estimates.
// ABOUTME: A conversation is queued in at most one list; order is strict arrival order.

package queue

import (
	"container/list"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrAlreadyQueued indicates the conversation is already present in a list.
var ErrAlreadyQueued = errors.New("conversation already queued")

// DefaultHandlingTime is used for wait estimates when no history exists for a key.
const DefaultHandlingTime = 5 * time.Minute

// Key partitions waiting lists. The zero Key is the default list for
// conversations without a department and service.
type Key struct {
	DepartmentID string `json:"department_id,omitempty"`
	ServiceID    string `json:"service_id,omitempty"`
}

// KeyFor builds the key for a department/service pair.
func KeyFor(departmentID, serviceID string) Key {
	return Key{DepartmentID: departmentID, ServiceID: serviceID}
}

// IsDefault reports whether k is the default key.
func (k Key) IsDefault() bool {
	return k.DepartmentID == "" && k.ServiceID == ""
}

func (k Key) String() string {
	if k.IsDefault() {
		return "default"
	}
	return k.DepartmentID + "/" + k.ServiceID
}

// HandlingTimes supplies historical average handling time per key.
type HandlingTimes interface {
	AverageHandlingTime(key Key) (time.Duration, bool)
}

// Entry is the derived view of one queued conversation.
type Entry struct {
	ConversationID string        `json:"conversation_id"`
	Key            Key           `json:"key"`
	WaitingSince   time.Time     `json:"waiting_since"`
	Position       int           `json:"position"`
	EstimatedWait  time.Duration `json:"estimated_wait"`
}

type item struct {
	conversationID string
	key            Key
	waitingSince   time.Time
}

// Manager holds every waiting list.
type Manager struct {
	mu       sync.RWMutex
	lists    map[Key]*list.List
	index    map[string]*list.Element
	stats    HandlingTimes
	fallback time.Duration
}

// NewManager creates a Manager. stats may be nil, in which case every
// estimate uses the fallback handling time.
func NewManager(stats HandlingTimes, fallback time.Duration) *Manager {
	if fallback <= 0 {
		fallback = DefaultHandlingTime
	}
	return &Manager{
		lists:    make(map[Key]*list.List),
		index:    make(map[string]*list.Element),
		stats:    stats,
		fallback: fallback,
	}
}

// Enqueue appends the conversation to the tail of the list for key.
func (m *Manager) Enqueue(conversationID string, key Key, waitingSince time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[conversationID]; ok {
		return ErrAlreadyQueued
	}
	l, ok := m.lists[key]
	if !ok {
		l = list.New()
		m.lists[key] = l
	}
	m.index[conversationID] = l.PushBack(&item{
		conversationID: conversationID,
		key:            key,
		waitingSince:   waitingSince,
	})
	return nil
}

// Dequeue removes the conversation from its list. It reports whether the
// conversation was queued; removing an absent conversation is not an error.
func (m *Manager) Dequeue(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.index[conversationID]
	if !ok {
		return false
	}
	it := el.Value.(*item)
	l := m.lists[it.key]
	l.Remove(el)
	if l.Len() == 0 {
		delete(m.lists, it.key)
	}
	delete(m.index, conversationID)
	return true
}

// Contains reports whether the conversation is queued under key.
func (m *Manager) Contains(conversationID string, key Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	el, ok := m.index[conversationID]
	return ok && el.Value.(*item).key == key
}

// Position returns the 1-based rank of the conversation within its list.
func (m *Manager) Position(conversationID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	el, ok := m.index[conversationID]
	if !ok {
		return 0, false
	}
	return m.positionLocked(el), true
}

func (m *Manager) positionLocked(target *list.Element) int {
	it := target.Value.(*item)
	pos := 1
	for el := m.lists[it.key].Front(); el != nil && el != target; el = el.Next() {
		pos++
	}
	return pos
}

// Entry returns the queue entry for the conversation with position and estimate filled in.
func (m *Manager) Entry(conversationID string) (Entry, bool) {
	m.mu.RLock()
	el, ok := m.index[conversationID]
	if !ok {
		m.mu.RUnlock()
		return Entry{}, false
	}
	it := el.Value.(*item)
	pos := m.positionLocked(el)
	m.mu.RUnlock()

	return Entry{
		ConversationID: it.conversationID,
		Key:            it.key,
		WaitingSince:   it.waitingSince,
		Position:       pos,
		EstimatedWait:  m.EstimateWait(pos, it.key),
	}, true
}

// EstimateWait returns position times the average handling time for key.
func (m *Manager) EstimateWait(position int, key Key) time.Duration {
	if position <= 0 {
		return 0
	}
	avg := m.fallback
	if m.stats != nil {
		if d, ok := m.stats.AverageHandlingTime(key); ok && d > 0 {
			avg = d
		}
	}
	return time.Duration(position) * avg
}

// Head returns the conversation at the front of the list for key.
func (m *Manager) Head(key Key) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.lists[key]
	if !ok || l.Len() == 0 {
		return "", false
	}
	return l.Front().Value.(*item).conversationID, true
}

// KeyOf returns the key the conversation is queued under.
func (m *Manager) KeyOf(conversationID string) (Key, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	el, ok := m.index[conversationID]
	if !ok {
		return Key{}, false
	}
	return el.Value.(*item).key, true
}

// Depth returns the number of conversations waiting under key.
func (m *Manager) Depth(key Key) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if l, ok := m.lists[key]; ok {
		return l.Len()
	}
	return 0
}

// Len returns the total number of queued conversations.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index)
}

// Keys returns every key with at least one waiting conversation, sorted.
func (m *Manager) Keys() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]Key, 0, len(m.lists))
	for k := range m.lists {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].DepartmentID != keys[j].DepartmentID {
			return keys[i].DepartmentID < keys[j].DepartmentID
		}
		return keys[i].ServiceID < keys[j].ServiceID
	})
	return keys
}

// Snapshot returns the entries of one list in queue order.
func (m *Manager) Snapshot(key Key) []Entry {
	m.mu.RLock()
	var items []item
	if l, ok := m.lists[key]; ok {
		for el := l.Front(); el != nil; el = el.Next() {
			items = append(items, *el.Value.(*item))
		}
	}
	m.mu.RUnlock()

	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = Entry{
			ConversationID: it.conversationID,
			Key:            it.key,
			WaitingSince:   it.waitingSince,
			Position:       i + 1,
			EstimatedWait:  m.EstimateWait(i+1, key),
		}
	}
	return out
}
