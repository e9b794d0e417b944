// Package store provides persistent storage for civic-desk.
//
// # Architecture
//
// Store is the single persistence interface the engine depends on. Two
// implementations are provided:
//
//   - SQLiteStore: modernc.org/sqlite backed, WAL mode, created on demand
//   - MockStore: in-memory, used by tests throughout the module
//
// # Data Models
//
//   - Conversation: lifecycle record (state, citizen, department/service,
//     assigned agent, timestamps, optimistic Version)
//   - Message: one entry of a conversation log, ordered by Seq
//   - AgentPresence: agent profile, scope and last known status
//
// State and MessageStatus are small integer enums that marshal as text.
// MessageStatus values are ordered so that sent < delivered < read.
//
// # Concurrency
//
// UpdateConversation and AppendMessage take the version the caller read and
// fail with ErrVersionConflict when another writer got there first. The
// conversation registry serializes writers per conversation, so a conflict
// indicates a second process writing the same database.
//
// Timestamps are stored as RFC3339Nano text in UTC.
package store
