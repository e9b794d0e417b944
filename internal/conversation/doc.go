// Package conversation owns conversation records and their message logs.
//
// # Registry
//
// The Registry keeps the canonical copy of every open conversation in memory,
// each behind its own mutex. Every lifecycle change goes through the
// transition table in state.go:
//
//	waiting --assign--> active          (dispatcher only)
//	waiting --close--> closed
//	active  --close--> closed
//	active  --transfer_agent--> active
//	active  --transfer_department--> waiting
//	active  --handoff--> waiting        (bot sessions only)
//
// Nothing leaves closed. A change is persisted with an optimistic version
// check first; the in-memory record is replaced only after the store accepts
// it, and the queue and presence counters are adjusted in the same critical
// section.
//
// # Message Log
//
// Append assigns each message the conversation's next sequence number while
// holding the conversation lock, so sequence order is append order.
// Delivery status only moves forward: sent, delivered, read.
//
// Appends carrying a client message ID are idempotent for a while: a retry
// returns the message stored by the first attempt.
//
// # Lock Order
//
// The registry never takes a dispatcher key lock. Callers that need to
// dispatch after a close or transfer do so after the registry call returns.
package conversation
