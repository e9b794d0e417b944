// Package queue maintains the waiting lists that feed dispatch.
//
// # Keys
//
// Lists are partitioned by Key, a (department, service) pair. The zero Key is
// the default list used by conversations that carry neither.
//
// # Ordering
//
// Enqueue always appends to the tail, so order within a key is strict
// arrival order. The manager never reorders by priority and never limits
// list length.
//
// # Wait Estimates
//
// EstimateWait multiplies a position by the average handling time reported
// by a HandlingTimes collaborator, falling back to DefaultHandlingTime when
// the key has no history.
package queue
