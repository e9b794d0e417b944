// Package notify fans conversation and message changes out to subscribers.
//
// # Topics
//
//   - conversation:{id} carries every event of one conversation
//   - conversations:* carries conversation state events only, for dashboards
//
// # Delivery
//
// Broadcaster delivers in publish order per subscriber. Publish never blocks;
// a subscriber that cannot keep up is evicted and its channel closed, and the
// client resynchronizes by reading the conversation and its messages after
// the last sequence it saw.
//
// # Multiple Nodes
//
// Relay wraps a Broadcaster and mirrors events through a Redis channel so
// subscribers connected to any node see every change. Redis pub/sub gives
// at-least-once delivery at best; event IDs are remembered in a dedupe cache
// so a redelivered event reaches local subscribers once.
package notify
