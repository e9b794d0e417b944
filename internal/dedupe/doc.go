// Package dedupe provides a TTL and size bounded cache used to make
// at-least-once inputs idempotent: client message IDs map to the message
// they created, and relayed event IDs are remembered so a redelivered event
// is published locally only once.
package dedupe
