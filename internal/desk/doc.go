// Package desk is the citizen-support engine: the single entry point the
// transport layer calls.
//
// An Engine owns the conversation registry, the per-key waiting lists, the
// agent presence tracker, the dispatcher and its cron sweep. Every caller is
// identified by an auth.Identity that the transport has already verified.
//
// Dispatch triggers:
//
//   - a conversation is created waiting
//   - an agent comes online or gains capacity
//   - a conversation closes or is transferred away from an agent
//   - a conversation is transferred to another department, or handed off by the bot
//   - the periodic sweep
//
// Bot sessions are answered from a keyword script. A citizen can ask for a
// person at any time, either with RequestHuman or by writing one of the
// script's handoff keywords.
package desk
