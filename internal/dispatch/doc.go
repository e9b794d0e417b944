// Package dispatch assigns waiting conversations to agents.
//
// TryDispatch takes the dispatcher's mutex for one (department, service) key,
// peeks the head of that key's waiting list, and offers it to eligible agents
// in order of fewest active conversations, then agent ID. The registry makes
// the final check under the conversation's own lock, so a head that was
// closed or moved meanwhile is skipped and the next head is tried.
//
// Dispatch runs when a conversation is created, when an agent comes online
// or gains capacity, when a conversation closes or is transferred, and on a
// periodic sweep scheduled with robfig/cron.
package dispatch
