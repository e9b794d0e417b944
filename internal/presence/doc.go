// Package presence tracks agent availability for dispatch.
//
// An agent is eligible when its status is online and its active conversation
// count is below MaxConcurrentChats. The active count is a cache: Reserve and
// Release adjust it as conversations are assigned, transferred and closed,
// and Reconcile resets it from the conversation registry on every sweep.
package presence
