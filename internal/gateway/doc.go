// Package gateway serves the civic-desk HTTP API.
//
// # Overview
//
// The Gateway opens the SQLite store, builds the desk engine from
// configuration, and exposes it over HTTP. Listening is either on
// server.http_addr or, with tailscale enabled, on a tsnet node.
//
// # Authentication
//
// Agents and administrators send "Authorization: Bearer <jwt>". Citizens send
// the session token returned when their conversation was created, in the
// X-Session-Token header. Streaming clients that cannot set headers may pass
// access_token or session as query parameters instead.
//
// # HTTP API
//
//	GET  /health                                    liveness
//	GET  /health/ready                              503 until state is restored
//	GET  /api/departments                           org hierarchy
//	POST /api/conversations                         start a conversation
//	GET  /api/conversations                         list (staff)
//	GET  /api/conversations/{id}                    one conversation
//	POST /api/conversations/{id}/messages           append (rate limited)
//	GET  /api/conversations/{id}/messages?after=N   message log
//	POST /api/conversations/{id}/messages/{mid}/status
//	POST /api/conversations/{id}/close
//	POST /api/conversations/{id}/transfer           {agent_id} or {department_id, service_id}
//	POST /api/conversations/{id}/handoff            bot session to human queue
//	POST /api/conversations/{id}/inactivity         admin only
//	GET  /api/conversations/{id}/queue              queue position and estimate
//	GET  /api/agents                                presence (staff)
//	POST /api/agents                                register (admin)
//	PUT  /api/agents/{id}/status
//	PUT  /api/agents/{id}/capacity
//	GET  /api/queues                                waiting lists (staff)
//	GET  /api/events?topic=T                        Server-Sent Events
//	GET  /api/ws?topic=T                            WebSocket
//
// Topics are "conversations:*" (staff only, state changes for every
// conversation) and "conversation:<id>" (every event of one conversation).
//
// # Errors
//
// Errors are JSON objects {"error": "..."}. Unknown resources map to 404,
// access failures to 403, invalid input to 400, and state conflicts such as
// an invalid transition or a closed conversation to 409.
//
// # Multi-node
//
// With redis enabled, events are relayed through a Redis channel so
// subscribers on every node see every change.
package gateway
