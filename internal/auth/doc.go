// Package auth resolves who is calling the engine.
//
// # Callers
//
//   - Agents and administrators present HS256 JWTs whose claims carry the
//     subject (agent ID), role and department.
//   - Citizens are anonymous. Creating a conversation returns a random
//     session token; only its bcrypt hash is stored, and the citizen
//     presents the token on every later call for that conversation.
//   - Background work acts as System.
//
// # HTTP
//
// IdentityMiddleware attaches an Identity to the request context from the
// Authorization header or X-Session-Token header (or the access_token and
// session query parameters for streaming clients). RequireStaff and
// RequireIdentity gate routes on top of it.
//
// The engine itself performs no authentication: it trusts the Identity and
// only checks capabilities such as "is this the assigned agent".
package auth
