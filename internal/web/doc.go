// Package web is the HTTP surface of the relay.
//
// # Endpoints
//
// Agent channel:
//
//   - GET /ws - websocket upgrade; one frame per websocket message. A valid
//     session token (Authorization header or ?session=) pre-authenticates
//     the connection as the account's own agent.
//
// Public:
//
//   - POST /api/register - create an account (plus its own agent and space)
//   - POST /api/login - exchange account credentials for a session token
//   - GET /health - liveness and connection count
//
// Authenticated (Bearer session token):
//
//   - GET/POST /api/agents, DELETE /api/agents/{name}
//   - GET/POST /api/agents/{name}/spaces, DELETE /api/agents/{name}/spaces/{space}
//   - GET/POST /api/spaces, DELETE /api/spaces/{name}
//
// Membership changes and agent deletion propagate to live connections
// through the broker registry; an agent being offline is not an error.
package web
