// Package broker implements the relay core: the per-agent connection runtime
// and the registry of live connections.
//
// # Connection lifecycle
//
// Every transport connection gets one Conn. A Conn runs two loops until
// either one ends:
//
//   - socket loop: reads frames from the client and dispatches them through
//     a per-kind handler table with a "*" wildcard fallback
//   - bus loop: polls the connection's bus subscriber and forwards deliveries
//     to the client, subject to the outbound filters
//
// A connection authenticates with a login command carrying a bearer token,
// or arrives pre-authenticated with a session from the web layer. On
// success the agent is registered and its private uuid topic subscribed.
// Whatever ends the connection, the release region removes the registry
// entry and closes the subscriber and socket.
//
// # Frame routing
//
// Commands (login, join, leave, filter) are handled locally and answered on
// the socket. Every other kind is relayed: the frame's meta gains the
// sending agent's name and a UTC timestamp, and the frame is published once
// per target space. Targets come from meta.spaces when present, otherwise
// from the connection's currently joined spaces.
//
// # Outbound filters
//
// Each connection filters what it is willing to receive: a frame size
// ceiling (default 1024 bytes) and per-kind name allowlists (default
// permit-all). Requests and responses share one allowlist; emitting a
// request automatically allows its name so the matching response gets
// through. A ceiling of 256 bytes or less switches the connection to
// small-frames mode, where the correlation uuid and meta are stripped
// before the size check.
//
// # Topics
//
// Topic names are catalog uuids: an agent's own uuid for direct delivery,
// a space's uuid for fan-out. The bus treats them as opaque strings.
package broker
