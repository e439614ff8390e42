// Package auth covers account credentials: password hashing and the JWT
// session tokens used by the admin API and websocket session-login.
package auth
