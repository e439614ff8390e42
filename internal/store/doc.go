// Package store persists the catalog: accounts, agents, spaces and
// agent-space memberships.
//
// The Store interface is consumed read-only by the relay core and mutated by
// the admin API and the CLI. SQLiteStore is the production implementation;
// MockStore backs tests. Creating an account also creates the account's own
// agent and own space, both named after the account, so every account can
// connect and relay immediately.
//
// Uniqueness rules: account names and agent tokens are global; agent and
// space names are unique per account.
package store
