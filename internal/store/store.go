// ABOUTME: Store interface and entity types for the zencelium catalog.
// ABOUTME: Persists accounts, agents, spaces and agent-space memberships.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a uniqueness constraint would be violated:
// account names globally, agent tokens globally, agent and space names per
// account.
var ErrDuplicate = errors.New("already exists")

// ErrNotMember is returned when removing an agent from a space it never joined.
var ErrNotMember = errors.New("agent is not a member of space")

// Account is an authentication principal. It owns agents and spaces.
type Account struct {
	UUID         string
	Name         string
	DisplayName  string
	PasswordHash string
	LastLogin    time.Time
	CreatedAt    time.Time
	ModifiedAt   time.Time
}

// Space is a named multicast group scoped to one account.
type Space struct {
	UUID        string
	Name        string
	AccountUUID string
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// Agent is an identity that connects and relays frames on behalf of an
// account. Token is the bearer credential presented at login.
type Agent struct {
	UUID        string
	Name        string
	Token       string
	AccountUUID string
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// Store is the catalog consumed by the relay core and mutated by the admin
// surface. The broker only reads; every mutation originates in internal/web
// or the CLI.
type Store interface {
	// AgentByToken resolves a bearer token to its agent. It is called on
	// every login attempt; results are never cached.
	AgentByToken(ctx context.Context, token string) (*Agent, error)
	AccountByName(ctx context.Context, name string) (*Account, error)
	AccountByUUID(ctx context.Context, uuid string) (*Account, error)
	// AccountAgent returns the account's own agent (same name as the
	// account), used by session-login on the websocket.
	AccountAgent(ctx context.Context, account *Account) (*Agent, error)
	// SpacesOf lists the catalog memberships of an agent.
	SpacesOf(ctx context.Context, agent *Agent) ([]*Space, error)
	// SpacesWhere resolves names to spaces scoped to one account.
	// Unknown names are silently omitted.
	SpacesWhere(ctx context.Context, names []string, account *Account) ([]*Space, error)

	// Account lifecycle. CreateAccount also creates the account's own agent
	// and own space, both named after the account.
	CreateAccount(ctx context.Context, name, displayName, passwordHash string) (*Account, error)
	DeleteAccount(ctx context.Context, name string) error
	TouchLastLogin(ctx context.Context, accountUUID string) error

	// Agent CRUD, scoped to an account.
	CreateAgent(ctx context.Context, account *Account, name string) (*Agent, error)
	DeleteAgent(ctx context.Context, account *Account, name string) error
	AgentByName(ctx context.Context, account *Account, name string) (*Agent, error)
	AgentsOf(ctx context.Context, account *Account) ([]*Agent, error)

	// Space CRUD, scoped to an account.
	CreateSpace(ctx context.Context, account *Account, name string) (*Space, error)
	DeleteSpace(ctx context.Context, account *Account, name string) error
	SpaceByName(ctx context.Context, account *Account, name string) (*Space, error)
	SpacesOfAccount(ctx context.Context, account *Account) ([]*Space, error)

	// Memberships. The space is resolved by name within the agent's own
	// account, which keeps agent and space on the same side of the tenant
	// boundary.
	AgentJoinSpace(ctx context.Context, agent *Agent, spaceName string) (*Space, error)
	AgentLeaveSpace(ctx context.Context, agent *Agent, spaceName string) (*Space, error)

	Close() error
}
