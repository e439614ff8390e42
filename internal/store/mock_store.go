// ABOUTME: In-memory implementation of the Store interface for tests.
// ABOUTME: Mirrors the SQLite store's semantics including uniqueness rules.

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zencelium/zencelium/internal/frame"
)

// MockStore is an in-memory Store for tests. Safe for concurrent use.
type MockStore struct {
	mu          sync.RWMutex
	accounts    map[string]*Account // keyed by uuid
	agents      map[string]*Agent   // keyed by uuid
	spaces      map[string]*Space   // keyed by uuid
	memberships map[string][]string // agent uuid -> space uuids, in join order
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		accounts:    make(map[string]*Account),
		agents:      make(map[string]*Agent),
		spaces:      make(map[string]*Space),
		memberships: make(map[string][]string),
	}
}

func (m *MockStore) AgentByToken(_ context.Context, token string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if a.Token == token {
			return copyAgent(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) AccountByName(_ context.Context, name string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.Name == name {
			c := *a
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) AccountByUUID(_ context.Context, uuid string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.accounts[uuid]; ok {
		c := *a
		return &c, nil
	}
	return nil, ErrNotFound
}

func (m *MockStore) AccountAgent(ctx context.Context, account *Account) (*Agent, error) {
	return m.AgentByName(ctx, account, account.Name)
}

func (m *MockStore) SpacesOf(_ context.Context, agent *Agent) ([]*Space, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var spaces []*Space
	for _, spUUID := range m.memberships[agent.UUID] {
		if sp, ok := m.spaces[spUUID]; ok {
			c := *sp
			spaces = append(spaces, &c)
		}
	}
	return spaces, nil
}

func (m *MockStore) SpacesWhere(_ context.Context, names []string, account *Account) ([]*Space, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var spaces []*Space
	for _, name := range names {
		for _, sp := range m.spaces {
			if sp.Name == name && sp.AccountUUID == account.UUID {
				c := *sp
				spaces = append(spaces, &c)
			}
		}
	}
	return spaces, nil
}

func (m *MockStore) CreateAccount(_ context.Context, name, displayName, passwordHash string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.Name == name {
			return nil, fmt.Errorf("account %q: %w", name, ErrDuplicate)
		}
	}

	if displayName == "" {
		displayName = name
	}
	now := time.Now().UTC()
	account := &Account{
		UUID:         frame.NewUUID(),
		Name:         name,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		LastLogin:    now,
		CreatedAt:    now,
		ModifiedAt:   now,
	}
	m.accounts[account.UUID] = account

	agent := &Agent{
		UUID:        frame.NewUUID(),
		Name:        name,
		Token:       frame.NewUUID(),
		AccountUUID: account.UUID,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	m.agents[agent.UUID] = agent

	space := &Space{
		UUID:        frame.NewUUID(),
		Name:        name,
		AccountUUID: account.UUID,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	m.spaces[space.UUID] = space

	c := *account
	return &c, nil
}

func (m *MockStore) DeleteAccount(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for uuid, a := range m.accounts {
		if a.Name == name {
			delete(m.accounts, uuid)
			for agUUID, ag := range m.agents {
				if ag.AccountUUID == uuid {
					delete(m.agents, agUUID)
					delete(m.memberships, agUUID)
				}
			}
			for spUUID, sp := range m.spaces {
				if sp.AccountUUID == uuid {
					delete(m.spaces, spUUID)
				}
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *MockStore) TouchLastLogin(_ context.Context, accountUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountUUID]
	if !ok {
		return ErrNotFound
	}
	a.LastLogin = time.Now().UTC()
	return nil
}

func (m *MockStore) CreateAgent(_ context.Context, account *Account, name string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.agents {
		if a.Name == name && a.AccountUUID == account.UUID {
			return nil, fmt.Errorf("agent %q: %w", name, ErrDuplicate)
		}
	}

	now := time.Now().UTC()
	agent := &Agent{
		UUID:        frame.NewUUID(),
		Name:        name,
		Token:       frame.NewUUID(),
		AccountUUID: account.UUID,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	m.agents[agent.UUID] = agent
	return copyAgent(agent), nil
}

func (m *MockStore) DeleteAgent(_ context.Context, account *Account, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for uuid, a := range m.agents {
		if a.Name == name && a.AccountUUID == account.UUID {
			delete(m.agents, uuid)
			delete(m.memberships, uuid)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MockStore) AgentByName(_ context.Context, account *Account, name string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if a.Name == name && a.AccountUUID == account.UUID {
			return copyAgent(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) AgentsOf(_ context.Context, account *Account) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var agents []*Agent
	for _, a := range m.agents {
		if a.AccountUUID == account.UUID {
			agents = append(agents, copyAgent(a))
		}
	}
	return agents, nil
}

func (m *MockStore) CreateSpace(_ context.Context, account *Account, name string) (*Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sp := range m.spaces {
		if sp.Name == name && sp.AccountUUID == account.UUID {
			return nil, fmt.Errorf("space %q: %w", name, ErrDuplicate)
		}
	}

	now := time.Now().UTC()
	space := &Space{
		UUID:        frame.NewUUID(),
		Name:        name,
		AccountUUID: account.UUID,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	m.spaces[space.UUID] = space
	c := *space
	return &c, nil
}

func (m *MockStore) DeleteSpace(_ context.Context, account *Account, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for uuid, sp := range m.spaces {
		if sp.Name == name && sp.AccountUUID == account.UUID {
			delete(m.spaces, uuid)
			for agUUID, spUUIDs := range m.memberships {
				m.memberships[agUUID] = removeString(spUUIDs, uuid)
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *MockStore) SpaceByName(_ context.Context, account *Account, name string) (*Space, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sp := range m.spaces {
		if sp.Name == name && sp.AccountUUID == account.UUID {
			c := *sp
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) SpacesOfAccount(_ context.Context, account *Account) ([]*Space, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var spaces []*Space
	for _, sp := range m.spaces {
		if sp.AccountUUID == account.UUID {
			c := *sp
			spaces = append(spaces, &c)
		}
	}
	return spaces, nil
}

func (m *MockStore) AgentJoinSpace(_ context.Context, agent *Agent, spaceName string) (*Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var space *Space
	for _, sp := range m.spaces {
		if sp.Name == spaceName && sp.AccountUUID == agent.AccountUUID {
			space = sp
			break
		}
	}
	if space == nil {
		return nil, ErrNotFound
	}

	for _, spUUID := range m.memberships[agent.UUID] {
		if spUUID == space.UUID {
			c := *space
			return &c, nil
		}
	}
	m.memberships[agent.UUID] = append(m.memberships[agent.UUID], space.UUID)
	c := *space
	return &c, nil
}

func (m *MockStore) AgentLeaveSpace(_ context.Context, agent *Agent, spaceName string) (*Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var space *Space
	for _, sp := range m.spaces {
		if sp.Name == spaceName && sp.AccountUUID == agent.AccountUUID {
			space = sp
			break
		}
	}
	if space == nil {
		return nil, ErrNotFound
	}

	before := len(m.memberships[agent.UUID])
	m.memberships[agent.UUID] = removeString(m.memberships[agent.UUID], space.UUID)
	if len(m.memberships[agent.UUID]) == before {
		return nil, fmt.Errorf("space %q: %w", spaceName, ErrNotMember)
	}
	c := *space
	return &c, nil
}

func (m *MockStore) Close() error {
	return nil
}

func copyAgent(a *Agent) *Agent {
	c := *a
	return &c
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
