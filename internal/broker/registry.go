// ABOUTME: Registry of live agent connections and the publish entry points.
// ABOUTME: Admin surfaces reach connected agents through it to push membership changes.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zencelium/zencelium/internal/bus"
	"github.com/zencelium/zencelium/internal/frame"
	"github.com/zencelium/zencelium/internal/store"
)

// Registry errors
var (
	// ErrAlreadyConnected is returned when an agent that already holds a
	// live connection tries to register a second one.
	ErrAlreadyConnected = errors.New("agent already connected")

	// ErrNotConnected is returned for operations on an agent with no live
	// connection.
	ErrNotConnected = errors.New("agent not connected")
)

// Registry tracks at most one live connection per agent uuid and owns the
// process-wide publish side of the bus. Map operations hold the lock only for
// the map access itself; bus and connection I/O happens outside it.
type Registry struct {
	publisher bus.Publisher
	logger    *slog.Logger

	mu     sync.RWMutex
	agents map[string]*Conn
}

// NewRegistry creates an empty registry publishing through pub.
func NewRegistry(pub bus.Publisher, logger *slog.Logger) *Registry {
	return &Registry{
		publisher: pub,
		logger:    logger.With("component", "registry"),
		agents:    make(map[string]*Conn),
	}
}

// Add registers conn as the live connection for agent.
// Returns ErrAlreadyConnected if the agent already has one.
func (r *Registry) Add(agent *store.Agent, conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agent.UUID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, agent.Name)
	}
	r.agents[agent.UUID] = conn
	r.logger.Info("agent connected", "agent", agent.Name, "uuid", agent.UUID)
	return nil
}

// Remove drops the agent's registration. Returns ErrNotConnected if absent.
func (r *Registry) Remove(agent *store.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agent.UUID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, agent.Name)
	}
	delete(r.agents, agent.UUID)
	r.logger.Info("agent disconnected", "agent", agent.Name, "uuid", agent.UUID)
	return nil
}

// IsConnected reports whether the agent has a live connection.
func (r *Registry) IsConnected(agent *store.Agent) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agent.UUID]
	return ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) conn(agent *store.Agent) (*Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.agents[agent.UUID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, agent.Name)
	}
	return c, nil
}

// Join adds spaces to the agent's live subscription set, as if the agent had
// joined them itself. Used by the admin surface after a membership change.
func (r *Registry) Join(ctx context.Context, agent *store.Agent, spaces []*store.Space) error {
	c, err := r.conn(agent)
	if err != nil {
		return err
	}
	return c.Join(ctx, spaces)
}

// Leave removes spaces from the agent's live subscription set.
func (r *Registry) Leave(ctx context.Context, agent *store.Agent, spaces []*store.Space) error {
	c, err := r.conn(agent)
	if err != nil {
		return err
	}
	return c.Leave(ctx, spaces)
}

// Close asks the agent's connection to shut down. The connection removes
// itself from the registry on the way out.
func (r *Registry) Close(agent *store.Agent) error {
	c, err := r.conn(agent)
	if err != nil {
		return err
	}
	c.Stop()
	return nil
}

// PublishToAgent delivers a frame to one agent's private topic.
func (r *Registry) PublishToAgent(ctx context.Context, f *frame.Frame, agent *store.Agent) error {
	payload, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return r.publisher.Publish(ctx, agent.UUID, payload)
}

// PublishToSpace delivers a frame to every subscriber of a space. The frame's
// meta gains the target space name so receivers can tell which of their
// spaces it arrived on.
func (r *Registry) PublishToSpace(ctx context.Context, f *frame.Frame, space *store.Space) error {
	f.SetMeta("space", map[string]any{"name": space.Name})
	payload, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return r.publisher.Publish(ctx, space.UUID, payload)
}

// Broadcast publishes a frame to each space in order. Each delivery carries
// that space's name in meta.
func (r *Registry) Broadcast(ctx context.Context, f *frame.Frame, spaces []*store.Space) error {
	for _, space := range spaces {
		if err := r.PublishToSpace(ctx, f, space); err != nil {
			return fmt.Errorf("broadcasting to space %s: %w", space.Name, err)
		}
	}
	return nil
}
