// ABOUTME: Per-agent connection runtime: socket receive loop, bus receive loop,
// ABOUTME: command dispatch and frame relay with outbound filtering.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zencelium/zencelium/internal/bus"
	"github.com/zencelium/zencelium/internal/frame"
	"github.com/zencelium/zencelium/internal/store"
)

// Bus receive loop backoffs. The loop idles longer before authentication
// because there is nothing to deliver yet.
const (
	emptyPollBackoff       = 10 * time.Millisecond
	unauthenticatedBackoff = 100 * time.Millisecond
)

// ErrUnknownKind is returned when a client sends a frame whose kind the
// dispatcher does not recognize. It is terminal for the connection.
var ErrUnknownKind = errors.New("unknown frame kind")

// FrameConn is the transport handle a connection drives. The websocket layer
// implements it; tests substitute in-memory fakes.
type FrameConn interface {
	// ReadFrame blocks until the peer sends a frame or the transport fails.
	ReadFrame(ctx context.Context) (*frame.Frame, error)
	// WriteFrame sends one frame to the peer.
	WriteFrame(ctx context.Context, f *frame.Frame) error
	Close() error
}

type handlerFunc func(ctx context.Context, f *frame.Frame) error

// Conn is the runtime for one agent connection. It runs two loops: the
// socket loop dispatches inbound frames through the handler table, the bus
// loop forwards bus deliveries to the socket through the outbound filters.
// Either loop ending tears the whole connection down.
type Conn struct {
	sock     FrameConn
	registry *Registry
	catalog  store.Store
	sub      bus.Subscriber
	logger   *slog.Logger

	handlers map[frame.Kind]map[string]handlerFunc

	// session is the account pre-authenticated by the admin surface; when
	// set the connection logs its own agent in without a login command.
	session *store.Account

	wmu sync.Mutex // serializes socket writes

	mu         sync.Mutex // guards the fields below
	agent      *store.Agent
	account    *store.Account
	spaces     []*store.Space // live subscriptions, insertion order
	spaceUUIDs map[string]struct{}
	filters    *filters
	registered bool

	stopOnce sync.Once
	stopping chan struct{}
}

// ConnOption configures a Conn at construction.
type ConnOption func(*Conn)

// WithSession pre-authenticates the connection as the given account. On
// startup the account's own agent is logged in and an unsolicited login-ok is
// emitted.
func WithSession(account *store.Account) ConnOption {
	return func(c *Conn) {
		c.session = account
	}
}

// NewConn wires a connection runtime around a transport. The connection owns
// its subscriber and the transport; both are closed when Run returns.
func NewConn(sock FrameConn, registry *Registry, catalog store.Store, b bus.Bus, logger *slog.Logger, opts ...ConnOption) *Conn {
	c := &Conn{
		sock:       sock,
		registry:   registry,
		catalog:    catalog,
		sub:        b.NewSubscriber(),
		logger:     logger.With("component", "conn"),
		spaceUUIDs: make(map[string]struct{}),
		filters:    newFilters(),
		stopping:   make(chan struct{}),
	}
	c.handlers = map[frame.Kind]map[string]handlerFunc{
		frame.KindCommand: {
			"login":  c.cmdLogin,
			"join":   c.cmdJoin,
			"leave":  c.cmdLeave,
			"filter": c.cmdFilter,
			"*":      c.cmdUnknown,
		},
		frame.KindEvent:    {"*": c.relay},
		frame.KindMessage:  {"*": c.relay},
		frame.KindRequest:  {"*": c.relay},
		frame.KindResponse: {"*": c.relay},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stop asks the connection to shut down. Safe to call from any goroutine,
// any number of times, including before Run starts.
func (c *Conn) Stop() {
	c.stopOnce.Do(func() { close(c.stopping) })
}

// Run drives the connection until the socket closes, Stop is called, or an
// infrastructure error occurs. On exit the agent is unconditionally removed
// from the registry and the subscriber and socket are closed, regardless of
// how the loops ended.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer c.release()

	go func() {
		select {
		case <-c.stopping:
			cancel()
		case <-ctx.Done():
		}
	}()

	if c.session != nil {
		if err := c.sessionLogin(ctx); err != nil {
			return err
		}
	}

	errs := make(chan error, 2)
	go func() { errs <- c.socketLoop(ctx) }()
	go func() { errs <- c.busLoop(ctx) }()

	err := <-errs
	cancel()
	<-errs

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// release is the guaranteed cleanup region: whatever state the loops left
// behind, the agent's registration, subscriber and socket are all torn down.
func (c *Conn) release() {
	c.mu.Lock()
	agent := c.agent
	registered := c.registered
	c.registered = false
	c.mu.Unlock()

	if registered {
		if err := c.registry.Remove(agent); err != nil {
			c.logger.Warn("removing agent from registry", "error", err)
		}
	}
	if err := c.sub.Close(); err != nil {
		c.logger.Warn("closing subscriber", "error", err)
	}
	if err := c.sock.Close(); err != nil {
		c.logger.Debug("closing socket", "error", err)
	}
}

// socketLoop reads frames off the transport and dispatches them until the
// transport fails or the context ends.
func (c *Conn) socketLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := c.sock.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if err := c.dispatch(ctx, f); err != nil {
			return err
		}
	}
}

// dispatch routes one inbound frame: exact name match first, then the kind's
// wildcard handler. An unknown kind is a protocol violation that ends the
// connection; a recognized kind with no handler is dropped.
func (c *Conn) dispatch(ctx context.Context, f *frame.Frame) error {
	if !f.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(f.Kind))
	}

	table := c.handlers[f.Kind]
	handler, ok := table[f.Name]
	if !ok {
		handler, ok = table["*"]
	}
	if !ok {
		c.logger.Debug("no handler for frame", "kind", string(f.Kind), "name", f.Name)
		return nil
	}

	// Before login the only frame with any meaning is the login command.
	if !c.authenticated() && !(f.Kind == frame.KindCommand && f.Name == "login") {
		c.logger.Debug("dropping frame before login", "kind", string(f.Kind), "name", f.Name)
		return nil
	}

	return handler(ctx, f)
}

// busLoop polls the subscriber and forwards deliveries to the socket. Before
// authentication there are no subscriptions, so the loop just idles.
func (c *Conn) busLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !c.authenticated() {
			if err := sleep(ctx, unauthenticatedBackoff); err != nil {
				return err
			}
			continue
		}

		msg, err := c.sub.Next(ctx)
		if errors.Is(err, bus.ErrNoMessage) {
			if err := sleep(ctx, emptyPollBackoff); err != nil {
				return err
			}
			continue
		}
		if errors.Is(err, bus.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		f, err := frame.Decode(msg.Payload)
		if err != nil {
			c.logger.Warn("dropping undecodable bus payload", "topic", msg.Topic, "error", err)
			continue
		}

		c.mu.Lock()
		out, ok := c.filters.apply(f)
		c.mu.Unlock()
		if !ok {
			c.logger.Info("frame rejected by outbound filters", "kind", string(f.Kind), "name", f.Name)
			continue
		}

		if err := c.writeFrame(ctx, out); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Conn) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent != nil
}

func (c *Conn) writeFrame(ctx context.Context, f *frame.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.sock.WriteFrame(ctx, f)
}

// serverReply answers f on behalf of the relay itself: the reply keeps f's
// correlation uuid and is marked as originating from the "server" space.
func (c *Conn) serverReply(ctx context.Context, f *frame.Frame, name string, data map[string]any) error {
	r := f.Reply(name, data)
	r.SetMeta("space", map[string]any{"name": "server"})
	return c.writeFrame(ctx, r)
}

// attach registers the agent and subscribes its private topic. Called with
// the catalog lookups already done, from login or session-login.
func (c *Conn) attach(ctx context.Context, agent *store.Agent, account *store.Account) error {
	if err := c.registry.Add(agent, c); err != nil {
		return err
	}
	if err := c.sub.Subscribe(ctx, agent.UUID); err != nil {
		// Keep the registry consistent if the bus rejects us.
		_ = c.registry.Remove(agent)
		return err
	}

	c.mu.Lock()
	c.agent = agent
	c.account = account
	c.registered = true
	c.mu.Unlock()
	return nil
}

// cmdLogin authenticates the connection with a bearer token. A bad token gets
// a login-failed reply and ends the connection; so does a second connection
// for an agent that is already online.
func (c *Conn) cmdLogin(ctx context.Context, f *frame.Frame) error {
	if c.authenticated() {
		return c.serverReply(ctx, f, "login-ok", nil)
	}

	token := f.DataString("token")
	agent, err := c.lookupToken(ctx, token)
	if err != nil {
		return err
	}
	if agent == nil {
		c.logger.Info("login failed", "reason", "bad token")
		if err := c.writeFrame(ctx, f.Reply("login-failed", nil)); err != nil {
			return err
		}
		c.Stop()
		return nil
	}

	account, err := c.catalog.AccountByUUID(ctx, agent.AccountUUID)
	if err != nil {
		return err
	}

	if err := c.attach(ctx, agent, account); err != nil {
		if errors.Is(err, ErrAlreadyConnected) {
			c.logger.Info("login failed", "reason", "already connected", "agent", agent.Name)
			if err := c.writeFrame(ctx, f.Reply("login-failed", nil)); err != nil {
				return err
			}
			c.Stop()
			return nil
		}
		return err
	}

	c.logger.Info("login ok", "agent", agent.Name, "account", account.Name)
	return c.serverReply(ctx, f, "login-ok", nil)
}

func (c *Conn) lookupToken(ctx context.Context, token string) (*store.Agent, error) {
	if token == "" {
		return nil, nil
	}
	agent, err := c.catalog.AgentByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// sessionLogin logs in the account's own agent on behalf of a session
// authenticated upstream, then emits an unsolicited login-ok.
func (c *Conn) sessionLogin(ctx context.Context) error {
	agent, err := c.catalog.AccountAgent(ctx, c.session)
	if err != nil {
		return err
	}

	if err := c.attach(ctx, agent, c.session); err != nil {
		if errors.Is(err, ErrAlreadyConnected) {
			c.logger.Info("session login failed", "reason", "already connected", "agent", agent.Name)
			if err := c.writeFrame(ctx, frame.New(frame.KindCommand, "login-failed", nil)); err != nil {
				return err
			}
			c.Stop()
			return nil
		}
		return err
	}

	c.logger.Info("session login ok", "agent", agent.Name, "account", c.session.Name)
	notice := frame.New(frame.KindCommand, "login-ok", nil)
	notice.SetMeta("space", map[string]any{"name": "server"})
	return c.writeFrame(ctx, notice)
}

// cmdJoin subscribes the agent to the named spaces. "*" expands to every
// catalog membership. Unknown names are silently skipped by resolution.
func (c *Conn) cmdJoin(ctx context.Context, f *frame.Frame) error {
	spaces, err := c.resolveSpaces(ctx, parseSpaceNames(f.Data["spaces"]), true)
	if err != nil {
		return err
	}
	if err := c.Join(ctx, spaces); err != nil {
		return err
	}
	return c.serverReply(ctx, f, "join-ok", nil)
}

// cmdLeave unsubscribes the agent from the named spaces. "*" expands to the
// live subscription set; the agent's private topic always stays.
func (c *Conn) cmdLeave(ctx context.Context, f *frame.Frame) error {
	names := parseSpaceNames(f.Data["spaces"])

	var spaces []*store.Space
	if containsWildcard(names) {
		spaces = c.currentSpaces()
	} else {
		var err error
		spaces, err = c.resolveSpaces(ctx, names, false)
		if err != nil {
			return err
		}
	}

	if err := c.Leave(ctx, spaces); err != nil {
		return err
	}
	return c.serverReply(ctx, f, "leave-ok", nil)
}

// resolveSpaces turns a name list into catalog spaces scoped to the
// connection's account. With expandAll, "*" resolves to the agent's full
// catalog membership.
func (c *Conn) resolveSpaces(ctx context.Context, names []string, expandAll bool) ([]*store.Space, error) {
	c.mu.Lock()
	agent, account := c.agent, c.account
	c.mu.Unlock()

	if expandAll && containsWildcard(names) {
		return c.catalog.SpacesOf(ctx, agent)
	}
	if len(names) == 0 {
		return nil, nil
	}
	return c.catalog.SpacesWhere(ctx, names, account)
}

// Join adds spaces to the live subscription set. Already joined spaces are
// skipped; joining is idempotent.
func (c *Conn) Join(ctx context.Context, spaces []*store.Space) error {
	c.mu.Lock()
	fresh := make([]*store.Space, 0, len(spaces))
	topics := make([]string, 0, len(spaces))
	for _, space := range spaces {
		if _, ok := c.spaceUUIDs[space.UUID]; ok {
			continue
		}
		fresh = append(fresh, space)
		topics = append(topics, space.UUID)
	}
	c.mu.Unlock()

	if len(topics) == 0 {
		return nil
	}
	if err := c.sub.Subscribe(ctx, topics...); err != nil {
		return err
	}

	c.mu.Lock()
	for _, space := range fresh {
		if _, ok := c.spaceUUIDs[space.UUID]; ok {
			continue
		}
		c.spaceUUIDs[space.UUID] = struct{}{}
		c.spaces = append(c.spaces, space)
	}
	c.mu.Unlock()

	for _, space := range fresh {
		c.logger.Debug("joined space", "space", space.Name)
	}
	return nil
}

// Leave removes spaces from the live subscription set. Spaces not currently
// joined are skipped; leaving is idempotent.
func (c *Conn) Leave(ctx context.Context, spaces []*store.Space) error {
	c.mu.Lock()
	topics := make([]string, 0, len(spaces))
	for _, space := range spaces {
		if _, ok := c.spaceUUIDs[space.UUID]; !ok {
			continue
		}
		delete(c.spaceUUIDs, space.UUID)
		topics = append(topics, space.UUID)
	}
	if len(topics) > 0 {
		kept := c.spaces[:0]
		for _, space := range c.spaces {
			if _, ok := c.spaceUUIDs[space.UUID]; ok {
				kept = append(kept, space)
			}
		}
		c.spaces = kept
	}
	c.mu.Unlock()

	if len(topics) == 0 {
		return nil
	}
	return c.sub.Unsubscribe(ctx, topics...)
}

func (c *Conn) currentSpaces() []*store.Space {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*store.Space, len(c.spaces))
	copy(out, c.spaces)
	return out
}

// cmdFilter updates the outbound filters. data.size sets the frame size
// ceiling; data.names maps a kind to its new allowlist. Absent fields leave
// the current setting untouched.
func (c *Conn) cmdFilter(ctx context.Context, f *frame.Frame) error {
	c.mu.Lock()
	if size, ok := numberValue(f.Data["size"]); ok && size > 0 {
		c.filters.maxFrameSize = size
	}
	if names, ok := f.Data["names"].(map[string]any); ok {
		for kind, v := range names {
			list := parseSpaceNames(v)
			switch frame.Kind(kind) {
			case frame.KindEvent:
				c.filters.event.replace(list)
			case frame.KindMessage:
				c.filters.message.replace(list)
			case frame.KindRequest:
				c.filters.request.replace(list)
			}
		}
	}
	c.mu.Unlock()

	return c.serverReply(ctx, f, "filter-ok", nil)
}

func numberValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

// relay fans an inbound frame out to spaces. Explicit targets in meta.spaces
// win; otherwise the frame goes to every currently joined space. Requests
// self-subscribe their name so the matching responses pass the filters.
func (c *Conn) relay(ctx context.Context, f *frame.Frame) error {
	c.mu.Lock()
	agent := c.agent
	c.mu.Unlock()

	var targets []*store.Space
	if names := parseSpaceNames(f.Meta["spaces"]); len(names) > 0 {
		var err error
		targets, err = c.resolveSpaces(ctx, names, false)
		if err != nil {
			return err
		}
	} else {
		targets = c.currentSpaces()
	}

	f.SetMeta("source", map[string]any{"name": agent.Name})
	f.SetMeta("timestamp", time.Now().UTC().Format(time.RFC3339Nano))

	if f.Kind == frame.KindRequest {
		c.mu.Lock()
		c.filters.request.add(f.Name)
		c.mu.Unlock()
	}

	if len(targets) == 0 {
		c.logger.Warn("no target spaces for frame", "kind", string(f.Kind), "name", f.Name, "agent", agent.Name)
		return nil
	}

	return c.registry.Broadcast(ctx, f, targets)
}

// cmdUnknown answers any command without a dedicated handler.
func (c *Conn) cmdUnknown(ctx context.Context, f *frame.Frame) error {
	c.logger.Debug("unknown command", "name", f.Name)
	return c.serverReply(ctx, f, "unknown-command", map[string]any{"command": f.Name})
}
