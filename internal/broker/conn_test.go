// ABOUTME: End-to-end tests of the connection runtime over a fake transport.
// ABOUTME: Drives login, join/leave, filtering and relay through real bus fan-out.

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zencelium/zencelium/internal/bus"
	"github.com/zencelium/zencelium/internal/frame"
	"github.com/zencelium/zencelium/internal/store"
)

const waitFor = 2 * time.Second

// fakeSock is an in-memory FrameConn driven by the test as the client side.
type fakeSock struct {
	inbound  chan *frame.Frame
	outbound chan *frame.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSock() *fakeSock {
	return &fakeSock{
		inbound:  make(chan *frame.Frame, 16),
		outbound: make(chan *frame.Frame, 64),
		closed:   make(chan struct{}),
	}
}

func (s *fakeSock) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, io.EOF
	case f := <-s.inbound:
		return f, nil
	}
}

func (s *fakeSock) WriteFrame(ctx context.Context, f *frame.Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return io.EOF
	case s.outbound <- f:
		return nil
	}
}

func (s *fakeSock) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// send delivers a frame as if the client wrote it.
func (s *fakeSock) send(t *testing.T, f *frame.Frame) {
	t.Helper()
	select {
	case s.inbound <- f:
	case <-time.After(waitFor):
		t.Fatal("timed out sending frame")
	}
}

// recv waits for the next frame the server wrote.
func (s *fakeSock) recv(t *testing.T) *frame.Frame {
	t.Helper()
	select {
	case f := <-s.outbound:
		return f
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// expectNone asserts the server writes nothing for the given window.
func (s *fakeSock) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-s.outbound:
		t.Fatalf("unexpected frame: %s/%s", f.Kind, f.Name)
	case <-time.After(d):
	}
}

type env struct {
	t        *testing.T
	registry *Registry
	catalog  *store.MockStore
	bus      *bus.Memory
	logger   *slog.Logger
}

func newEnv(t *testing.T) *env {
	b := bus.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &env{
		t:        t,
		registry: NewRegistry(b, logger),
		catalog:  store.NewMockStore(),
		bus:      b,
		logger:   logger,
	}
}

func (e *env) account(name string) (*store.Account, *store.Agent) {
	e.t.Helper()
	ctx := context.Background()
	account, err := e.catalog.CreateAccount(ctx, name, "", "hash")
	require.NoError(e.t, err)
	agent, err := e.catalog.AccountAgent(ctx, account)
	require.NoError(e.t, err)
	return account, agent
}

func (e *env) agent(account *store.Account, name string) *store.Agent {
	e.t.Helper()
	agent, err := e.catalog.CreateAgent(context.Background(), account, name)
	require.NoError(e.t, err)
	return agent
}

func (e *env) space(account *store.Account, name string) *store.Space {
	e.t.Helper()
	space, err := e.catalog.CreateSpace(context.Background(), account, name)
	require.NoError(e.t, err)
	return space
}

func (e *env) member(agent *store.Agent, spaceName string) {
	e.t.Helper()
	_, err := e.catalog.AgentJoinSpace(context.Background(), agent, spaceName)
	require.NoError(e.t, err)
}

func (e *env) start(opts ...ConnOption) (*fakeSock, *Conn, chan error) {
	sock := newFakeSock()
	c := NewConn(sock, e.registry, e.catalog, e.bus, e.logger, opts...)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	return sock, c, done
}

func cmd(name, uuid string, data map[string]any) *frame.Frame {
	return &frame.Frame{Kind: frame.KindCommand, Name: name, UUID: uuid, Data: data}
}

func login(t *testing.T, sock *fakeSock, token string) {
	t.Helper()
	sock.send(t, cmd("login", "c-login", map[string]any{"token": token}))
	reply := sock.recv(t)
	require.Equal(t, "login-ok", reply.Name)
}

func join(t *testing.T, sock *fakeSock, spaces string) {
	t.Helper()
	sock.send(t, cmd("join", "c-join", map[string]any{"spaces": spaces}))
	reply := sock.recv(t)
	require.Equal(t, "join-ok", reply.Name)
}

func metaName(t *testing.T, f *frame.Frame, key string) string {
	t.Helper()
	record, ok := f.Meta[key].(map[string]any)
	require.True(t, ok, "meta.%s missing or not a record", key)
	name, _ := record["name"].(string)
	return name
}

// nextFrame polls a raw bus subscriber until a frame arrives.
func nextFrame(t *testing.T, sub bus.Subscriber) *frame.Frame {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		msg, err := sub.Next(context.Background())
		if errors.Is(err, bus.ErrNoMessage) {
			select {
			case <-deadline:
				t.Fatal("timed out waiting for bus message")
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}
		require.NoError(t, err)
		f, err := frame.Decode(msg.Payload)
		require.NoError(t, err)
		return f
	}
}

func TestConn_Login(t *testing.T) {
	e := newEnv(t)
	_, alice := e.account("alice")

	sock, _, _ := e.start()
	sock.send(t, cmd("login", "c1", map[string]any{"token": alice.Token}))

	reply := sock.recv(t)
	assert.Equal(t, frame.KindCommand, reply.Kind)
	assert.Equal(t, "login-ok", reply.Name)
	assert.Equal(t, "c1", reply.UUID)
	assert.Equal(t, "server", metaName(t, reply, "space"))

	assert.True(t, e.registry.IsConnected(alice))
}

func TestConn_LoginBadToken(t *testing.T) {
	e := newEnv(t)
	e.account("alice")

	sock, _, done := e.start()
	sock.send(t, cmd("login", "c2", map[string]any{"token": "BAD"}))

	reply := sock.recv(t)
	assert.Equal(t, "login-failed", reply.Name)
	assert.Equal(t, "c2", reply.UUID)
	assert.Nil(t, reply.Meta)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("connection did not stop after failed login")
	}
	assert.Equal(t, 0, e.registry.Count())
}

func TestConn_SecondLoginRejected(t *testing.T) {
	e := newEnv(t)
	_, alice := e.account("alice")

	first, _, _ := e.start()
	login(t, first, alice.Token)

	second, _, done := e.start()
	second.send(t, cmd("login", "c1", map[string]any{"token": alice.Token}))

	reply := second.recv(t)
	assert.Equal(t, "login-failed", reply.Name)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("second connection did not stop")
	}

	// The original connection is unaffected.
	assert.True(t, e.registry.IsConnected(alice))
	assert.Equal(t, 1, e.registry.Count())
}

func TestConn_JoinWildcard(t *testing.T) {
	e := newEnv(t)
	account, alice := e.account("alice")
	x := e.space(account, "x")
	y := e.space(account, "y")
	e.member(alice, "x")
	e.member(alice, "y")

	sock, _, _ := e.start()
	login(t, sock, alice.Token)

	sock.send(t, cmd("join", "c3", map[string]any{"spaces": "*"}))
	reply := sock.recv(t)
	assert.Equal(t, "join-ok", reply.Name)
	assert.Equal(t, "c3", reply.UUID)
	assert.Equal(t, "server", metaName(t, reply, "space"))

	// Both space topics are now live.
	require.NoError(t, e.registry.PublishToSpace(context.Background(),
		frame.New(frame.KindEvent, "on-x", nil), x))
	assert.Equal(t, "on-x", sock.recv(t).Name)

	require.NoError(t, e.registry.PublishToSpace(context.Background(),
		frame.New(frame.KindEvent, "on-y", nil), y))
	assert.Equal(t, "on-y", sock.recv(t).Name)
}

func TestConn_RelayEvent(t *testing.T) {
	e := newEnv(t)
	account, alice := e.account("alice")
	bob := e.agent(account, "bob")
	e.space(account, "x")
	e.member(alice, "x")
	e.member(bob, "x")

	aliceSock, _, _ := e.start()
	login(t, aliceSock, alice.Token)
	join(t, aliceSock, "x")

	bobSock, _, _ := e.start()
	login(t, bobSock, bob.Token)
	join(t, bobSock, "x")

	aliceSock.send(t, &frame.Frame{
		Kind: frame.KindEvent,
		Name: "ping",
		UUID: "c4",
		Data: map[string]any{"n": 1},
	})

	got := bobSock.recv(t)
	assert.Equal(t, frame.KindEvent, got.Kind)
	assert.Equal(t, "ping", got.Name)
	assert.Equal(t, "c4", got.UUID)
	assert.Equal(t, float64(1), got.Data["n"])
	assert.Equal(t, "alice", metaName(t, got, "source"))
	assert.Equal(t, "x", metaName(t, got, "space"))

	ts, _ := got.Meta["timestamp"].(string)
	require.NotEmpty(t, ts)
	_, err := time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestConn_RelayExplicitTargets(t *testing.T) {
	e := newEnv(t)
	account, alice := e.account("alice")
	x := e.space(account, "x")
	e.member(alice, "x")

	sock, _, _ := e.start()
	login(t, sock, alice.Token)
	// Not joined to x; the frame names it explicitly.

	tap := e.bus.NewSubscriber()
	require.NoError(t, tap.Subscribe(context.Background(), x.UUID))
	defer tap.Close()

	f := frame.New(frame.KindMessage, "hello", map[string]any{"text": "hi"})
	f.SetMeta("spaces", "x")
	sock.send(t, f)

	got := nextFrame(t, tap)
	assert.Equal(t, "hello", got.Name)
	assert.Equal(t, "alice", metaName(t, got, "source"))
	assert.Equal(t, "x", metaName(t, got, "space"))
}

func TestConn_RelayCrossAccountNameIgnored(t *testing.T) {
	e := newEnv(t)
	_, alice := e.account("alice")
	other, _ := e.account("carol")
	shared := e.space(other, "shared")

	sock, _, _ := e.start()
	login(t, sock, alice.Token)

	tap := e.bus.NewSubscriber()
	require.NoError(t, tap.Subscribe(context.Background(), shared.UUID))
	defer tap.Close()

	// "shared" belongs to carol; alice's resolution must not find it.
	f := frame.New(frame.KindEvent, "leak", nil)
	f.SetMeta("spaces", "shared")
	sock.send(t, f)

	time.Sleep(100 * time.Millisecond)
	_, err := tap.Next(context.Background())
	assert.ErrorIs(t, err, bus.ErrNoMessage)
}

func TestConn_FilterSizeReject(t *testing.T) {
	e := newEnv(t)
	account, alice := e.account("alice")
	x := e.space(account, "x")
	e.member(alice, "x")

	sock, _, _ := e.start()
	login(t, sock, alice.Token)
	join(t, sock, "x")

	sock.send(t, cmd("filter", "c5", map[string]any{"size": float64(300)}))
	reply := sock.recv(t)
	require.Equal(t, "filter-ok", reply.Name)
	assert.Equal(t, "server", metaName(t, reply, "space"))

	big := frame.New(frame.KindEvent, "dump", map[string]any{
		"blob": strings.Repeat("x", 400),
	})
	require.NoError(t, e.registry.PublishToSpace(context.Background(), big, x))
	sock.expectNone(t, 150*time.Millisecond)

	small := frame.New(frame.KindEvent, "ping", nil)
	require.NoError(t, e.registry.PublishToSpace(context.Background(), small, x))
	assert.Equal(t, "ping", sock.recv(t).Name)
}

func TestConn_SmallFramesStripped(t *testing.T) {
	e := newEnv(t)
	account, alice := e.account("alice")
	x := e.space(account, "x")
	e.member(alice, "x")

	sock, _, _ := e.start()
	login(t, sock, alice.Token)
	join(t, sock, "x")

	sock.send(t, cmd("filter", "c6", map[string]any{"size": float64(256)}))
	require.Equal(t, "filter-ok", sock.recv(t).Name)

	f := frame.New(frame.KindEvent, "ping", map[string]any{"n": 1})
	require.NoError(t, e.registry.PublishToSpace(context.Background(), f, x))

	got := sock.recv(t)
	assert.Equal(t, "ping", got.Name)
	assert.Empty(t, got.UUID)
	assert.Nil(t, got.Meta)
	assert.Equal(t, float64(1), got.Data["n"])
}

func TestConn_RequestSelfSubscription(t *testing.T) {
	e := newEnv(t)
	account, alice := e.account("alice")
	e.space(account, "x")
	e.member(alice, "x")

	sock, _, _ := e.start()
	login(t, sock, alice.Token)
	join(t, sock, "x")

	// Narrow the request filter so nothing passes by default.
	sock.send(t, cmd("filter", "c7", map[string]any{
		"names": map[string]any{"request": []any{"unrelated"}},
	}))
	require.Equal(t, "filter-ok", sock.recv(t).Name)

	resp := frame.New(frame.KindResponse, "lookup", nil)
	require.NoError(t, e.registry.PublishToAgent(context.Background(), resp, alice))
	sock.expectNone(t, 150*time.Millisecond)

	// Emitting the request allowlists its name for the response.
	sock.send(t, frame.New(frame.KindRequest, "lookup", map[string]any{"q": "a"}))
	// The request fans back to alice through x; drain it.
	got := sock.recv(t)
	require.Equal(t, frame.KindRequest, got.Kind)

	resp = frame.New(frame.KindResponse, "lookup", map[string]any{"answer": "b"})
	require.NoError(t, e.registry.PublishToAgent(context.Background(), resp, alice))
	got = sock.recv(t)
	assert.Equal(t, frame.KindResponse, got.Kind)
	assert.Equal(t, "lookup", got.Name)
}

func TestConn_LeaveWildcard(t *testing.T) {
	e := newEnv(t)
	account, alice := e.account("alice")
	x := e.space(account, "x")
	y := e.space(account, "y")
	e.member(alice, "x")
	e.member(alice, "y")

	sock, _, _ := e.start()
	login(t, sock, alice.Token)
	join(t, sock, "x,y")

	sock.send(t, cmd("leave", "c8", map[string]any{"spaces": "*"}))
	reply := sock.recv(t)
	assert.Equal(t, "leave-ok", reply.Name)

	require.NoError(t, e.registry.PublishToSpace(context.Background(),
		frame.New(frame.KindEvent, "after-leave", nil), x))
	require.NoError(t, e.registry.PublishToSpace(context.Background(),
		frame.New(frame.KindEvent, "after-leave", nil), y))
	sock.expectNone(t, 150*time.Millisecond)

	// Leaving again is observably the same.
	sock.send(t, cmd("leave", "c9", map[string]any{"spaces": "*"}))
	assert.Equal(t, "leave-ok", sock.recv(t).Name)

	// The agent's own topic survives leave.
	require.NoError(t, e.registry.PublishToAgent(context.Background(),
		frame.New(frame.KindEvent, "direct", nil), alice))
	assert.Equal(t, "direct", sock.recv(t).Name)
}

func TestConn_JoinIdempotent(t *testing.T) {
	e := newEnv(t)
	account, alice := e.account("alice")
	x := e.space(account, "x")
	e.member(alice, "x")

	sock, _, _ := e.start()
	login(t, sock, alice.Token)
	join(t, sock, "x")
	join(t, sock, "x")

	require.NoError(t, e.registry.PublishToSpace(context.Background(),
		frame.New(frame.KindEvent, "once", nil), x))
	assert.Equal(t, "once", sock.recv(t).Name)
	sock.expectNone(t, 150*time.Millisecond)
}

func TestConn_UnknownCommand(t *testing.T) {
	e := newEnv(t)
	_, alice := e.account("alice")

	sock, _, _ := e.start()
	login(t, sock, alice.Token)

	sock.send(t, cmd("frobnicate", "c10", nil))
	reply := sock.recv(t)
	assert.Equal(t, "unknown-command", reply.Name)
	assert.Equal(t, "c10", reply.UUID)
	assert.Equal(t, "frobnicate", reply.Data["command"])
}

func TestConn_UnknownKindTerminates(t *testing.T) {
	e := newEnv(t)
	_, alice := e.account("alice")

	sock, _, done := e.start()
	login(t, sock, alice.Token)

	sock.send(t, &frame.Frame{Kind: "bogus", Name: "x"})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnknownKind)
	case <-time.After(waitFor):
		t.Fatal("connection survived unknown kind")
	}
	assert.Equal(t, 0, e.registry.Count())
}

func TestConn_RelayBeforeLoginDropped(t *testing.T) {
	e := newEnv(t)
	_, alice := e.account("alice")

	sock, _, _ := e.start()
	sock.send(t, frame.New(frame.KindEvent, "early", nil))
	sock.send(t, cmd("join", "c0", map[string]any{"spaces": "x"}))
	sock.expectNone(t, 150*time.Millisecond)

	// The connection is still usable.
	login(t, sock, alice.Token)
}

func TestConn_StopCleansUp(t *testing.T) {
	e := newEnv(t)
	account, alice := e.account("alice")
	e.space(account, "x")
	e.member(alice, "x")

	sock, c, done := e.start()
	login(t, sock, alice.Token)
	join(t, sock, "x")

	c.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("connection did not stop")
	}

	assert.False(t, e.registry.IsConnected(alice))
	assert.Equal(t, 0, e.registry.Count())
}

func TestConn_RegistryClose(t *testing.T) {
	e := newEnv(t)
	_, alice := e.account("alice")

	sock, _, done := e.start()
	login(t, sock, alice.Token)

	require.NoError(t, e.registry.Close(alice))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("connection did not stop on registry close")
	}
	assert.False(t, e.registry.IsConnected(alice))
}

func TestConn_SessionLogin(t *testing.T) {
	e := newEnv(t)
	account, alice := e.account("alice")

	sock, _, _ := e.start(WithSession(account))

	notice := sock.recv(t)
	assert.Equal(t, frame.KindCommand, notice.Kind)
	assert.Equal(t, "login-ok", notice.Name)
	assert.Equal(t, "server", metaName(t, notice, "space"))

	assert.True(t, e.registry.IsConnected(alice))
}

func TestConn_RegistryJoinWhileConnected(t *testing.T) {
	e := newEnv(t)
	account, alice := e.account("alice")
	x := e.space(account, "x")
	e.member(alice, "x")

	sock, _, _ := e.start()
	login(t, sock, alice.Token)

	// Admin-side join reaches the live connection.
	require.NoError(t, e.registry.Join(context.Background(), alice, []*store.Space{x}))

	require.NoError(t, e.registry.PublishToSpace(context.Background(),
		frame.New(frame.KindEvent, "pushed", nil), x))
	assert.Equal(t, "pushed", sock.recv(t).Name)

	require.NoError(t, e.registry.Leave(context.Background(), alice, []*store.Space{x}))
	require.NoError(t, e.registry.PublishToSpace(context.Background(),
		frame.New(frame.KindEvent, "gone", nil), x))
	sock.expectNone(t, 150*time.Millisecond)
}
