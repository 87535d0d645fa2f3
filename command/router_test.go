package command

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arinova/agentbridge/backend"
	"github.com/arinova/agentbridge/session"
)

type stubProcess struct {
	params session.ProcessParams

	mu      sync.Mutex
	alive   bool
	busy    bool
	aborted int
	id      string
	cost    float64
}

func (s *stubProcess) Start() error { s.mu.Lock(); defer s.mu.Unlock(); s.alive = true; return nil }
func (s *stubProcess) Stop()        { s.mu.Lock(); defer s.mu.Unlock(); s.alive = false }
func (s *stubProcess) Restart() error {
	return s.Start()
}

func (s *stubProcess) SendMessage(ctx context.Context, text string, sink backend.DeltaSink) (*backend.TurnResult, error) {
	return &backend.TurnResult{Text: "ok"}, nil
}

func (s *stubProcess) AbortTurn()  { s.mu.Lock(); defer s.mu.Unlock(); s.aborted++ }
func (s *stubProcess) Alive() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.alive }
func (s *stubProcess) Busy() bool  { s.mu.Lock(); defer s.mu.Unlock(); return s.busy }

func (s *stubProcess) Kind() backend.Kind { return s.params.Kind }

func (s *stubProcess) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return s.id
	}
	return s.params.ResumeID
}

func (s *stubProcess) Cwd() string        { return s.params.Cwd }
func (s *stubProcess) Model() string      { return s.params.Model }
func (s *stubProcess) TotalCost() float64 { s.mu.Lock(); defer s.mu.Unlock(); return s.cost }

type stubFactory struct {
	mu    sync.Mutex
	built []*stubProcess
}

func (f *stubFactory) new(p session.ProcessParams) backend.Process {
	sp := &stubProcess{params: p}
	f.mu.Lock()
	f.built = append(f.built, sp)
	f.mu.Unlock()
	return sp
}

func (f *stubFactory) last() *stubProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[len(f.built)-1]
}

type routerFixture struct {
	router   *Router
	registry *session.Registry
	store    *session.Store
	prefs    *Prefs
	factory  *stubFactory
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()
	store := session.NewStore(session.StoreOptions{
		Path: filepath.Join(t.TempDir(), "bridge-sessions.json"),
	})
	factory := &stubFactory{}
	registry := session.NewRegistry(session.Options{
		EphemeralModels: []string{"m-e"},
		Store:           store,
		Factory:         factory.new,
	})
	t.Cleanup(registry.StopAll)
	prefs := NewPrefs()
	router := NewRouter(RouterOptions{
		Registry:    registry,
		Store:       store,
		Prefs:       prefs,
		KnownModels: []string{"opus", "m-e"},
		DefaultCwd:  "/work",
	})
	return &routerFixture{router: router, registry: registry, store: store, prefs: prefs, factory: factory}
}

func TestHandlePassesThroughNonCommands(t *testing.T) {
	fx := newFixture(t)
	for _, text := range []string{"hello", "  plain prompt", "/frobnicate", "/"} {
		_, handled := fx.router.Handle("conv", text)
		assert.False(t, handled, "%q must pass through", text)
	}
}

func TestHandleIsCaseInsensitive(t *testing.T) {
	fx := newFixture(t)
	reply, handled := fx.router.Handle("conv", "/HELP")
	assert.True(t, handled)
	assert.Contains(t, reply, "/resume")
}

func TestNewCommand(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.registry.CreateSession("conv", session.CreateParams{})
	require.NoError(t, err)
	fx.store.Persist("conv", session.PersistedEntry{SessionID: "S1", Backend: "persistent"})

	dir := t.TempDir()
	reply, handled := fx.router.Handle("conv", "/new "+dir)
	assert.True(t, handled)
	assert.Equal(t, "Opened new session, cwd="+dir, reply)

	assert.Equal(t, dir, fx.prefs.Cwd("conv"))
	_, ok := fx.registry.GetSession("conv")
	assert.False(t, ok, "session destroyed")
	_, ok = fx.store.Get("conv")
	assert.False(t, ok, "persisted state cleared")
}

func TestNewCommandRejectsMissingDir(t *testing.T) {
	fx := newFixture(t)
	reply, handled := fx.router.Handle("conv", "/new /does/not/exist")
	assert.True(t, handled)
	assert.Contains(t, reply, "does not exist")
	assert.Empty(t, fx.prefs.Cwd("conv"))
}

func TestNewCommandDefaultCwd(t *testing.T) {
	fx := newFixture(t)
	reply, _ := fx.router.Handle("conv", "/new")
	assert.Equal(t, "Opened new session, cwd=/work", reply)
}

func TestSessionsCommand(t *testing.T) {
	fx := newFixture(t)

	reply, handled := fx.router.Handle("conv", "/sessions")
	assert.True(t, handled)
	assert.Equal(t, "No sessions.", reply)

	_, err := fx.registry.CreateSession("conv", session.CreateParams{Model: "opus", Cwd: "/w"})
	require.NoError(t, err)
	fx.factory.last().id = "0123456789abcdef"

	reply, _ = fx.router.Handle("conv", "/sessions")
	assert.Contains(t, reply, "CONVERSATION")
	assert.Contains(t, reply, "persistent")
	assert.Contains(t, reply, "01234567")
	assert.NotContains(t, reply, "0123456789abcdef", "session ids are shown as prefixes")
	assert.Contains(t, reply, "idle")
}

func TestStatusCommand(t *testing.T) {
	fx := newFixture(t)
	reply, _ := fx.router.Handle("conv", "/status")
	assert.Equal(t, "No active session.", reply)

	_, err := fx.registry.CreateSession("conv", session.CreateParams{Model: "opus", Cwd: "/w"})
	require.NoError(t, err)
	fx.factory.last().id = "0123456789abcdef"
	fx.factory.last().cost = 1.5

	reply, _ = fx.router.Handle("conv", "/status")
	assert.Contains(t, reply, "Backend: persistent")
	assert.Contains(t, reply, "Cwd: /w")
	assert.Contains(t, reply, "Session: 01234567")
	assert.Contains(t, reply, "Model: opus")
	assert.Contains(t, reply, "Cost: $1.5000")
}

func TestStopCommand(t *testing.T) {
	fx := newFixture(t)
	reply, _ := fx.router.Handle("conv", "/stop")
	assert.Equal(t, "No turn in flight.", reply)

	_, err := fx.registry.CreateSession("conv", session.CreateParams{})
	require.NoError(t, err)
	proc := fx.factory.last()
	proc.busy = true

	reply, _ = fx.router.Handle("conv", "/stop")
	assert.Equal(t, "Aborted.", reply)
	assert.Equal(t, 1, proc.aborted)
}

func TestResumeCommand(t *testing.T) {
	fx := newFixture(t)

	reply, _ := fx.router.Handle("conv", "/resume")
	assert.Contains(t, reply, "Usage:")

	_, err := fx.registry.CreateSession("conv", session.CreateParams{Cwd: "/w"})
	require.NoError(t, err)
	fx.factory.last().id = "abcd1234full"
	fx.registry.DestroySession("conv")

	reply, _ = fx.router.Handle("conv", "/resume zzzz")
	assert.Contains(t, reply, "no session matches")

	reply, _ = fx.router.Handle("conv", "/resume abcd")
	assert.Contains(t, reply, "Resumed session abcd1234")
	assert.Equal(t, "abcd1234full", fx.factory.last().params.ResumeID)
}

func TestResumeAmbiguousPrefix(t *testing.T) {
	fx := newFixture(t)
	for i, id := range []string{"aa-one", "aa-two"} {
		conv := string(rune('a' + i))
		_, err := fx.registry.CreateSession(conv, session.CreateParams{})
		require.NoError(t, err)
		fx.factory.last().id = id
		fx.registry.DestroySession(conv)
	}
	reply, _ := fx.router.Handle("conv", "/resume aa")
	assert.Contains(t, reply, "ambiguous")
}

func TestModelSwitchSameKind(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.registry.CreateSession("conv", session.CreateParams{Model: "opus"})
	require.NoError(t, err)
	fx.store.Persist("conv", session.PersistedEntry{SessionID: "S1", Backend: "persistent"})

	reply, _ := fx.router.Handle("conv", "/model sonnet")
	assert.Equal(t, "Model set to sonnet.", reply)
	assert.Equal(t, "sonnet", fx.prefs.Model("conv"))

	_, ok := fx.registry.GetSession("conv")
	assert.False(t, ok, "session destroyed so the next turn picks the new model")
	_, ok = fx.store.Get("conv")
	assert.True(t, ok, "same backend kind keeps persisted state")
}

func TestModelSwitchAcrossKindsClearsPersistence(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.registry.CreateSession("conv", session.CreateParams{Model: "opus"})
	require.NoError(t, err)
	fx.store.Persist("conv", session.PersistedEntry{SessionID: "S1", Backend: "persistent"})

	reply, _ := fx.router.Handle("conv", "/model m-e")
	assert.Equal(t, "Model set to m-e.", reply)

	_, ok := fx.registry.GetSession("conv")
	assert.False(t, ok)
	_, ok = fx.store.Get("conv")
	assert.False(t, ok, "cross-backend switch clears persisted state")
}

func TestModelListing(t *testing.T) {
	fx := newFixture(t)
	fx.prefs.SetModel("conv", "m-e")

	reply, _ := fx.router.Handle("conv", "/model")
	lines := strings.Split(reply, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "  opus (persistent)")
	assert.Contains(t, lines[2], "* m-e (ephemeral)")
}

func TestCostCommand(t *testing.T) {
	fx := newFixture(t)
	reply, _ := fx.router.Handle("conv", "/cost")
	assert.Equal(t, "No cost data.", reply)

	_, err := fx.registry.CreateSession("conv", session.CreateParams{})
	require.NoError(t, err)
	fx.factory.last().cost = 0.42

	reply, _ = fx.router.Handle("conv", "/cost")
	assert.Equal(t, "Total cost: $0.4200", reply)
}

func TestCompactCommand(t *testing.T) {
	fx := newFixture(t)
	reply, _ := fx.router.Handle("conv", "/compact")
	assert.Equal(t, "No active session.", reply)

	_, err := fx.registry.CreateSession("conv", session.CreateParams{Cwd: "/w", Model: "opus"})
	require.NoError(t, err)
	fx.factory.last().id = "S1"

	reply, _ = fx.router.Handle("conv", "/compact")
	assert.Equal(t, "Compacted.", reply)

	created := fx.factory.last()
	assert.Equal(t, "S1", created.params.ResumeID)
	assert.True(t, created.params.Compact)
	assert.Equal(t, "/w", created.params.Cwd)
}

func TestCompactEphemeralUnsupported(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.registry.CreateSession("conv", session.CreateParams{Model: "m-e"})
	require.NoError(t, err)
	fx.factory.last().id = "T1"

	reply, _ := fx.router.Handle("conv", "/compact")
	assert.Contains(t, reply, "not supported")
	_, ok := fx.registry.GetSession("conv")
	assert.True(t, ok, "session untouched")
}
