package supervisor

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/devserver/pkg/devserver/backend"
	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/errors"
)

type fakeBackend struct {
	hotSwap bool
	shares  bool

	mu       sync.Mutex
	pid      int
	startErr error
	started  []*backend.Handle
	events   []string
	scopes   []project.Scope
	closed   bool
}

func (f *fakeBackend) Name() string             { return "fake" }
func (f *fakeBackend) Kind() config.BackendKind { return config.BackendDefault }
func (f *fakeBackend) SupportsHotSwap() bool    { return f.hotSwap }

func (f *fakeBackend) Start(context.Context, *config.ServerConfig) (*backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.events = append(f.events, "start-failed")
		return nil, f.startErr
	}
	f.pid++
	h := backend.NewHandle(f.pid, nil)
	h.SetState(backend.StateReady)
	f.started = append(f.started, h)
	f.events = append(f.events, "start")
	return h, nil
}

func (f *fakeBackend) Stop(_ context.Context, h *backend.Handle, _ bool) error {
	f.mu.Lock()
	f.events = append(f.events, "stop")
	f.mu.Unlock()
	h.SetState(backend.StateStopping)
	h.Exit(nil)
	h.SetState(backend.StateStopped)
	return nil
}

func (f *fakeBackend) ReloadInPlace(_ context.Context, _ *backend.Handle, scope project.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopes = append(f.scopes, scope)
	return nil
}

func (f *fakeBackend) InvalidateCache(ctx context.Context, h *backend.Handle) error {
	return f.ReloadInPlace(ctx, h, project.ScopeSchema)
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) SharesListener() bool { return f.shares }

func (f *fakeBackend) setStartErr(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func crash(h *backend.Handle) {
	h.Exit(stderrors.New("signal: killed"))
}

func testConfig(t *testing.T) *config.ServerConfig {
	t.Helper()
	cfg, err := config.Resolve(config.Inputs{Defaults: config.DefaultValues()})
	require.NoError(t, err)
	return cfg
}

func TestEnsureRunningIsIdempotent(t *testing.T) {
	fb := &fakeBackend{hotSwap: true}
	s := New(fb, testConfig(t))
	ctx := context.Background()

	require.NoError(t, s.EnsureRunning(ctx))
	first := s.Handle()
	require.NotNil(t, first)
	require.NoError(t, s.EnsureRunning(ctx))
	assert.Same(t, first, s.Handle())
	assert.Equal(t, []string{"start"}, fb.Events())
}

func TestEnsureRunningPropagatesBindError(t *testing.T) {
	fb := &fakeBackend{startErr: errors.ErrBind}
	s := New(fb, testConfig(t))

	err := s.EnsureRunning(context.Background())
	assert.ErrorIs(t, err, errors.ErrBind)
	assert.Nil(t, s.Handle())
}

func TestHotSwapKeepsHandle(t *testing.T) {
	fb := &fakeBackend{hotSwap: true}
	s := New(fb, testConfig(t))
	ctx := context.Background()
	require.NoError(t, s.EnsureRunning(ctx))
	h := s.Handle()

	require.NoError(t, s.ReloadInPlace(ctx, project.ScopeTemplates))
	require.NoError(t, s.InvalidateCache(ctx))
	assert.Same(t, h, s.Handle())
	assert.Equal(t, []project.Scope{project.ScopeTemplates, project.ScopeSchema}, fb.scopes)
}

func TestReloadWithoutInstance(t *testing.T) {
	s := New(&fakeBackend{hotSwap: true}, testConfig(t))
	err := s.ReloadInPlace(context.Background(), project.ScopeTemplates)
	assert.ErrorIs(t, err, errors.ErrNotRunning)
	assert.True(t, errors.IsCategory(err, errors.CategoryReload))
}

func TestRestartReplacesHandle(t *testing.T) {
	var reasons []string
	fb := &fakeBackend{}
	s := New(fb, testConfig(t), WithRestartHook(func(reason string, _ *backend.Handle) {
		reasons = append(reasons, reason)
	}))
	ctx := context.Background()
	require.NoError(t, s.EnsureRunning(ctx))
	old := s.Handle()

	require.NoError(t, s.Restart(ctx))
	assert.NotEqual(t, old.ID(), s.Handle().ID())
	assert.Equal(t, backend.StateStopped, old.State())
	assert.Equal(t, []string{"start", "stop", "start"}, fb.Events())
	assert.Equal(t, []string{ReasonExplicit}, reasons)
}

func TestRestartOverlapsWhenListenerIsShared(t *testing.T) {
	fb := &fakeBackend{shares: true}
	s := New(fb, testConfig(t))
	ctx := context.Background()
	require.NoError(t, s.EnsureRunning(ctx))
	old := s.Handle()

	require.NoError(t, s.Restart(ctx))
	assert.Equal(t, []string{"start", "start", "stop"}, fb.Events())

	// A failed replacement leaves the old instance serving.
	current := s.Handle()
	fb.setStartErr(errors.ErrProjectLoad)
	assert.ErrorIs(t, s.Restart(ctx), errors.ErrProjectLoad)
	assert.Same(t, current, s.Handle())
	assert.Equal(t, backend.StateReady, current.State())
	assert.NotSame(t, old, current)
}

func TestCrashRestartsOnce(t *testing.T) {
	restarted := make(chan string, 4)
	fb := &fakeBackend{}
	s := New(fb, testConfig(t), WithRestartHook(func(reason string, _ *backend.Handle) {
		restarted <- reason
	}))
	require.NoError(t, s.EnsureRunning(context.Background()))
	first := s.Handle()

	crash(first)
	assert.Equal(t, ReasonCrash, <-restarted)
	assert.Equal(t, backend.StateCrashed, first.State())
	second := s.Handle()
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, s.Restarts())

	crash(second)
	select {
	case err := <-s.Fatal():
		assert.ErrorIs(t, err, errors.ErrCrash)
		assert.Equal(t, errors.ExitCrash, errors.ExitCode(err))
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error after exhausting restarts")
	}
}

func TestExplicitRestartResetsCounter(t *testing.T) {
	restarted := make(chan string, 4)
	fb := &fakeBackend{}
	s := New(fb, testConfig(t), WithRestartHook(func(reason string, _ *backend.Handle) {
		restarted <- reason
	}))
	ctx := context.Background()
	require.NoError(t, s.EnsureRunning(ctx))

	crash(s.Handle())
	<-restarted
	assert.Equal(t, 1, s.Restarts())

	require.NoError(t, s.Restart(ctx))
	<-restarted
	assert.Equal(t, 0, s.Restarts())

	crash(s.Handle())
	assert.Equal(t, ReasonCrash, <-restarted)
}

func TestFailedRestartAfterCrashIsFatal(t *testing.T) {
	fb := &fakeBackend{}
	s := New(fb, testConfig(t), WithMaxRestarts(3))
	require.NoError(t, s.EnsureRunning(context.Background()))

	fb.setStartErr(errors.ErrBind)
	crash(s.Handle())

	select {
	case err := <-s.Fatal():
		assert.ErrorIs(t, err, errors.ErrCrash)
		assert.ErrorIs(t, err, errors.ErrBind)
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error")
	}
}

func TestStopDisablesRestarts(t *testing.T) {
	fb := &fakeBackend{}
	s := New(fb, testConfig(t))
	ctx := context.Background()
	require.NoError(t, s.EnsureRunning(ctx))
	h := s.Handle()

	require.NoError(t, s.Stop(ctx, true))
	assert.Equal(t, backend.StateStopped, h.State())
	assert.True(t, fb.closed)
	assert.ErrorIs(t, s.EnsureRunning(ctx), errors.ErrNotRunning)
	assert.ErrorIs(t, s.Restart(ctx), errors.ErrNotRunning)

	select {
	case err := <-s.Fatal():
		t.Fatalf("unexpected fatal error %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
