package admin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/devserver/pkg/devserver/backend"
	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/devserver/reload"
	"github.com/kart-io/devserver/pkg/devserver/supervisor"
	"github.com/kart-io/devserver/pkg/devserver/watcher"
	"github.com/kart-io/devserver/pkg/infra/pool"
)

func init() { gin.SetMode(gin.TestMode) }

type handleSource struct{ h *backend.Handle }

func (s handleSource) Handle() *backend.Handle { return s.h }

type coordSource struct {
	state reload.State
	err   error
}

func (c coordSource) State() reload.State { return c.state }
func (c coordSource) LastError() error    { return c.err }

func healthz(t *testing.T, s *Server) (int, Health) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	return rec.Code, h
}

func TestHealthzReady(t *testing.T) {
	h := backend.NewHandle(4242, nil)
	h.SetState(backend.StateReady)
	s := New(handleSource{h}, coordSource{state: reload.StateIdle}, nil)

	code, body := healthz(t, s)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, h.ID(), body.Handle)
	assert.Equal(t, 4242, body.PID)
	assert.Equal(t, "ready", body.State)
	assert.Equal(t, "idle", body.Coordinator)
}

func TestHealthzNotReady(t *testing.T) {
	reloading := backend.NewHandle(1, nil)
	reloading.SetState(backend.StateCrashed)

	tests := []struct {
		name   string
		handle *backend.Handle
		state  string
	}{
		{"no instance", nil, "stopped"},
		{"crashed", reloading, "crashed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(handleSource{tt.handle}, coordSource{state: reload.StateFaulted, err: stderrors.New("broken template")}, nil)
			code, body := healthz(t, s)
			assert.Equal(t, http.StatusServiceUnavailable, code)
			assert.Equal(t, tt.state, body.State)
			assert.Equal(t, "faulted", body.Coordinator)
			assert.Equal(t, "broken template", body.LastError)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics()
	m.ObserveReload(reload.Result{
		Changeset: watcher.Changeset{Seq: 1},
		Decision:  reload.Decision{Action: reload.ActionHotSwap, Scope: project.ScopeTemplates},
		Duration:  20 * time.Millisecond,
	})
	m.ObserveReload(reload.Result{
		Decision: reload.Decision{Action: reload.ActionFullRestart, Scope: project.ScopeAll},
		Err:      stderrors.New("boom"),
		State:    reload.StateFaulted,
	})
	m.ObserveReload(reload.Result{Decision: reload.Decision{Action: reload.ActionNoop}, State: reload.StateFaulted})
	m.ObserveRestart(supervisor.ReasonCrash, nil)

	p, err := pool.NewPool("observers", nil)
	require.NoError(t, err)
	defer p.Release()
	m.ObservePool(p)
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))
	<-done
	require.Eventually(t, func() bool { return p.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)

	s := New(handleSource{}, coordSource{}, m)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `devserver_reloads_total{action="hot-swap"} 1`)
	assert.Contains(t, body, `devserver_reloads_total{action="full-restart"} 1`)
	assert.Contains(t, body, "devserver_reload_failures_total 1")
	assert.Contains(t, body, "devserver_changesets_total 3")
	assert.Contains(t, body, "devserver_coordinator_state 2")
	assert.Contains(t, body, `devserver_restarts_total{reason="crash"} 1`)
	assert.Contains(t, body, `devserver_pool_completed_total{pool="observers"} 1`)
	assert.Contains(t, body, `devserver_pool_panics_total{pool="observers"} 0`)
}

func TestMetricsDisabled(t *testing.T) {
	s := New(handleSource{}, coordSource{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := backend.NewHandle(1, nil)
	h.SetState(backend.StateReady)
	s := New(handleSource{h}, coordSource{}, NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("admin server did not stop")
	}
}
