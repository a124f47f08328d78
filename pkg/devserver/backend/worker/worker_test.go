//go:build !windows

package worker_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/devserver/pkg/devserver/backend"
	"github.com/kart-io/devserver/pkg/devserver/backend/worker"
	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/errors"
)

const (
	helperEnv = "DEVSERVER_TEST_WORKER"
	rootEnv   = "DEVSERVER_TEST_ROOT"
)

// TestMain doubles as the worker process when the helper variable is set.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runWorker())
	}
	os.Exit(m.Run())
}

func runWorker() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	env, err := config.EnvValues(os.LookupEnv)
	if err != nil {
		return 1
	}
	cfg, err := config.Resolve(config.Inputs{Env: env, Defaults: config.DefaultValues()})
	if err != nil {
		return 1
	}
	p, err := project.Open(os.Getenv(rootEnv), cfg)
	if err != nil {
		return 1
	}
	defer p.Close()

	ln, ready, err := worker.Inherited(worker.ListenFD, worker.ReadyFD)
	if err != nil {
		return 1
	}
	if err := worker.Serve(ctx, cfg, p, ln, ready); err != nil {
		return 1
	}
	return 0
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

type fixture struct {
	backend *worker.Backend
	cfg     *config.ServerConfig
	url     string
}

func newFixture(t *testing.T, root string) *fixture {
	t.Helper()
	return newFixtureWith(t, root, config.Values{})
}

// newFixtureWith resolves vals on top of a free local address.
func newFixtureWith(t *testing.T, root string, vals config.Values) *fixture {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	host := "127.0.0.1"
	vals.Host, vals.Port = &host, &port
	cfg, err := config.Resolve(config.Inputs{
		Flags:    vals,
		Defaults: config.DefaultValues(),
	})
	require.NoError(t, err)

	p, err := project.Open(root, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	command := func(cfg *config.ServerConfig) (*exec.Cmd, error) {
		cmd := exec.Command(os.Args[0])
		cmd.Env = append(os.Environ(), worker.Environ(cfg)...)
		cmd.Env = append(cmd.Env, helperEnv+"=1", rootEnv+"="+root)
		return cmd, nil
	}
	b := worker.NewWithCommand(p, command,
		backend.WithListener(ln),
		backend.WithDrainTimeout(2*time.Second),
		backend.WithStartTimeout(20*time.Second),
	)
	t.Cleanup(func() { _ = b.Close() })

	return &fixture{backend: b, cfg: cfg, url: "http://" + ln.Addr().String()}
}

func (f *fixture) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(f.url + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestWorkerServesAndRestarts(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/actions/home/index.yaml", "path: /\n")
	write(t, root, "apps/web/templates/home/index.html", "<h1>Hello</h1>")

	f := newFixture(t, root)
	ctx := context.Background()

	h, err := f.backend.Start(ctx, f.cfg)
	require.NoError(t, err)
	assert.Equal(t, backend.StateReady, h.State())
	assert.NotEqual(t, os.Getpid(), h.PID())

	status, body := f.get(t, "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "<h1>Hello</h1>")

	err = f.backend.ReloadInPlace(ctx, h, project.ScopeTemplates)
	assert.ErrorIs(t, err, errors.ErrHotSwapUnsupported)

	write(t, root, "apps/web/templates/home/index.html", "<h1>Hello, World!</h1>")
	require.NoError(t, f.backend.Stop(ctx, h, true))
	assert.Equal(t, backend.StateStopped, h.State())
	assert.NoError(t, h.Err())

	next, err := f.backend.Start(ctx, f.cfg)
	require.NoError(t, err)
	defer func() { _ = f.backend.Stop(ctx, next, true) }()
	assert.NotEqual(t, h.ID(), next.ID())
	assert.NotEqual(t, h.PID(), next.PID())

	_, body = f.get(t, "/")
	assert.Contains(t, body, "Hello, World!")

	require.NoError(t, f.backend.InvalidateCache(ctx, next))
	status, _ = f.get(t, "/")
	assert.Equal(t, http.StatusOK, status)
}

func TestWorkerReportsSchemaReloadFailure(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/actions/home/index.yaml", "path: /\nbody: up\n")
	write(t, root, "db/development.sqlite", strings.Repeat("not a database ", 256))

	dbURL := "sqlite://db/development.sqlite"
	f := newFixtureWith(t, root, config.Values{DatabaseURL: &dbURL})
	ctx := context.Background()

	h, err := f.backend.Start(ctx, f.cfg)
	require.NoError(t, err)
	defer func() { _ = f.backend.Stop(ctx, h, true) }()

	write(t, root, "db/migrations/20260101000000_create_books.sql", "CREATE TABLE books (id INTEGER PRIMARY KEY);\n")
	for i := 0; i < 2; i++ {
		err = f.backend.InvalidateCache(ctx, h)
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrDatabase)
		assert.Contains(t, err.Error(), "reload schema")
	}

	assert.Equal(t, backend.StateReady, h.State())
	status, body := f.get(t, "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "up")
}

func TestWorkerCrashIsReported(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/.keep", "")

	f := newFixture(t, root)
	h, err := f.backend.Start(context.Background(), f.cfg)
	require.NoError(t, err)

	proc, err := os.FindProcess(h.PID())
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("worker exit was not observed")
	}
	assert.Equal(t, backend.StateCrashed, h.State())
	assert.ErrorIs(t, h.Err(), errors.ErrCrash)
}

func TestWorkerReportsLoadFailure(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/actions/home/index.yaml", "path: /\n")
	write(t, root, "apps/web/templates/home/index.html", "{{ .broken ")

	f := newFixture(t, root)
	_, err := f.backend.Start(context.Background(), f.cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProjectLoad)
}

func TestEnviron(t *testing.T) {
	host, port, level := "0.0.0.0", 4000, "debug"
	enabled := true
	cfg, err := config.Resolve(config.Inputs{
		Flags:    config.Values{Host: &host, Port: &port, LogEnabled: &enabled, LogLevel: &level},
		Defaults: config.DefaultValues(),
	})
	require.NoError(t, err)

	env := map[string]string{}
	for _, kv := range worker.Environ(cfg) {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	assert.Equal(t, "0.0.0.0", env[config.EnvHost])
	assert.Equal(t, strconv.Itoa(port), env[config.EnvPort])
	assert.Equal(t, "true", env[config.EnvLogEnabled])
	assert.Equal(t, "debug", env[config.EnvLogLevel])
	assert.Equal(t, "false", env[config.EnvCodeReloading])

	back, err := config.EnvValues(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	require.NoError(t, err)
	resolved, err := config.Resolve(config.Inputs{Env: back, Defaults: config.DefaultValues()})
	require.NoError(t, err)
	assert.Equal(t, cfg.Addr(), resolved.Addr())
	assert.Equal(t, cfg.Logging(), resolved.Logging())
}
