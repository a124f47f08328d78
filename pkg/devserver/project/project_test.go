package project

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/errors"
)

func strPtr(s string) *string { return &s }

func testConfig(t *testing.T, vals config.Values) *config.ServerConfig {
	t.Helper()
	cfg, err := config.Resolve(config.Inputs{Flags: vals, Defaults: config.DefaultValues()})
	require.NoError(t, err)
	return cfg
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// match is a minimal router for :param paths.
func match(pattern, path string) (Params, bool) {
	ps := strings.Split(strings.Trim(pattern, "/"), "/")
	xs := strings.Split(strings.Trim(path, "/"), "/")
	if len(ps) != len(xs) {
		return nil, false
	}
	params := Params{}
	for i := range ps {
		switch {
		case strings.HasPrefix(ps[i], ":"):
			params[ps[i][1:]] = xs[i]
		case ps[i] != xs[i]:
			return nil, false
		}
	}
	return params, true
}

func serve(snap *Snapshot, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for _, r := range snap.Routes() {
		if r.Method != method {
			continue
		}
		if params, ok := match(r.Path, path); ok {
			r.Handle(rec, req, params)
			return rec
		}
	}
	snap.Fallback(rec, req)
	return rec
}

func openProject(t *testing.T, root string, vals config.Values) (*Project, *Snapshot) {
	t.Helper()
	p, err := Open(root, testConfig(t, vals))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	snap, err := p.Load(context.Background(), ScopeAll, nil)
	require.NoError(t, err)
	return p, snap
}

func TestWelcomePage(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/.keep", "")

	p, snap := openProject(t, root, config.Values{})
	assert.Equal(t, filepath.Base(root), p.Name())
	assert.Equal(t, uint64(1), snap.Version())

	rec := serve(snap, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<title>"+WelcomeTitle+"</title>")
	assert.Contains(t, rec.Body.String(), "The web, with simplicity.")

	assert.Equal(t, http.StatusNotFound, serve(snap, http.MethodGet, "/missing").Code)
}

func TestWelcomePageForSecondApp(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/.keep", "")
	write(t, root, "apps/admin/.keep", "")

	_, snap := openProject(t, root, config.Values{})

	rec := serve(snap, http.MethodGet, "/admin")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "apps/admin/actions/home/index.yaml")
}

func TestServesActionInLayout(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/actions/home/index.yaml", "path: /\n")

	_, snap := openProject(t, root, config.Values{})
	require.Len(t, snap.Routes(), 1)
	assert.Equal(t, "web#home/index", snap.Routes()[0].ID)

	rec := serve(snap, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<title>Web</title>")
}

func TestActionBodySeesEnvironment(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/actions/home/index.yaml", "path: /\nbody: \"{{ .env }}\"\n")

	_, snap := openProject(t, root, config.Values{Environment: strPtr("production")})

	rec := serve(snap, http.MethodGet, "/")
	assert.Equal(t, "production", rec.Body.String())
}

func TestTemplateReloadKeepsRoutes(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/actions/home/index.yaml", "path: /\n")
	write(t, root, "apps/web/templates/home/index.html", "<h1>Hello</h1>")

	p, snap := openProject(t, root, config.Values{})
	assert.Contains(t, serve(snap, http.MethodGet, "/").Body.String(), "Hello")

	write(t, root, "apps/web/templates/home/index.html", "<h1>Hello, World!</h1>")
	next, err := p.Load(context.Background(), ScopeTemplates, snap)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), next.Version())
	assert.Contains(t, serve(next, http.MethodGet, "/").Body.String(), "Hello, World!")
	assert.NotContains(t, serve(snap, http.MethodGet, "/").Body.String(), "World", "previous snapshot is immutable")
}

func TestViewExposures(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/actions/home/index.yaml", "path: /\n")
	write(t, root, "apps/web/views/home/index.yaml", "greeting: Ciao!\n")
	write(t, root, "apps/web/templates/home/index.html", "{{ .greeting }}")
	write(t, root, "apps/web/templates/application.html", "<title>{{ .title }}</title>{{ .content }}")

	_, snap := openProject(t, root, config.Values{})

	body := serve(snap, http.MethodGet, "/").Body.String()
	assert.Equal(t, "<title>Web</title>Ciao!", body)
}

func TestAssets(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/assets/javascripts/application.js", "console.log('test');\n")
	write(t, root, "apps/web/assets/stylesheets/style.css", "body { background-color: #fff; }")

	p, snap := openProject(t, root, config.Values{})

	rec := serve(snap, http.MethodGet, "/assets/application.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "console.log('test');")
	assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")

	write(t, root, "apps/web/assets/stylesheets/style.css", "body { background-color: #333; }")
	next, err := p.Load(context.Background(), ScopeAssets, snap)
	require.NoError(t, err)
	assert.Contains(t, serve(next, http.MethodGet, "/assets/style.css").Body.String(), "#333")
}

func TestBrokenTemplateFailsLoad(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/actions/home/index.yaml", "path: /\n")
	write(t, root, "apps/web/templates/home/index.html", "ok")

	p, snap := openProject(t, root, config.Values{})

	write(t, root, "apps/web/templates/home/index.html", "{{ .broken ")
	_, err := p.Load(context.Background(), ScopeTemplates, snap)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrProjectLoad))
	assert.True(t, errors.IsCategory(err, errors.CategoryReload))
}

func TestDuplicateRoutesFailLoad(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/actions/home/index.yaml", "path: /\n")
	write(t, root, "apps/web/actions/home/other.yaml", "path: /\n")

	p, err := Open(root, testConfig(t, config.Values{}))
	require.NoError(t, err)

	_, err = p.Load(context.Background(), ScopeAll, nil)
	assert.True(t, stderrors.Is(err, errors.ErrProjectLoad))
}

func TestConfiguredPrefixes(t *testing.T) {
	root := t.TempDir()
	write(t, root, ConfigFile, "apps:\n  - name: web\n    prefix: /\n  - name: api\n    prefix: /v1\n")
	write(t, root, "apps/api/actions/status.yaml", "path: /status\nbody: up\ncontent_type: text/plain\n")

	_, snap := openProject(t, root, config.Values{})

	rec := serve(snap, http.MethodGet, "/v1/status")
	assert.Equal(t, "up", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestOpenRejectsMissingRoot(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"), testConfig(t, config.Values{}))
	assert.True(t, errors.IsCategory(err, errors.CategoryConfig))
}

func TestLoadHonorsCanceledContext(t *testing.T) {
	root := t.TempDir()
	p, err := Open(root, testConfig(t, config.Values{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Load(ctx, ScopeAll, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScopeString(t *testing.T) {
	assert.Equal(t, "none", ScopeNone.String())
	assert.Equal(t, "assets|templates", (ScopeAssets | ScopeTemplates).String())
	assert.True(t, ScopeCode.normalize().Has(ScopeTemplates|ScopeAssets))
	assert.False(t, ScopeCode.normalize().Has(ScopeSchema))
}
