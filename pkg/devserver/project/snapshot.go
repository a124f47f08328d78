package project

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/kart-io/logger"
	"gorm.io/gorm"

	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/errors"
)

// Params holds the path parameters matched by the engine.
type Params map[string]string

// HandlerFunc serves one matched route.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, params Params)

// Route is one entry of a snapshot's route table. Path uses :name segments
// for parameters.
type Route struct {
	ID     string
	App    string
	Method string
	Path   string
	Handle HandlerFunc
}

type app struct {
	name      string
	prefix    string
	actions   []*action
	templates *template.Template
	views     map[string]map[string]any
	assets    map[string]asset
}

// Snapshot is one immutable version of the application. It is safe for
// concurrent use by any number of requests.
type Snapshot struct {
	version uint64
	project string
	env     config.Environment
	apps    []*app
	repos   map[string]*repository
	schema  *schemaCache
	db      func() (*gorm.DB, error)
	hasDB   bool
	routes  []Route
}

// Version increases by one on every load.
func (s *Snapshot) Version() uint64 { return s.version }

// Project is the project name.
func (s *Snapshot) Project() string { return s.project }

// Routes returns the route table.
func (s *Snapshot) Routes() []Route { return s.routes }

func (s *Snapshot) buildRoutes() ([]Route, error) {
	var routes []Route
	seen := map[string]string{}
	for _, a := range s.apps {
		for _, act := range a.actions {
			r := Route{
				ID:     a.name + "#" + act.name,
				App:    a.name,
				Method: act.Method,
				Path:   joinPath(a.prefix, act.Path),
			}
			key := r.Method + " " + r.Path
			if other, ok := seen[key]; ok {
				return nil, loadError("route %s declared by both %s and %s", key, other, r.ID)
			}
			seen[key] = r.ID
			r.Handle = func(w http.ResponseWriter, req *http.Request, params Params) {
				s.serveAction(a, act, w, req, params)
			}
			routes = append(routes, r)
		}
	}
	return routes, nil
}

func (s *Snapshot) appFor(path string) *app {
	for _, a := range s.apps {
		if a.prefix == "/" || path == a.prefix || strings.HasPrefix(path, a.prefix+"/") {
			return a
		}
	}
	return nil
}

// Fallback serves requests no route matched: static assets, the welcome page
// of an app without a root route, or a 404.
func (s *Snapshot) Fallback(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		for _, a := range s.apps {
			if as, ok := a.assets[path]; ok {
				w.Header().Set("Content-Type", as.contentType)
				w.WriteHeader(http.StatusOK)
				if r.Method == http.MethodGet {
					_, _ = w.Write(as.content)
				}
				return
			}
		}

		if a := s.appFor(path); a != nil && strings.TrimSuffix(path, "/") == strings.TrimSuffix(a.prefix, "/") {
			writeWelcome(w, a.name)
			return
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = fmt.Fprintf(w, "<h1>Not Found</h1><p>%s %s</p>", template.HTMLEscapeString(r.Method), template.HTMLEscapeString(path))
}

func (s *Snapshot) serveAction(a *app, act *action, w http.ResponseWriter, r *http.Request, params Params) {
	data := map[string]any{
		"env":     s.env.String(),
		"app":     a.name,
		"project": s.project,
		"params":  params,
		"title":   titleize(a.name),
	}
	if act.Title != "" {
		data["title"] = act.Title
	}
	for k, v := range a.views[act.templateName()] {
		data[k] = v
	}

	if act.Repository != "" {
		found, err := s.fetch(r.Context(), act, params, data)
		if err != nil {
			s.fail(w, act, err)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
	}

	var out bytes.Buffer
	if act.body != nil {
		if err := act.body.Execute(&out, data); err != nil {
			s.fail(w, act, err)
			return
		}
	} else if err := s.render(a, act, &out, data); err != nil {
		s.fail(w, act, err)
		return
	}

	ct := act.ContentType
	if ct == "" {
		ct = "text/html; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(act.status())
	_, _ = w.Write(out.Bytes())
}

// render executes the action template inside the app layout.
func (s *Snapshot) render(a *app, act *action, out *bytes.Buffer, data map[string]any) error {
	var content bytes.Buffer
	if a.templates != nil {
		if t := a.templates.Lookup(act.templateName()); t != nil {
			if err := t.Execute(&content, data); err != nil {
				return err
			}
		}
	}
	data["content"] = template.HTML(content.String()) //nolint:gosec // rendered by html/template

	layout := defaultLayout
	if a.templates != nil {
		if t := a.templates.Lookup("application"); t != nil {
			layout = t
		}
	}
	return layout.Execute(out, data)
}

// fetch runs the action's repository query and stores the result in data.
func (s *Snapshot) fetch(ctx context.Context, act *action, params Params, data map[string]any) (bool, error) {
	repo, ok := s.repos[act.Repository]
	if !ok {
		return false, fmt.Errorf("unknown repository %q", act.Repository)
	}
	db, err := s.db()
	if err != nil {
		return false, err
	}
	if err := s.schema.require(ctx, db, repo.Table); err != nil {
		return false, err
	}

	if act.Find != "" {
		record, found, err := repo.find(ctx, db, params[act.Find])
		if err != nil || !found {
			return false, err
		}
		data["record"] = record
		return true, nil
	}

	records, err := repo.query(ctx, db, act.Query)
	if err != nil {
		return false, err
	}
	data["records"] = records
	return true, nil
}

func (s *Snapshot) fail(w http.ResponseWriter, act *action, err error) {
	logger.Errorw("Action failed", "project", s.project, "action", act.name, "error", err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = fmt.Fprintf(w, "%s: %v\n", act.name, err)
}

// Schema returns the cached table and column names of the project database.
func (s *Snapshot) Schema(ctx context.Context) (map[string][]string, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	return s.schema.get(ctx, db)
}

// RefreshSchema reads the database schema into the snapshot's cache. It is a
// no-op for projects without a database.
func (s *Snapshot) RefreshSchema(ctx context.Context) error {
	if !s.hasDB {
		return nil
	}
	if _, err := s.Schema(ctx); err != nil {
		return errors.ErrDatabase.WithCause(fmt.Errorf("reload schema: %w", err))
	}
	return nil
}

func titleize(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

var defaultLayout = template.Must(template.New("application").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8">
    <title>{{ .title }}</title>
  </head>
  <body>
{{ .content }}
  </body>
</html>
`))
