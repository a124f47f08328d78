// Package project is the file based application the dev server serves.
//
// A project is a directory tree:
//
//	config/devserver.yaml            project name, apps and server settings
//	apps/<app>/actions/**/*.yaml     routes and their responses
//	apps/<app>/templates/**/*.html   html/template files, application.html is the layout
//	apps/<app>/views/**/*.yaml       values exposed to the template of the same name
//	apps/<app>/assets/<group>/**     static files served under <prefix>assets/
//	lib/**/repositories/*.yaml       named queries over the project database
//	db/migrations/*.sql              schema history, watched to drop the schema cache
//
// Every Load produces an immutable, versioned Snapshot. Engines serve one
// snapshot at a time and swap to the next one atomically.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kart-io/logger"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/errors"
)

// ConfigFile is the project configuration file, relative to the root.
const ConfigFile = "config/devserver.yaml"

// Application builds the snapshots served by a backend.
type Application interface {
	// Name is the project name.
	Name() string
	// Load builds the next snapshot. Parts outside scope are shared with prev.
	// A nil prev loads everything.
	Load(ctx context.Context, scope Scope, prev *Snapshot) (*Snapshot, error)
	// Close releases the database connection, if any.
	Close() error
}

// Option configures a Project.
type Option func(*Project)

// WithDatabase uses db instead of opening the configured database URL.
func WithDatabase(db *gorm.DB) Option {
	return func(p *Project) {
		p.dbOnce.Do(func() { p.db = db })
	}
}

// Project is the default Application, read from a directory tree.
type Project struct {
	root  string
	name  string
	env   config.Environment
	dbURL string

	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error
}

// Open prepares the project rooted at root. Nothing is read until Load.
func Open(root string, cfg *config.ServerConfig, opts ...Option) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.ErrProjectLoad.WithCause(err)
	}
	if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
		return nil, errors.ErrConfig.WithMessagef("project root %s is not a directory", abs)
	}

	p := &Project{
		root:  abs,
		name:  cfg.Project(),
		env:   cfg.Environment(),
		dbURL: cfg.DatabaseURL(),
	}
	if p.name == "" {
		p.name = filepath.Base(abs)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the project name.
func (p *Project) Name() string { return p.name }

// Root returns the absolute project root.
func (p *Project) Root() string { return p.root }

// Close closes the database connection if one was opened.
func (p *Project) Close() error {
	if p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// database opens the project database on first use.
func (p *Project) database() (*gorm.DB, error) {
	p.dbOnce.Do(func() {
		if p.dbURL == "" {
			return
		}
		p.db, p.dbErr = OpenDatabase(p.dbURL, p.root)
	})
	if p.dbErr != nil {
		return nil, p.dbErr
	}
	if p.db == nil {
		return nil, errors.ErrDatabase.WithMessage("no database configured, set DATABASE_URL")
	}
	return p.db, nil
}

// Load builds the next snapshot.
func (p *Project) Load(ctx context.Context, scope Scope, prev *Snapshot) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if prev == nil {
		scope = ScopeAll
	}
	scope = scope.normalize()
	start := time.Now()

	next := &Snapshot{
		version: 1,
		project: p.name,
		env:     p.env,
		db:      p.database,
		hasDB:   p.dbURL != "",
	}
	if prev != nil {
		next.version = prev.version + 1
		next.apps = prev.apps
		next.repos = prev.repos
		next.schema = prev.schema
	}

	if scope.Has(ScopeCode) {
		apps, err := p.loadApps()
		if err != nil {
			return nil, err
		}
		repos, err := loadRepositories(filepath.Join(p.root, "lib"))
		if err != nil {
			return nil, err
		}
		next.apps = apps
		next.repos = repos
	} else {
		// Copy the app values so their templates or assets can be replaced
		// without touching prev.
		apps := make([]*app, len(next.apps))
		for i, a := range next.apps {
			cp := *a
			apps[i] = &cp
		}
		next.apps = apps
	}

	for _, a := range next.apps {
		dir := filepath.Join(p.root, "apps", a.name)
		if scope.Has(ScopeTemplates) {
			tmpl, err := loadTemplates(filepath.Join(dir, "templates"))
			if err != nil {
				return nil, errors.ErrProjectLoad.WithCause(fmt.Errorf("app %s: %w", a.name, err))
			}
			views, err := loadViews(filepath.Join(dir, "views"))
			if err != nil {
				return nil, errors.ErrProjectLoad.WithCause(fmt.Errorf("app %s: %w", a.name, err))
			}
			a.templates, a.views = tmpl, views
		}
		if scope.Has(ScopeAssets) {
			assets, err := loadAssets(filepath.Join(dir, "assets"), a.prefix)
			if err != nil {
				return nil, errors.ErrProjectLoad.WithCause(fmt.Errorf("app %s: %w", a.name, err))
			}
			a.assets = assets
		}
	}

	if scope.Has(ScopeSchema) || next.schema == nil {
		next.schema = &schemaCache{}
	}

	routes, err := next.buildRoutes()
	if err != nil {
		return nil, err
	}
	next.routes = routes

	logger.Debugw("Project loaded",
		"project", p.name,
		"version", next.version,
		"scope", scope.String(),
		"routes", len(routes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return next, nil
}

// projectFile is the subset of config/devserver.yaml read by the project.
type projectFile struct {
	Apps []struct {
		Name   string `yaml:"name"`
		Prefix string `yaml:"prefix"`
	} `yaml:"apps"`
}

// loadApps reads the app list and every app's actions. Apps not listed in the
// configuration file are discovered under apps/; "web" is mounted at the root,
// any other app under its own name.
func (p *Project) loadApps() ([]*app, error) {
	prefixes := map[string]string{}

	data, err := os.ReadFile(filepath.Join(p.root, ConfigFile))
	switch {
	case err == nil:
		var pf projectFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, errors.ErrProjectLoad.WithCause(fmt.Errorf("%s: %w", ConfigFile, err))
		}
		for _, a := range pf.Apps {
			prefixes[a.Name] = a.Prefix
		}
	case !os.IsNotExist(err):
		return nil, errors.ErrProjectLoad.WithCause(err)
	}

	entries, err := os.ReadDir(filepath.Join(p.root, "apps"))
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.ErrProjectLoad.WithCause(err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if _, ok := prefixes[e.Name()]; !ok {
				prefixes[e.Name()] = ""
			}
		}
	}
	if len(prefixes) == 0 {
		prefixes["web"] = "/"
	}

	apps := make([]*app, 0, len(prefixes))
	for name, prefix := range prefixes {
		if prefix == "" {
			prefix = "/"
			if name != "web" && len(prefixes) > 1 {
				prefix = "/" + name
			}
		}
		a := &app{name: name, prefix: normalizePrefix(prefix)}
		actions, err := loadActions(filepath.Join(p.root, "apps", name, "actions"))
		if err != nil {
			return nil, errors.ErrProjectLoad.WithCause(fmt.Errorf("app %s: %w", name, err))
		}
		a.actions = actions
		apps = append(apps, a)
	}

	// Longest prefix first so /admin wins over /.
	sort.Slice(apps, func(i, j int) bool {
		if len(apps[i].prefix) != len(apps[j].prefix) {
			return len(apps[i].prefix) > len(apps[j].prefix)
		}
		return apps[i].name < apps[j].name
	})
	return apps, nil
}

func normalizePrefix(prefix string) string {
	prefix = "/" + strings.Trim(prefix, "/")
	return prefix
}

// joinPath mounts an action path under an app prefix.
func joinPath(prefix, path string) string {
	joined := strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(path, "/")
	if joined != "/" {
		joined = strings.TrimSuffix(joined, "/")
	}
	return joined
}
