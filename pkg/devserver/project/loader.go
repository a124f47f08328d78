package project

import (
	"fmt"
	"html/template"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kart-io/devserver/pkg/errors"
)

// action is one apps/<app>/actions/**/<name>.yaml file.
type action struct {
	name string // relative path without extension, e.g. home/index
	body *template.Template

	Method      string `yaml:"method"`
	Path        string `yaml:"path"`
	Status      int    `yaml:"status"`
	Body        string `yaml:"body"`
	Template    string `yaml:"template"`
	Title       string `yaml:"title"`
	ContentType string `yaml:"content_type"`
	Repository  string `yaml:"repository"`
	Query       string `yaml:"query"`
	Find        string `yaml:"find"`
}

func (a *action) templateName() string {
	if a.Template != "" {
		return a.Template
	}
	return a.name
}

func (a *action) status() int {
	if a.Status == 0 {
		return http.StatusOK
	}
	return a.Status
}

type asset struct {
	contentType string
	content     []byte
}

// templateFuncs are available to templates and action bodies.
var templateFuncs = template.FuncMap{
	"join":  strings.Join,
	"pluck": pluck,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

func loadError(format string, args ...interface{}) error {
	return errors.ErrProjectLoad.WithMessagef(format, args...)
}

// walkFiles calls fn for every regular file under dir with the slash
// separated path relative to dir. A missing dir is empty.
func walkFiles(dir string, fn func(rel, abs string) error) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), p)
	})
}

func trimExt(rel string) string {
	return strings.TrimSuffix(rel, path.Ext(rel))
}

func loadActions(dir string) ([]*action, error) {
	var actions []*action
	err := walkFiles(dir, func(rel, abs string) error {
		if ext := path.Ext(rel); ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		act := &action{name: trimExt(rel)}
		if err := yaml.Unmarshal(data, act); err != nil {
			return fmt.Errorf("action %s: %w", rel, err)
		}
		if act.Path == "" {
			return fmt.Errorf("action %s: path is required", rel)
		}
		act.Method = strings.ToUpper(act.Method)
		if act.Method == "" {
			act.Method = http.MethodGet
		}
		if act.Body != "" {
			t, err := template.New(act.name).Funcs(templateFuncs).Parse(act.Body)
			if err != nil {
				return fmt.Errorf("action %s: %w", rel, err)
			}
			act.body = t
		}
		actions = append(actions, act)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].name < actions[j].name })
	return actions, nil
}

// loadTemplates parses every *.html file under dir into one set. Templates are
// named by their relative path without extension. A tree without templates
// yields nil.
func loadTemplates(dir string) (*template.Template, error) {
	var set *template.Template
	err := walkFiles(dir, func(rel, abs string) error {
		if path.Ext(rel) != ".html" {
			return nil
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		name := trimExt(rel)
		if set == nil {
			set = template.New(name).Funcs(templateFuncs)
		} else {
			set = set.New(name)
		}
		if _, err := set.Parse(string(data)); err != nil {
			return fmt.Errorf("template %s: %w", rel, err)
		}
		return nil
	})
	return set, err
}

// loadViews reads every view exposure file under dir.
func loadViews(dir string) (map[string]map[string]any, error) {
	views := map[string]map[string]any{}
	err := walkFiles(dir, func(rel, abs string) error {
		if ext := path.Ext(rel); ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		exposures := map[string]any{}
		if err := yaml.Unmarshal(data, &exposures); err != nil {
			return fmt.Errorf("view %s: %w", rel, err)
		}
		views[trimExt(rel)] = exposures
		return nil
	})
	return views, err
}

// loadAssets reads every file under dir into memory. The first directory
// level groups assets by type and is not part of the URL:
// assets/javascripts/application.js is served at <prefix>assets/application.js.
func loadAssets(dir, prefix string) (map[string]asset, error) {
	assets := map[string]asset{}
	err := walkFiles(dir, func(rel, abs string) error {
		urlPath := rel
		if _, rest, ok := strings.Cut(rel, "/"); ok {
			urlPath = rest
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		ct := mime.TypeByExtension(path.Ext(rel))
		if ct == "" {
			ct = http.DetectContentType(data)
		}
		assets[joinPath(prefix, "assets/"+urlPath)] = asset{contentType: ct, content: data}
		return nil
	})
	return assets, err
}

// pluck collects one column of a record list as strings.
func pluck(records []map[string]any, column string) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, stringify(r[column]))
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
