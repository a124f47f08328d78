package watcher

import (
	"github.com/bmatcuk/doublestar/v4"
)

// Kind classifies a changed path.
type Kind string

const (
	KindCode       Kind = "code"
	KindView       Kind = "view"
	KindTemplate   Kind = "template"
	KindAsset      Kind = "asset"
	KindMigration  Kind = "migration"
	KindIrrelevant Kind = "irrelevant"
)

// Rule maps a slash separated glob, relative to the project root, to a kind.
type Rule struct {
	Pattern string
	Kind    Kind
}

// DefaultRules classify the standard project layout. The first match wins.
var DefaultRules = []Rule{
	{"db/migrations/**", KindMigration},
	{"apps/*/assets/**", KindAsset},
	{"apps/*/templates/**", KindTemplate},
	{"apps/*/views/**", KindView},
	{"apps/*/actions/**", KindCode},
	{"apps/*/controllers/**", KindCode},
	{"lib/**", KindCode},
	{"config/**", KindCode},
	{"**/*.go", KindCode},
}

// DefaultIgnore lists paths that never produce changes.
var DefaultIgnore = []string{
	".git/**",
	"log/**",
	"tmp/**",
	"public/assets/**",
	"node_modules/**",
	"db/*.sqlite*",
	"**/*.swp",
	"**/*~",
	"**/.DS_Store",
}

// Classifier maps relative paths to kinds.
type Classifier struct {
	rules  []Rule
	ignore []string
}

// NewClassifier validates the patterns and returns a classifier.
func NewClassifier(rules []Rule, ignore []string) (*Classifier, error) {
	for _, r := range rules {
		if !doublestar.ValidatePattern(r.Pattern) {
			return nil, doublestar.ErrBadPattern
		}
	}
	for _, p := range ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, doublestar.ErrBadPattern
		}
	}
	return &Classifier{rules: rules, ignore: ignore}, nil
}

// Ignored reports whether rel matches an ignore pattern.
func (c *Classifier) Ignored(rel string) bool {
	for _, p := range c.ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// IgnoredDir reports whether everything below the directory rel is ignored,
// in which case it is not watched at all.
func (c *Classifier) IgnoredDir(rel string) bool {
	return c.Ignored(rel) || c.Ignored(rel+"/_")
}

// Kind returns the kind of rel.
func (c *Classifier) Kind(rel string) Kind {
	for _, r := range c.rules {
		if ok, _ := doublestar.Match(r.Pattern, rel); ok {
			return r.Kind
		}
	}
	return KindIrrelevant
}

var defaultClassifier = &Classifier{rules: DefaultRules, ignore: DefaultIgnore}

// Classify returns the kind of rel under the default rules.
func Classify(rel string) Kind {
	if defaultClassifier.Ignored(rel) {
		return KindIrrelevant
	}
	return defaultClassifier.Kind(rel)
}
