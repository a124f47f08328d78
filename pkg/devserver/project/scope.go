package project

import "strings"

// Scope selects which parts of a snapshot a reload rebuilds.
type Scope uint8

const (
	// ScopeAssets rebuilds the in-memory asset table.
	ScopeAssets Scope = 1 << iota
	// ScopeTemplates rebuilds templates and view exposures.
	ScopeTemplates
	// ScopeCode rebuilds apps, actions and repositories. It implies
	// ScopeTemplates and ScopeAssets because both are keyed by app.
	ScopeCode
	// ScopeSchema drops the cached database schema.
	ScopeSchema

	// ScopeNone rebuilds nothing.
	ScopeNone Scope = 0
	// ScopeAll rebuilds everything.
	ScopeAll = ScopeAssets | ScopeTemplates | ScopeCode | ScopeSchema
)

// Has reports whether every flag of o is set in s.
func (s Scope) Has(o Scope) bool { return s&o == o }

// normalize expands implied flags.
func (s Scope) normalize() Scope {
	if s.Has(ScopeCode) {
		s |= ScopeTemplates | ScopeAssets
	}
	return s
}

func (s Scope) String() string {
	if s == ScopeNone {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		flag Scope
		name string
	}{
		{ScopeAssets, "assets"},
		{ScopeTemplates, "templates"},
		{ScopeCode, "code"},
		{ScopeSchema, "schema"},
	} {
		if s.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}
