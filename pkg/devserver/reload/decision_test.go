package reload

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/devserver/watcher"
)

func changeset(kinds ...watcher.Kind) watcher.Changeset {
	cs := watcher.Changeset{Seq: 1}
	for i, k := range kinds {
		cs.Changes = append(cs.Changes, watcher.Change{Path: string(k) + string(rune('a'+i)), Kind: k})
	}
	return cs
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		kinds   []watcher.Kind
		hotSwap bool
		want    Decision
	}{
		{"empty", nil, true, Decision{Action: ActionNoop}},
		{"irrelevant", []watcher.Kind{watcher.KindIrrelevant}, true, Decision{Action: ActionNoop}},
		{"asset", []watcher.Kind{watcher.KindAsset}, true, Decision{ActionHotSwap, project.ScopeAssets}},
		{"template", []watcher.Kind{watcher.KindTemplate}, true, Decision{ActionHotSwap, project.ScopeTemplates}},
		{"view", []watcher.Kind{watcher.KindView}, true, Decision{ActionHotSwap, project.ScopeTemplates}},
		{"code", []watcher.Kind{watcher.KindCode}, true, Decision{ActionHotSwap, project.ScopeAll}},
		{"migration", []watcher.Kind{watcher.KindMigration}, true, Decision{ActionInvalidateCache, project.ScopeSchema}},
		{
			"template and asset",
			[]watcher.Kind{watcher.KindTemplate, watcher.KindAsset},
			true,
			Decision{ActionHotSwap, project.ScopeTemplates | project.ScopeAssets},
		},
		{
			"migration with code",
			[]watcher.Kind{watcher.KindMigration, watcher.KindCode},
			true,
			Decision{ActionHotSwap, project.ScopeAll},
		},
		{"code without hot swap", []watcher.Kind{watcher.KindCode}, false, Decision{ActionFullRestart, project.ScopeAll}},
		{"template without hot swap", []watcher.Kind{watcher.KindTemplate}, false, Decision{ActionFullRestart, project.ScopeAll}},
		{"migration without hot swap", []watcher.Kind{watcher.KindMigration}, false, Decision{ActionInvalidateCache, project.ScopeSchema}},
		{
			"restart wins over cache",
			[]watcher.Kind{watcher.KindMigration, watcher.KindAsset},
			false,
			Decision{ActionFullRestart, project.ScopeAll},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(changeset(tt.kinds...), true, tt.hotSwap))
		})
	}
}

func TestDecideWithoutCodeReloading(t *testing.T) {
	all := changeset(watcher.KindCode, watcher.KindTemplate, watcher.KindAsset, watcher.KindMigration)
	assert.Equal(t, Decision{Action: ActionNoop}, Decide(all, false, true))
	assert.Equal(t, Decision{Action: ActionNoop}, Decide(all, false, false))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "hot-swap(assets|templates)", Decision{ActionHotSwap, project.ScopeAssets | project.ScopeTemplates}.String())
	assert.Equal(t, "full-restart", Decision{ActionFullRestart, project.ScopeAll}.String())
	assert.Equal(t, "hot-swap(assets|templates|code|schema)", Decide(changeset(watcher.KindCode), true, true).String())
	assert.Equal(t, "invalidate-cache", ActionInvalidateCache.String())
}
