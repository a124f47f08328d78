package reload

import (
	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/devserver/watcher"
)

// Action is what a changeset asks of the running server. Actions are ordered
// by severity; a changeset takes the most severe action of its changes.
type Action int

const (
	ActionNoop Action = iota
	ActionInvalidateCache
	ActionHotSwap
	ActionFullRestart
)

func (a Action) String() string {
	switch a {
	case ActionNoop:
		return "noop"
	case ActionInvalidateCache:
		return "invalidate-cache"
	case ActionHotSwap:
		return "hot-swap"
	case ActionFullRestart:
		return "full-restart"
	default:
		return "unknown"
	}
}

// Decision is the derived reaction to one changeset.
type Decision struct {
	Action Action
	// Scope is what a hot swap rebuilds.
	Scope project.Scope
}

func (d Decision) String() string {
	if d.Action == ActionHotSwap {
		return d.Action.String() + "(" + d.Scope.String() + ")"
	}
	return d.Action.String()
}

// Decide maps a changeset to a decision. With code reloading disabled every
// changeset is a noop. A hot swap rebuilds the union of the changed scopes,
// including the schema when a migration arrived alongside.
func Decide(cs watcher.Changeset, codeReloading, supportsHotSwap bool) Decision {
	if !codeReloading {
		return Decision{Action: ActionNoop}
	}

	var d Decision
	for _, c := range cs.Changes {
		action, scope := ActionNoop, project.ScopeNone
		switch c.Kind {
		case watcher.KindAsset:
			action, scope = ActionHotSwap, project.ScopeAssets
		case watcher.KindTemplate, watcher.KindView:
			action, scope = ActionHotSwap, project.ScopeTemplates
		case watcher.KindCode:
			// A code change re-evaluates everything, the schema included.
			action, scope = ActionHotSwap, project.ScopeAll
		case watcher.KindMigration:
			action, scope = ActionInvalidateCache, project.ScopeSchema
		}
		if action == ActionHotSwap && !supportsHotSwap {
			action = ActionFullRestart
		}
		if action > d.Action {
			d.Action = action
		}
		d.Scope |= scope
	}

	switch d.Action {
	case ActionNoop:
		d.Scope = project.ScopeNone
	case ActionInvalidateCache:
		d.Scope = project.ScopeSchema
	case ActionFullRestart:
		d.Scope = project.ScopeAll
	}
	return d
}
