package backend

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/errors"
)

// RouterBuilder turns one application snapshot into a handler.
type RouterBuilder func(snap *project.Snapshot) (http.Handler, error)

// generation pairs a snapshot with the router built from it.
type generation struct {
	snap   *project.Snapshot
	router http.Handler
}

// instance is the private data behind an in-process Handle.
type instance struct {
	server  *http.Server
	current atomic.Pointer[generation]
}

func (i *instance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.current.Load().router.ServeHTTP(w, r)
}

// InProcess serves the application from the supervisor's own process and
// swaps the router atomically on reload. Requests already executing finish
// on the router they started with.
type InProcess struct {
	name  string
	kind  config.BackendKind
	build RouterBuilder
	app   project.Application
	opts  Options
}

// NewInProcess creates an in-process engine that builds routers with build.
func NewInProcess(name string, kind config.BackendKind, build RouterBuilder, app project.Application, opts ...Option) *InProcess {
	return &InProcess{
		name:  name,
		kind:  kind,
		build: build,
		app:   app,
		opts:  NewOptions(opts...),
	}
}

func (b *InProcess) Name() string             { return b.name }
func (b *InProcess) Kind() config.BackendKind { return b.kind }
func (b *InProcess) SupportsHotSwap() bool    { return true }
func (b *InProcess) Close() error             { return nil }

// Start loads the application, binds the listener and begins serving. The
// application is loaded before binding so a broken project never holds the port.
func (b *InProcess) Start(ctx context.Context, cfg *config.ServerConfig) (*Handle, error) {
	gen, err := b.generation(ctx, project.ScopeAll, nil)
	if err != nil {
		return nil, err
	}

	ln := b.opts.Listener
	if ln == nil {
		if ln, err = Listen(cfg.Addr()); err != nil {
			return nil, err
		}
	}

	inst := &instance{}
	inst.current.Store(gen)
	inst.server = &http.Server{
		Handler:           b.opts.Wrap(inst),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h := NewHandle(os.Getpid(), inst)
	go func() {
		err := inst.server.Serve(ln)
		if stderrors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		h.Exit(err)
	}()

	h.SetState(StateReady)
	logger.Infow("Backend started",
		"backend", b.name,
		"handle", h.ID(),
		"addr", ln.Addr().String(),
		"version", gen.snap.Version(),
	)
	return h, nil
}

// Stop shuts the server down. A graceful stop waits for in-flight requests
// until the drain timeout and then closes the remaining connections.
func (b *InProcess) Stop(ctx context.Context, h *Handle, graceful bool) error {
	inst, err := b.instance(h)
	if err != nil {
		return err
	}
	h.SetState(StateStopping)

	if graceful {
		drainCtx, cancel := context.WithTimeout(ctx, b.opts.DrainTimeout)
		defer cancel()
		if err := inst.server.Shutdown(drainCtx); err != nil {
			logger.Warnw("Drain timed out, closing connections", "handle", h.ID(), "error", err)
			_ = inst.server.Close()
		}
	} else {
		_ = inst.server.Close()
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	h.SetState(StateStopped)
	return nil
}

// ReloadInPlace rebuilds scope from the current snapshot and swaps the
// router. A failed rebuild leaves the current router serving.
func (b *InProcess) ReloadInPlace(ctx context.Context, h *Handle, scope project.Scope) error {
	return b.swap(ctx, h, scope, nil)
}

// InvalidateCache rebuilds the schema scope and reads the schema again. The
// current snapshot keeps serving when the schema cannot be read.
func (b *InProcess) InvalidateCache(ctx context.Context, h *Handle) error {
	return b.swap(ctx, h, project.ScopeSchema, func(snap *project.Snapshot) error {
		return snap.RefreshSchema(ctx)
	})
}

// swap loads scope and replaces the router of h. check runs on the new
// snapshot before it is served.
func (b *InProcess) swap(ctx context.Context, h *Handle, scope project.Scope, check func(*project.Snapshot) error) error {
	inst, err := b.instance(h)
	if err != nil {
		return err
	}
	if !h.Transition(StateReady, StateReloading) {
		return errors.ErrNotRunning.WithMessagef("instance %s is %s", h.ID(), h.State())
	}
	defer h.Transition(StateReloading, StateReady)

	prev := inst.current.Load()
	gen, err := b.generation(ctx, scope, prev.snap)
	if err != nil {
		return err
	}
	if check != nil {
		if err := check(gen.snap); err != nil {
			return err
		}
	}
	inst.current.Store(gen)

	logger.Debugw("Router swapped",
		"handle", h.ID(),
		"scope", scope.String(),
		"version", gen.snap.Version(),
	)
	return nil
}

// Snapshot returns the snapshot h is currently serving.
func (b *InProcess) Snapshot(h *Handle) *project.Snapshot {
	inst, err := b.instance(h)
	if err != nil {
		return nil
	}
	return inst.current.Load().snap
}

func (b *InProcess) instance(h *Handle) (*instance, error) {
	if h == nil {
		return nil, errors.ErrNotRunning
	}
	inst, ok := h.Impl().(*instance)
	if !ok {
		return nil, errors.ErrInternal.WithMessagef("handle %s does not belong to %s", h.ID(), b.name)
	}
	return inst, nil
}

func (b *InProcess) generation(ctx context.Context, scope project.Scope, prev *project.Snapshot) (gen *generation, err error) {
	snap, err := b.app.Load(ctx, scope, prev)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.ErrReload.WithCause(fmt.Errorf("build %s router: %v", b.name, r))
		}
	}()
	router, err := b.build(snap)
	if err != nil {
		return nil, errors.ErrReload.WithCause(err)
	}
	return &generation{snap: snap, router: router}, nil
}

var _ Backend = (*InProcess)(nil)
