// Package backend abstracts the engines that serve the application.
//
// Every engine presents the same contract: Start binds the configured address
// and returns a Handle, Stop ends it, ReloadInPlace swaps the application
// without touching the listener. Engines that can only restart report
// SupportsHotSwap() == false so callers choose a strategy without knowing
// which engine they drive.
//
// Engines register themselves by kind from their package init, the same way
// HTTP framework bridges do:
//
//	import _ "github.com/kart-io/devserver/pkg/devserver/backend/gin"
//
//	b, err := backend.New(config.BackendDefault, app)
package backend

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/errors"
)

// Backend is one engine.
type Backend interface {
	// Name is a short human readable engine name.
	Name() string
	// Kind is the configuration kind the engine is registered under.
	Kind() config.BackendKind
	// SupportsHotSwap reports whether ReloadInPlace can apply code changes.
	SupportsHotSwap() bool
	// Start binds cfg.Addr() and serves the application. A bind failure is
	// an errors.ErrBind.
	Start(ctx context.Context, cfg *config.ServerConfig) (*Handle, error)
	// Stop ends the instance. A graceful stop drains in-flight requests up
	// to the drain timeout, then forces termination.
	Stop(ctx context.Context, h *Handle, graceful bool) error
	// ReloadInPlace rebuilds the given scope of the application and swaps
	// it in atomically. On error the previous application keeps serving.
	ReloadInPlace(ctx context.Context, h *Handle, scope project.Scope) error
	// InvalidateCache drops cached schema metadata without a restart.
	InvalidateCache(ctx context.Context, h *Handle) error
	// Close releases resources shared across instances, such as a listener
	// kept open between restarts.
	Close() error
}

// Middleware wraps the handler of every instance.
type Middleware func(http.Handler) http.Handler

// Options holds settings shared by all engines.
type Options struct {
	DrainTimeout time.Duration
	StartTimeout time.Duration
	Middleware   []Middleware
	// Listener, when set, is served instead of binding cfg.Addr().
	Listener net.Listener
}

// Option configures an engine.
type Option func(*Options)

// WithDrainTimeout bounds how long a graceful stop waits for in-flight requests.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *Options) { o.DrainTimeout = d }
}

// WithStartTimeout bounds how long Start waits for the instance to be ready.
func WithStartTimeout(d time.Duration) Option {
	return func(o *Options) { o.StartTimeout = d }
}

// WithMiddleware appends handler middleware. The first one is outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(o *Options) { o.Middleware = append(o.Middleware, mw...) }
}

// WithListener serves an already bound listener.
func WithListener(ln net.Listener) Option {
	return func(o *Options) { o.Listener = ln }
}

// NewOptions applies opts over the defaults.
func NewOptions(opts ...Option) Options {
	o := Options{
		DrainTimeout: 5 * time.Second,
		StartTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Wrap applies the middleware chain to h.
func (o Options) Wrap(h http.Handler) http.Handler {
	for i := len(o.Middleware) - 1; i >= 0; i-- {
		h = o.Middleware[i](h)
	}
	return h
}

// Factory creates an engine serving app.
type Factory func(app project.Application, opts ...Option) Backend

var (
	factories   = make(map[config.BackendKind]Factory)
	factoriesMu sync.RWMutex
)

// Register registers a factory for the given kind.
func Register(kind config.BackendKind, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = factory
}

// New creates the engine registered for kind.
func New(kind config.BackendKind, app project.Application, opts ...Option) (Backend, error) {
	factoriesMu.RLock()
	factory, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, errors.ErrBackendUnknown.WithMessagef("no engine registered for backend %q", kind)
	}
	return factory(app, opts...), nil
}

// Kinds returns the registered kinds.
func Kinds() []config.BackendKind {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]config.BackendKind, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// Listen binds addr, mapping failures to errors.ErrBind.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.ErrBind.WithCause(err)
	}
	return ln, nil
}
