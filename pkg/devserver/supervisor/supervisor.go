// Package supervisor owns the single running backend instance.
//
// Every replacement of the instance goes through the supervisor under one
// lock, so a crash restart, a reload and a shutdown never race each other for
// the listener. Readers such as health probes use Handle, which never blocks.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/devserver/pkg/devserver/backend"
	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/errors"
)

// Restart reasons passed to hooks.
const (
	ReasonCrash    = "crash"
	ReasonExplicit = "explicit"
)

// Options configures a Supervisor.
type Options struct {
	// MaxRestarts bounds automatic restarts after crashes. The counter is
	// reset by an explicit Restart.
	MaxRestarts  int
	StartTimeout time.Duration
	DrainTimeout time.Duration
	// OnRestart is called after every successful restart.
	OnRestart func(reason string, h *backend.Handle)
}

// Option configures a Supervisor.
type Option func(*Options)

// WithMaxRestarts sets the automatic restart ceiling.
func WithMaxRestarts(n int) Option {
	return func(o *Options) { o.MaxRestarts = n }
}

// WithStartTimeout bounds each start.
func WithStartTimeout(d time.Duration) Option {
	return func(o *Options) { o.StartTimeout = d }
}

// WithDrainTimeout bounds each graceful stop.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *Options) { o.DrainTimeout = d }
}

// WithRestartHook registers fn to be called after each restart.
func WithRestartHook(fn func(reason string, h *backend.Handle)) Option {
	return func(o *Options) { o.OnRestart = fn }
}

// sharesListener is implemented by engines that keep one listener across
// instances, which lets a replacement start before its predecessor stops.
type sharesListener interface {
	SharesListener() bool
}

// Supervisor keeps exactly one backend instance alive.
type Supervisor struct {
	backend backend.Backend
	cfg     *config.ServerConfig
	opts    Options

	mu       sync.Mutex
	restarts int
	stopping bool

	handle atomic.Pointer[backend.Handle]
	fatal  chan error
}

// New creates a supervisor for b serving cfg.
func New(b backend.Backend, cfg *config.ServerConfig, opts ...Option) *Supervisor {
	o := Options{
		MaxRestarts:  1,
		StartTimeout: 10 * time.Second,
		DrainTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Supervisor{
		backend: b,
		cfg:     cfg,
		opts:    o,
		fatal:   make(chan error, 1),
	}
}

// Handle returns the current instance, or nil.
func (s *Supervisor) Handle() *backend.Handle { return s.handle.Load() }

// Backend returns the supervised engine.
func (s *Supervisor) Backend() backend.Backend { return s.backend }

// SupportsHotSwap reports whether the engine can reload in place.
func (s *Supervisor) SupportsHotSwap() bool { return s.backend.SupportsHotSwap() }

// Fatal delivers the error that ends the run when crashes exhaust the
// restart ceiling.
func (s *Supervisor) Fatal() <-chan error { return s.fatal }

// Restarts returns the automatic restarts since the last explicit restart.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// EnsureRunning starts an instance unless a live one exists.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return errors.ErrNotRunning.WithMessage("supervisor is stopping")
	}
	if h := s.handle.Load(); h != nil && live(h) {
		return nil
	}
	_, err := s.start(ctx)
	return err
}

// Restart replaces the running instance. Engines sharing a listener start the
// replacement first and keep the old instance on failure; others stop the
// old instance first.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return errors.ErrNotRunning.WithMessage("supervisor is stopping")
	}
	s.restarts = 0
	old := s.handle.Load()

	if sl, ok := s.backend.(sharesListener); ok && sl.SharesListener() && old != nil && live(old) {
		h, err := s.start(ctx)
		if err != nil {
			return err
		}
		s.stop(ctx, old, true)
		s.restarted(ReasonExplicit, h)
		return nil
	}

	if old != nil {
		s.stop(ctx, old, true)
	}
	h, err := s.start(ctx)
	if err != nil {
		logger.Errorw("Restart failed, server is down until the next change", "error", err)
		return err
	}
	s.restarted(ReasonExplicit, h)
	return nil
}

// ReloadInPlace swaps the application inside the running instance.
func (s *Supervisor) ReloadInPlace(ctx context.Context, scope project.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.current()
	if err != nil {
		return err
	}
	return s.backend.ReloadInPlace(ctx, h, scope)
}

// InvalidateCache drops cached schema metadata in the running instance.
func (s *Supervisor) InvalidateCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.current()
	if err != nil {
		return err
	}
	return s.backend.InvalidateCache(ctx, h)
}

// Stop ends the running instance and releases the engine. After Stop the
// supervisor does not restart anything.
func (s *Supervisor) Stop(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopping = true
	var err error
	if h := s.handle.Load(); h != nil {
		err = s.stop(ctx, h, graceful)
	}
	if cerr := s.backend.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Supervisor) current() (*backend.Handle, error) {
	h := s.handle.Load()
	if h == nil || !live(h) {
		return nil, errors.ErrNotRunning.WithMessage("no running server")
	}
	return h, nil
}

// start must be called with mu held.
func (s *Supervisor) start(ctx context.Context) (*backend.Handle, error) {
	startCtx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()

	h, err := s.backend.Start(startCtx, s.cfg)
	if err != nil {
		return nil, err
	}
	s.handle.Store(h)
	go s.monitor(h)
	return h, nil
}

// stop must be called with mu held.
func (s *Supervisor) stop(ctx context.Context, h *backend.Handle, graceful bool) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DrainTimeout+time.Second)
	defer cancel()
	if err := s.backend.Stop(stopCtx, h, graceful); err != nil {
		logger.Warnw("Stop did not complete cleanly", "handle", h.ID(), "error", err)
		return err
	}
	return nil
}

func (s *Supervisor) restarted(reason string, h *backend.Handle) {
	logger.Infow("Server restarted", "reason", reason, "handle", h.ID(), "pid", h.PID())
	if s.opts.OnRestart != nil {
		s.opts.OnRestart(reason, h)
	}
}

// monitor waits for h to exit. An exit nobody asked for is a crash; the
// supervisor restarts up to MaxRestarts times, then reports a fatal error.
func (s *Supervisor) monitor(h *backend.Handle) {
	<-h.Done()
	crashErr := h.Err()
	if crashErr == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping || s.handle.Load() != h {
		return
	}
	h.SetState(backend.StateCrashed)
	logger.Errorw("Server crashed",
		"handle", h.ID(),
		"pid", h.PID(),
		"restarts", s.restarts,
		"error", crashErr,
	)

	if s.restarts >= s.opts.MaxRestarts {
		s.fail(errors.ErrCrash.WithCause(crashErr).
			WithMessagef("server crashed after %d automatic restart(s)", s.restarts))
		return
	}
	s.restarts++

	next, err := s.start(context.Background())
	if err != nil {
		s.fail(errors.ErrCrash.WithCause(err).WithMessage("restart after crash failed"))
		return
	}
	s.restarted(ReasonCrash, next)
}

func (s *Supervisor) fail(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

func live(h *backend.Handle) bool {
	switch h.State() {
	case backend.StateStarting, backend.StateReady, backend.StateReloading:
		return true
	default:
		return false
	}
}
