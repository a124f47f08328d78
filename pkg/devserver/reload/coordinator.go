// Package reload applies changesets to the running server, one at a time and
// in arrival order.
//
// The coordinator is a three state machine. It is idle until a changeset is
// taken from the queue, applying while the decision is carried out, and
// faulted when the last application failed. A faulted coordinator keeps the
// previous server running and returns to idle on the next successful
// application.
package reload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/devserver/watcher"
	"github.com/kart-io/devserver/pkg/errors"
	"github.com/kart-io/devserver/pkg/infra/pool"
)

// State is the coordinator state.
type State int32

const (
	StateIdle State = iota
	StateApplying
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateApplying:
		return "applying"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Target carries out decisions. The supervisor implements it; the
// coordinator never touches a backend handle directly.
type Target interface {
	SupportsHotSwap() bool
	ReloadInPlace(ctx context.Context, scope project.Scope) error
	Restart(ctx context.Context) error
	InvalidateCache(ctx context.Context) error
}

// Result describes one applied changeset.
type Result struct {
	Changeset watcher.Changeset
	Decision  Decision
	Err       error
	Duration  time.Duration
	// State is the coordinator state after the changeset.
	State State
}

// Observer receives results. Observers run on the observer pool when one is
// configured, so they must not assume they run in order.
type Observer func(Result)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

// WithPool dispatches observers on p.
func WithPool(p *pool.Pool) Option {
	return func(c *Coordinator) { c.pool = p }
}

// Coordinator serializes reloads.
type Coordinator struct {
	target        Target
	codeReloading bool
	observers     []Observer
	pool          *pool.Pool

	mu     sync.Mutex
	queue  []watcher.Changeset
	wake   chan struct{}
	lastOK time.Time

	state   atomic.Int32
	running atomic.Bool
	lastErr atomic.Pointer[error]
}

// New creates a coordinator applying decisions to target.
func New(target Target, codeReloading bool, opts ...Option) *Coordinator {
	c := &Coordinator{
		target:        target,
		codeReloading: codeReloading,
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit queues a changeset. It never blocks and never drops.
func (c *Coordinator) Submit(cs watcher.Changeset) {
	c.mu.Lock()
	c.queue = append(c.queue, cs)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Consume submits every changeset from ch until it is closed or ctx is done.
func (c *Coordinator) Consume(ctx context.Context, ch <-chan watcher.Changeset) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cs, ok := <-ch:
			if !ok {
				return nil
			}
			c.Submit(cs)
		}
	}
}

// Pending returns the number of queued changesets.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// State returns the current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// LastError returns the error that faulted the coordinator, if it is faulted.
func (c *Coordinator) LastError() error {
	if c.State() != StateFaulted {
		return nil
	}
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Run applies queued changesets until ctx is done. Only one Run may be
// active at a time.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.ErrInternal.WithMessage("reload coordinator is already running")
	}
	defer c.running.Store(false)

	for {
		cs, ok := c.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		c.apply(ctx, cs)
	}
}

func (c *Coordinator) next() (watcher.Changeset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return watcher.Changeset{}, false
	}
	cs := c.queue[0]
	c.queue[0] = watcher.Changeset{}
	c.queue = c.queue[1:]
	return cs, true
}

// apply runs one cycle. Once started it runs to completion; ctx is only
// passed down for logging and request scoped values.
func (c *Coordinator) apply(ctx context.Context, cs watcher.Changeset) {
	d := Decide(cs, c.codeReloading, c.target.SupportsHotSwap())
	if d.Action == ActionNoop {
		logger.Debugw("Changeset ignored", "seq", cs.Seq, "paths", cs.Paths())
		c.publish(Result{Changeset: cs, Decision: d, State: c.State()})
		return
	}

	prev := c.State()
	c.state.Store(int32(StateApplying))
	start := time.Now()

	cycleCtx := context.WithoutCancel(ctx)
	var err error
	switch d.Action {
	case ActionInvalidateCache:
		err = c.target.InvalidateCache(cycleCtx)
	case ActionHotSwap:
		err = c.target.ReloadInPlace(cycleCtx, d.Scope)
	case ActionFullRestart:
		err = c.target.Restart(cycleCtx)
	}
	elapsed := time.Since(start)

	next := StateIdle
	if err != nil {
		next = StateFaulted
		c.lastErr.Store(&err)
		logger.Warnw("Reload failed, serving the previous version",
			"seq", cs.Seq,
			"decision", d.String(),
			"paths", cs.Paths(),
			"error", err,
		)
	} else {
		c.mu.Lock()
		c.lastOK = time.Now()
		c.mu.Unlock()
		if prev == StateFaulted {
			logger.Infow("Reload recovered", "seq", cs.Seq)
		}
		logger.Infow("Reloaded",
			"seq", cs.Seq,
			"decision", d.String(),
			"paths", cs.Paths(),
			"duration", elapsed.String(),
		)
	}
	c.state.Store(int32(next))

	c.publish(Result{Changeset: cs, Decision: d, Err: err, Duration: elapsed, State: next})
}

// LastSuccess is when a changeset was last applied successfully.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOK
}

func (c *Coordinator) publish(r Result) {
	for _, o := range c.observers {
		if c.pool == nil {
			o(r)
			continue
		}
		if err := c.pool.Submit(func() { o(r) }); err != nil {
			logger.Warnw("Observer dispatch failed, running inline", "error", err)
			o(r)
		}
	}
}
