// Package pool runs short callbacks on a bounded ants goroutine pool and
// counts what happened to them.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"
	"github.com/panjf2000/ants/v2"
)

// Config sizes a pool.
type Config struct {
	// Capacity is the maximum number of concurrent callbacks.
	Capacity int
	// ExpiryDuration is how long an idle goroutine is kept.
	ExpiryDuration time.Duration
	// Nonblocking makes Submit fail with ErrPoolOverload when the pool is full.
	Nonblocking bool
	// MaxBlockingTasks bounds the waiting submitters, 0 means unbounded.
	MaxBlockingTasks int
	// PanicHandler receives recovered panics. Panics are logged when nil.
	PanicHandler func(interface{})
}

// ObserverPoolConfig sizes the pool that runs reload observers. Observers
// are few and short; submitters wait rather than drop a notification.
func ObserverPoolConfig() *Config {
	return &Config{
		Capacity:         16,
		ExpiryDuration:   5 * time.Second,
		MaxBlockingTasks: 1000,
	}
}

// Stats counts callbacks over the life of a pool.
type Stats struct {
	Submitted int64
	Completed int64
	Rejected  int64
	Panicked  int64
}

// Pool is a named ants pool.
type Pool struct {
	name string
	cfg  Config
	pool *ants.Pool

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64

	mu     sync.Mutex
	closed atomic.Bool
}

// NewPool creates a pool. A nil cfg uses ObserverPoolConfig.
func NewPool(name string, cfg *Config) (*Pool, error) {
	if cfg == nil {
		cfg = ObserverPoolConfig()
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidPoolConfig, cfg.Capacity)
	}

	p := &Pool{name: name, cfg: *cfg}
	ap, err := ants.NewPool(cfg.Capacity,
		ants.WithExpiryDuration(cfg.ExpiryDuration),
		ants.WithNonblocking(cfg.Nonblocking),
		ants.WithMaxBlockingTasks(cfg.MaxBlockingTasks),
		ants.WithPanicHandler(p.recovered),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool %s: %w", name, err)
	}
	p.pool = ap

	logger.Debugw("Pool created", "pool", name, "capacity", cfg.Capacity)
	return p, nil
}

func (p *Pool) recovered(r interface{}) {
	p.panicked.Add(1)
	if p.cfg.PanicHandler != nil {
		p.cfg.PanicHandler(r)
		return
	}
	logger.Errorw("Callback panicked", "pool", p.name, "panic", r)
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Submit runs fn on the pool.
func (p *Pool) Submit(fn func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	err := p.pool.Submit(func() {
		fn()
		p.completed.Add(1)
	})
	switch {
	case err == nil:
		p.submitted.Add(1)
		return nil
	case errors.Is(err, ants.ErrPoolOverload):
		p.rejected.Add(1)
		return ErrPoolOverload
	case errors.Is(err, ants.ErrPoolClosed):
		return ErrPoolClosed
	default:
		return err
	}
}

// Release closes the pool without waiting for running callbacks.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Swap(true) {
		return
	}
	p.pool.Release()
}

// ReleaseTimeout closes the pool and waits up to timeout for running
// callbacks.
func (p *Pool) ReleaseTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Swap(true) {
		return nil
	}
	return p.pool.ReleaseTimeout(timeout)
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}
