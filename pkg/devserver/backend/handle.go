package backend

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is the lifecycle state of one running backend instance.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateReloading
	StateStopping
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateReloading:
		return "reloading"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// Handle represents one running backend instance. A restart produces a new
// Handle; a hot swap keeps the same one.
type Handle struct {
	id        ulid.ULID
	pid       int
	startedAt time.Time
	state     atomic.Int32

	exitOnce sync.Once
	done     chan struct{}
	exitErr  error

	impl any
}

// NewHandle creates a handle in the starting state. impl carries the
// engine's private per-instance data.
func NewHandle(pid int, impl any) *Handle {
	h := &Handle{
		id:        newID(),
		pid:       pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		impl:      impl,
	}
	h.state.Store(int32(StateStarting))
	return h
}

// ID uniquely identifies the instance.
func (h *Handle) ID() string { return h.id.String() }

// PID is the process serving requests.
func (h *Handle) PID() int { return h.pid }

// StartedAt is when the instance was started.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Impl returns the engine's private data.
func (h *Handle) Impl() any { return h.impl }

// State returns the current state.
func (h *Handle) State() State { return State(h.state.Load()) }

// SetState sets the state unconditionally.
func (h *Handle) SetState(s State) { h.state.Store(int32(s)) }

// Transition moves from one state to another and reports whether it did.
func (h *Handle) Transition(from, to State) bool {
	return h.state.CompareAndSwap(int32(from), int32(to))
}

// Done is closed when the instance has exited, expectedly or not.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the exit error. It is only meaningful after Done is closed; nil
// means the instance exited because it was asked to.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// Exit records the exit error and closes Done. Only the first call counts.
func (h *Handle) Exit(err error) {
	h.exitOnce.Do(func() {
		h.exitErr = err
		close(h.done)
	})
}
