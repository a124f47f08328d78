//go:build !windows

package worker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/devserver/pkg/devserver/backend"
	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/errors"
)

// File descriptors of the inherited listener and the status pipe in the
// worker process. The worker writes "ready" once serving, then one "ok" or
// "error <code> <message>" line per SIGHUP.
const (
	ListenFD = 3
	ReadyFD  = 4
)

func init() {
	backend.Register(config.BackendAlternateB, New)
}

// CommandFunc builds the worker command for cfg. The engine sets
// ExtraFiles; everything else is up to the function.
type CommandFunc func(cfg *config.ServerConfig) (*exec.Cmd, error)

// Backend supervises worker processes.
type Backend struct {
	app     project.Application
	opts    backend.Options
	command CommandFunc

	mu     sync.Mutex
	ln     net.Listener
	lnFile *os.File
}

// New creates the worker engine running the current executable's worker
// subcommand.
func New(app project.Application, opts ...backend.Option) backend.Backend {
	return NewWithCommand(app, SelfCommand(app), opts...)
}

// NewWithCommand creates the worker engine with a custom command.
func NewWithCommand(app project.Application, command CommandFunc, opts ...backend.Option) *Backend {
	o := backend.NewOptions(opts...)
	return &Backend{
		app:     app,
		opts:    o,
		command: command,
		ln:      o.Listener,
	}
}

// SelfCommand re-executes the running binary as "worker". The resolved
// configuration travels in the environment so the worker sees exactly the
// values the supervisor resolved.
func SelfCommand(app project.Application) CommandFunc {
	return func(cfg *config.ServerConfig) (*exec.Cmd, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		args := []string{
			"worker",
			"--listen-fd=" + strconv.Itoa(ListenFD),
			"--ready-fd=" + strconv.Itoa(ReadyFD),
		}
		if r, ok := app.(interface{ Root() string }); ok {
			args = append(args, "--project.root="+r.Root())
		}
		cmd := exec.Command(exe, args...)
		cmd.Env = append(os.Environ(), Environ(cfg)...)
		return cmd, nil
	}
}

// Environ encodes cfg as the environment variables read by the config
// package.
func Environ(cfg *config.ServerConfig) []string {
	lg := cfg.Logging()
	env := []string{
		config.EnvHost + "=" + cfg.Host(),
		config.EnvPort + "=" + strconv.Itoa(cfg.Port()),
		config.EnvEnvironment + "=" + cfg.Environment().String(),
		config.EnvBackend + "=" + string(config.BackendDefault),
		config.EnvCodeReloading + "=false",
		config.EnvLogEnabled + "=" + strconv.FormatBool(lg.Enabled()),
		config.EnvLogLevel + "=" + string(lg.Level()),
		config.EnvLogStream + "=" + lg.SinkPath(),
		config.EnvProject + "=" + cfg.Project(),
		config.EnvDatabaseURL + "=" + cfg.DatabaseURL(),
	}
	return env
}

func (b *Backend) Name() string             { return "worker" }
func (b *Backend) Kind() config.BackendKind { return config.BackendAlternateB }
func (b *Backend) SupportsHotSwap() bool    { return false }

// SharesListener reports that every worker serves the same inherited socket,
// so a replacement can start before its predecessor stops.
func (b *Backend) SharesListener() bool { return true }

// process is the private data behind a worker Handle.
type process struct {
	cmd    *exec.Cmd
	status <-chan string

	// mu serializes requests that wait for a status line.
	mu sync.Mutex
}

// readStatus forwards the lines of the status pipe until the worker closes
// it. Lines nobody waits for are dropped once the buffer is full.
func readStatus(r *os.File) <-chan string {
	lines := make(chan string, 4)
	go func() {
		defer close(lines)
		defer r.Close()
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			default:
			}
		}
	}()
	return lines
}

// Start spawns a worker and waits until it reports ready.
func (b *Backend) Start(ctx context.Context, cfg *config.ServerConfig) (*backend.Handle, error) {
	lnFile, err := b.listener(cfg)
	if err != nil {
		return nil, err
	}

	cmd, err := b.command(cfg)
	if err != nil {
		return nil, errors.ErrInternal.WithCause(err)
	}
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, errors.ErrInternal.WithCause(err)
	}

	cmd.ExtraFiles = []*os.File{lnFile, readyW}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// Keep terminal signals away from the worker; the supervisor decides
	// when it stops.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		readyW.Close()
		readyR.Close()
		return nil, errors.ErrInternal.WithCause(fmt.Errorf("start worker: %w", err))
	}
	readyW.Close()

	status := readStatus(readyR)
	h := backend.NewHandle(cmd.Process.Pid, &process{cmd: cmd, status: status})
	go b.monitor(h, cmd)

	timer := time.NewTimer(b.opts.StartTimeout)
	defer timer.Stop()

	select {
	case line := <-status:
		if line == "ready" {
			h.Transition(backend.StateStarting, backend.StateReady)
			logger.Infow("Worker started",
				"handle", h.ID(),
				"pid", h.PID(),
				"addr", cfg.Addr(),
			)
			return h, nil
		}
		h.SetState(backend.StateStopping)
		<-h.Done()
		return nil, startError(line, h.Err())
	case <-timer.C:
		h.SetState(backend.StateStopping)
		b.kill(h)
		return nil, errors.ErrInternal.WithMessagef("worker not ready within %s", b.opts.StartTimeout)
	case <-ctx.Done():
		h.SetState(backend.StateStopping)
		b.kill(h)
		return nil, ctx.Err()
	}
}

// startError turns the worker's first line into an error.
func startError(line string, exitErr error) error {
	if err := reportError(line); err != nil {
		return err
	}
	return errors.ErrCrash.WithCause(fmt.Errorf("worker exited before it was ready: %v", exitErr))
}

// reportError decodes an "error <code> <message>" line. Other lines give nil.
func reportError(line string) error {
	rest, ok := strings.CutPrefix(line, "error ")
	if !ok {
		return nil
	}
	codeStr, msg, _ := strings.Cut(rest, " ")
	if code, err := strconv.Atoi(codeStr); err == nil {
		if e, ok := errors.Lookup(code); ok {
			return e.WithMessage(msg)
		}
	}
	return errors.ErrInternal.WithMessage(rest)
}

// monitor waits for the worker and records how it ended. An exit the
// supervisor did not ask for marks the handle crashed.
func (b *Backend) monitor(h *backend.Handle, cmd *exec.Cmd) {
	err := cmd.Wait()
	switch h.State() {
	case backend.StateStopping, backend.StateStopped:
		h.Exit(nil)
	default:
		if err == nil {
			err = fmt.Errorf("worker %d exited", h.PID())
		}
		h.SetState(backend.StateCrashed)
		logger.Errorw("Worker exited unexpectedly", "handle", h.ID(), "pid", h.PID(), "error", err)
		h.Exit(errors.ErrCrash.WithCause(err))
	}
}

// Stop sends SIGTERM and waits up to the drain timeout before killing the
// worker. A forced stop kills immediately.
func (b *Backend) Stop(ctx context.Context, h *backend.Handle, graceful bool) error {
	proc, err := b.process(h)
	if err != nil {
		return err
	}
	select {
	case <-h.Done():
		h.SetState(backend.StateStopped)
		return nil
	default:
	}
	h.SetState(backend.StateStopping)

	if !graceful {
		b.kill(h)
	} else if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		b.kill(h)
	}

	timer := time.NewTimer(b.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-h.Done():
	case <-timer.C:
		logger.Warnw("Worker did not drain in time, killing", "handle", h.ID(), "pid", h.PID())
		b.kill(h)
		<-h.Done()
	case <-ctx.Done():
		b.kill(h)
		<-h.Done()
		h.SetState(backend.StateStopped)
		return ctx.Err()
	}
	h.SetState(backend.StateStopped)
	return nil
}

// ReloadInPlace is not supported by this engine.
func (b *Backend) ReloadInPlace(context.Context, *backend.Handle, project.Scope) error {
	return errors.ErrHotSwapUnsupported
}

// InvalidateCache asks the worker to reload its schema and waits for the
// answer on the status pipe.
func (b *Backend) InvalidateCache(ctx context.Context, h *backend.Handle) error {
	proc, err := b.process(h)
	if err != nil {
		return err
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()

	// Answers to requests that timed out are stale.
	for drained := false; !drained; {
		select {
		case _, ok := <-proc.status:
			if !ok {
				return errors.ErrNotRunning.WithMessagef("worker %d has exited", h.PID())
			}
		default:
			drained = true
		}
	}

	if err := proc.cmd.Process.Signal(syscall.SIGHUP); err != nil {
		return errors.ErrNotRunning.WithCause(err)
	}

	timer := time.NewTimer(b.opts.StartTimeout)
	defer timer.Stop()
	select {
	case line, ok := <-proc.status:
		switch {
		case !ok:
			return errors.ErrNotRunning.WithMessagef("worker %d exited during schema reload", h.PID())
		case line == "ok":
			return nil
		}
		if err := reportError(line); err != nil {
			return err
		}
		return errors.ErrInternal.WithMessagef("unexpected worker status %q", line)
	case <-timer.C:
		return errors.ErrInternal.WithMessagef("worker did not answer schema reload within %s", b.opts.StartTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the shared listener.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.lnFile != nil {
		err = b.lnFile.Close()
		b.lnFile = nil
	}
	if b.ln != nil {
		if cerr := b.ln.Close(); err == nil {
			err = cerr
		}
		b.ln = nil
	}
	return err
}

// listener binds the address on first use and returns a file for it.
func (b *Backend) listener(cfg *config.ServerConfig) (*os.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lnFile != nil {
		return b.lnFile, nil
	}
	if b.ln == nil {
		ln, err := backend.Listen(cfg.Addr())
		if err != nil {
			return nil, err
		}
		b.ln = ln
	}
	tcp, ok := b.ln.(*net.TCPListener)
	if !ok {
		return nil, errors.ErrInternal.WithMessagef("cannot pass %T to a worker", b.ln)
	}
	f, err := tcp.File()
	if err != nil {
		return nil, errors.ErrInternal.WithCause(err)
	}
	b.lnFile = f
	return f, nil
}

func (b *Backend) process(h *backend.Handle) (*process, error) {
	if h == nil {
		return nil, errors.ErrNotRunning
	}
	proc, ok := h.Impl().(*process)
	if !ok {
		return nil, errors.ErrInternal.WithMessagef("handle %s does not belong to worker", h.ID())
	}
	return proc, nil
}

func (b *Backend) kill(h *backend.Handle) {
	if proc, err := b.process(h); err == nil && proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}
}

var _ backend.Backend = (*Backend)(nil)
