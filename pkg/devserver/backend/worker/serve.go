//go:build !windows

package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kart-io/logger"

	"github.com/kart-io/devserver/pkg/devserver/backend"
	ginbackend "github.com/kart-io/devserver/pkg/devserver/backend/gin"
	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/errors"
)

// Inherited opens the listener and status pipe passed by the supervisor.
func Inherited(listenFD, readyFD int) (net.Listener, io.WriteCloser, error) {
	f := os.NewFile(uintptr(listenFD), "listener")
	if f == nil {
		return nil, nil, errors.ErrInternal.WithMessagef("no listener on fd %d", listenFD)
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, nil, errors.ErrInternal.WithCause(err)
	}
	ready := os.NewFile(uintptr(readyFD), "ready")
	if ready == nil {
		_ = ln.Close()
		return nil, nil, errors.ErrInternal.WithMessagef("no status pipe on fd %d", readyFD)
	}
	return ln, ready, nil
}

// Serve runs the worker side: it serves app on ln until ctx is done, then
// drains. It writes "ready" to status once serving, or an error report if the
// application cannot be loaded. Every SIGHUP reloads the schema and is
// answered with "ok" or an error report.
func Serve(ctx context.Context, cfg *config.ServerConfig, app project.Application, ln net.Listener, status io.WriteCloser, opts ...backend.Option) error {
	defer status.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	engine := backend.NewInProcess("worker", config.BackendAlternateB, ginbackend.Router, app,
		append(opts, backend.WithListener(ln))...)

	h, err := engine.Start(ctx, cfg)
	if err != nil {
		_ = ln.Close()
		Report(status, err)
		return err
	}
	fmt.Fprintln(status, "ready")

	for {
		select {
		case <-hup:
			if err := engine.InvalidateCache(ctx, h); err != nil {
				logger.Warnw("Schema reload failed", "pid", os.Getpid(), "error", err)
				Report(status, err)
				continue
			}
			fmt.Fprintln(status, "ok")
		case <-h.Done():
			return h.Err()
		case <-ctx.Done():
			logger.Infow("Worker draining", "pid", os.Getpid())
			return engine.Stop(context.Background(), h, true)
		}
	}
}

// Report writes a one line failure report to the status pipe.
func Report(w io.Writer, err error) {
	e := errors.FromError(err)
	msg := e.Message
	if cause := e.Unwrap(); cause != nil {
		msg += ": " + cause.Error()
	}
	msg = strings.ReplaceAll(msg, "\n", " ")
	fmt.Fprintf(w, "error %d %s\n", e.Code, msg)
}
