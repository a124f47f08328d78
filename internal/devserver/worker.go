//go:build !windows

package devserver

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/kart-io/logger"
	"github.com/spf13/cobra"

	"github.com/kart-io/devserver/pkg/devserver/backend"
	"github.com/kart-io/devserver/pkg/devserver/backend/worker"
	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/devserver/requestlog"
	"github.com/kart-io/devserver/pkg/errors"
	logopts "github.com/kart-io/devserver/pkg/options/logger"
	projectopts "github.com/kart-io/devserver/pkg/options/project"
)

// workerOptions are the flags of the hidden worker subcommand. The server
// configuration itself arrives in the environment.
type workerOptions struct {
	ListenFD int
	ReadyFD  int
	Project  *projectopts.Options
	Log      *logopts.Options
}

func newWorkerCommand() *cobra.Command {
	o := &workerOptions{
		ListenFD: worker.ListenFD,
		ReadyFD:  worker.ReadyFD,
		Project:  projectopts.NewOptions(),
		Log:      logopts.NewOptions(),
	}
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Serve the project on an inherited listener",
		Hidden:        true,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), o)
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&o.ListenFD, "listen-fd", o.ListenFD, "File descriptor of the inherited listener.")
	fs.IntVar(&o.ReadyFD, "ready-fd", o.ReadyFD, "File descriptor of the status pipe.")
	o.Project.AddFlags(fs)
	o.Log.AddFlags(fs)
	return cmd
}

func runWorker(ctx context.Context, o *workerOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	// SIGINT from the terminal belongs to the supervisor.
	signal.Ignore(os.Interrupt)

	o.Log.AddInitialField("service.name", Name+"-worker")
	if err := o.Log.Init(); err != nil {
		logger.Warnw("Worker logger unavailable, using defaults", "error", err)
	}

	ln, ready, err := worker.Inherited(o.ListenFD, o.ReadyFD)
	if err != nil {
		return err
	}
	if err := serveWorker(ctx, o, ln, ready); err != nil {
		logger.Errorw("Worker stopped", "pid", os.Getpid(), "error", err)
		return err
	}
	return nil
}

// serveWorker owns ln and ready. Failures before serving are reported on
// ready so the supervisor sees the real cause.
func serveWorker(ctx context.Context, o *workerOptions, ln net.Listener, ready io.WriteCloser) error {
	fail := func(err error) error {
		_ = ln.Close()
		worker.Report(ready, err)
		_ = ready.Close()
		return err
	}

	env, err := config.EnvValues(os.LookupEnv)
	if err != nil {
		return fail(err)
	}
	cfg, err := config.Resolve(config.Inputs{Env: env, Defaults: config.DefaultValues()})
	if err != nil {
		return fail(err)
	}
	if err := o.Project.Complete(); err != nil {
		return fail(errors.ErrConfig.WithCause(err))
	}
	p, err := project.Open(o.Project.Root, cfg)
	if err != nil {
		return fail(err)
	}
	defer p.Close()

	sink, err := requestlog.New(cfg.Logging(), p.Name())
	if err != nil {
		return fail(err)
	}
	defer sink.Close()

	var opts []backend.Option
	if sink != nil {
		opts = append(opts, backend.WithMiddleware(sink.Middleware))
	}
	return worker.Serve(ctx, cfg, p, ln, ready, opts...)
}
