package devserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kart-io/logger"
	"golang.org/x/sync/errgroup"

	"github.com/kart-io/devserver/pkg/devserver/admin"
	"github.com/kart-io/devserver/pkg/devserver/backend"
	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/devserver/reload"
	"github.com/kart-io/devserver/pkg/devserver/requestlog"
	"github.com/kart-io/devserver/pkg/devserver/supervisor"
	"github.com/kart-io/devserver/pkg/devserver/watcher"
	"github.com/kart-io/devserver/pkg/infra/pool"
)

// ResolveConfig builds the server configuration from the explicitly set
// flags, lookup, the project's dotenv files and its configuration file.
func ResolveConfig(opts *Options, lookup config.Lookup) (*config.ServerConfig, error) {
	flags, err := opts.Server.Values()
	if err != nil {
		return nil, err
	}
	env, err := config.EnvValues(lookup)
	if err != nil {
		return nil, err
	}
	file, err := config.LoadFile(opts.Project.ConfigFile(), lookup)
	if err != nil {
		return nil, err
	}

	// The environment decides which dotenv file applies, so it is settled
	// before the dotenv values join the environment layer.
	name := config.EnvironmentOf(config.Inputs{Flags: flags, Env: env, File: file, Defaults: config.DefaultValues()})
	merged, err := config.EnvFiles(opts.Project.Root, name, lookup)
	if err != nil {
		return nil, err
	}
	if env, err = config.EnvValues(merged); err != nil {
		return nil, err
	}
	if file, err = config.LoadFile(opts.Project.ConfigFile(), merged); err != nil {
		return nil, err
	}

	return config.Resolve(config.Inputs{
		Flags:    flags,
		Env:      env,
		File:     file,
		Defaults: config.DefaultValues(),
	})
}

// Server wires the project, the engine and the reload machinery of one run.
type Server struct {
	opts *Options
	cfg  *config.ServerConfig

	app         *project.Project
	sink        *requestlog.Sink
	supervisor  *supervisor.Supervisor
	coordinator *reload.Coordinator
	watcher     *watcher.Watcher
	observers   *pool.Pool
	metrics     *admin.Metrics
	admin       *admin.Server
}

// NewServer prepares a run. Nothing is bound and no file is watched until
// Run.
func NewServer(opts *Options, cfg *config.ServerConfig) (*Server, error) {
	s := &Server{opts: opts, cfg: cfg}

	app, err := project.Open(opts.Project.Root, cfg)
	if err != nil {
		return nil, err
	}
	s.app = app

	sink, err := requestlog.New(cfg.Logging(), app.Name(), requestlog.WithRotation(opts.RequestLog.Rotation()))
	if err != nil {
		s.release()
		return nil, err
	}
	s.sink = sink

	bopts := []backend.Option{
		backend.WithStartTimeout(opts.Supervisor.StartTimeout),
		backend.WithDrainTimeout(opts.Supervisor.DrainTimeout),
	}
	if sink != nil {
		bopts = append(bopts, backend.WithMiddleware(sink.Middleware))
	}
	engine, err := backend.New(cfg.Backend(), app, bopts...)
	if err != nil {
		s.release()
		return nil, err
	}

	if opts.Admin.Enabled() && opts.Admin.Metrics {
		s.metrics = admin.NewMetrics()
	}

	sopts := opts.Supervisor.SupervisorOptions()
	if s.metrics != nil {
		sopts = append(sopts, supervisor.WithRestartHook(s.metrics.ObserveRestart))
	}
	s.supervisor = supervisor.New(engine, cfg, sopts...)

	s.observers, err = pool.NewPool("reload-observers", pool.ObserverPoolConfig())
	if err != nil {
		s.release()
		return nil, err
	}
	copts := []reload.Option{reload.WithPool(s.observers)}
	if s.metrics != nil {
		s.metrics.ObservePool(s.observers)
		copts = append(copts, reload.WithObserver(s.metrics.ObserveReload))
	}
	s.coordinator = reload.New(s.supervisor, cfg.CodeReloading(), copts...)

	if cfg.CodeReloading() {
		w, err := watcher.New(app.Root(), opts.Watch.WatcherOptions()...)
		if err != nil {
			s.release()
			return nil, err
		}
		s.watcher = w
	}

	if opts.Admin.Enabled() {
		s.admin = admin.New(s.supervisor, s.coordinator, s.metrics)
	}
	return s, nil
}

// Supervisor returns the process supervisor.
func (s *Server) Supervisor() *supervisor.Supervisor { return s.supervisor }

// Coordinator returns the reload coordinator.
func (s *Server) Coordinator() *reload.Coordinator { return s.coordinator }

// Run starts the server and blocks until ctx is done or a fatal error
// occurs. Configuration and bind errors are returned before anything keeps
// running.
func (s *Server) Run(ctx context.Context) error {
	var adminLn net.Listener
	if s.admin != nil {
		ln, err := backend.Listen(s.opts.Admin.Addr)
		if err != nil {
			s.release()
			return err
		}
		adminLn = ln
	}

	if err := s.supervisor.EnsureRunning(ctx); err != nil {
		if adminLn != nil {
			_ = adminLn.Close()
		}
		_ = s.supervisor.Stop(context.Background(), false)
		s.release()
		return err
	}
	h := s.supervisor.Handle()
	logger.Infow("Server started",
		"addr", s.cfg.Addr(),
		"backend", s.supervisor.Backend().Name(),
		"environment", s.cfg.Environment().String(),
		"code_reloading", s.cfg.CodeReloading(),
		"handle", h.ID(),
		"pid", h.PID(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.coordinator.Run(gctx) })

	if s.watcher != nil {
		changes, err := s.watcher.Watch(gctx)
		if err != nil {
			logger.Errorw("File watching unavailable, code reloading is off", "error", err)
		} else {
			logger.Infow("Watching for changes", "root", s.watcher.Root())
			g.Go(func() error { return s.coordinator.Consume(gctx, changes) })
		}
	}

	if adminLn != nil {
		g.Go(func() error { return s.admin.Serve(gctx, adminLn) })
	}

	g.Go(func() error {
		select {
		case err := <-s.supervisor.Fatal():
			logger.Errorw("Giving up on the server", "error", err)
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	if serr := s.shutdown(); err == nil {
		err = serr
	}
	return err
}

func (s *Server) shutdown() error {
	logger.Infow("Shutting down", "timeout", s.opts.Server.ShutdownTimeout.String())
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Server.ShutdownTimeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Close()
	}
	err := s.supervisor.Stop(ctx, true)
	if err != nil {
		err = fmt.Errorf("stop server: %w", err)
	}
	s.release()
	logger.Infow("Server stopped")
	return err
}

// release frees everything NewServer acquired. It is safe on a partly
// built server.
func (s *Server) release() {
	if s.observers != nil {
		if err := s.observers.ReleaseTimeout(time.Second); err != nil {
			logger.Debugw("Observer pool did not drain", "error", err)
		}
	}
	if s.sink != nil {
		_ = s.sink.Close()
	}
	if s.app != nil {
		if err := s.app.Close(); err != nil {
			logger.Warnw("Closing the project database failed", "error", err)
		}
	}
}
