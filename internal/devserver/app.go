// Package devserver is the devserver command: it resolves the configuration,
// starts the project under the chosen engine and reloads it as files change.
package devserver

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kart-io/logger"

	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/errors"
	"github.com/kart-io/devserver/pkg/infra/app"
)

const (
	// Name is the command and configuration file name.
	Name           = "devserver"
	appDescription = `Development server with code reloading.

Serves a project and keeps it current while you edit it:
  - template, view and asset changes are swapped into the running server
  - code changes reload the application, or restart the worker process
  - migrations drop the cached database schema
  - a broken change keeps the last good version serving

Examples:
  # Serve the project in the current directory
  devserver

  # Bind a different address
  devserver --host=0.0.0.0 --port=2306

  # Serve with the echo engine and no reloading
  devserver --backend=echo --no-code-reloading

  # Log requests to a file
  devserver --logger.stream=log/development.log --logger.level=debug

  # Expose health and metrics
  devserver --admin.addr=127.0.0.1:2301

Configuration:
  Configuration can be provided via:
  - Command-line flags (highest priority)
  - Environment variables (DEVSERVER_HOST, DEVSERVER_PORT, DEVSERVER_ENV, ...)
  - .env and .env.<environment> files in the project root
  - config/devserver.yaml in the project root
  - Default values (lowest priority)`
)

// NewApp creates the devserver application.
func NewApp() *app.App {
	opts := NewOptions()

	return app.NewApp(
		app.WithName(Name),
		app.WithShortDescription("Serve a project and reload it on change"),
		app.WithDescription(appDescription),
		app.WithOptions(opts),
		app.WithCommands(newWorkerCommand()),
		app.WithRunFunc(func() error {
			return Run(opts)
		}),
	)
}

// Run resolves the configuration and serves until SIGINT or SIGTERM.
func Run(opts *Options) error {
	opts.Log.AddInitialField("service.name", Name)
	opts.Log.AddInitialField("service.version", app.GetVersion())
	if err := opts.Log.Init(); err != nil {
		return errors.ErrConfig.WithCause(fmt.Errorf("failed to initialize logger: %w", err))
	}

	cfg, err := ResolveConfig(opts, os.LookupEnv)
	if err != nil {
		logger.Errorw("Invalid configuration", "error", err)
		return err
	}
	printBanner(opts, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(opts, cfg)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func printBanner(opts *Options, cfg *config.ServerConfig) {
	fmt.Println("===========================================")
	fmt.Println("  Devserver")
	fmt.Println("===========================================")
	fmt.Printf("Version: %s\n", app.GetVersion())
	fmt.Printf("Listening: http://%s\n", cfg.Addr())
	fmt.Printf("Backend: %s\n", cfg.Backend())
	fmt.Printf("Environment: %s\n", cfg.Environment())
	fmt.Printf("Project: %s\n", opts.Project.Root)

	fmt.Println("-------------------------------------------")
	fmt.Println("Configuration:")
	if cfg.CodeReloading() {
		fmt.Printf("  Code reloading: on (debounce %s)\n", opts.Watch.Debounce)
	} else {
		fmt.Println("  Code reloading: off")
	}
	if lg := cfg.Logging(); lg.Enabled() {
		dest := lg.SinkPath()
		if dest == "" {
			dest = "stdout"
		}
		fmt.Printf("  Request log: level=%s, stream=%s\n", lg.Level(), dest)
	} else {
		fmt.Println("  Request log: off")
	}
	fmt.Printf("  Crash restarts: %d\n", opts.Supervisor.MaxRestarts)

	if opts.Admin.Enabled() {
		fmt.Println("-------------------------------------------")
		fmt.Println("Endpoints:")
		fmt.Printf("  Health: http://%s/healthz\n", opts.Admin.Addr)
		if opts.Admin.Metrics {
			fmt.Printf("  Metrics: http://%s/metrics\n", opts.Admin.Addr)
		}
	}

	fmt.Println("-------------------------------------------")
	fmt.Println("Press Ctrl+C to gracefully shutdown")
	fmt.Println()
}
