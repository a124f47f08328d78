// Package logger provides the lifecycle logger options.
//
// The lifecycle logger reports what the supervisor does: starts, reloads,
// crashes and shutdown. Request lines go to the separate request log.
package logger

import (
	"github.com/kart-io/logger"
	"github.com/kart-io/logger/core"
	"github.com/kart-io/logger/option"
	"github.com/spf13/pflag"

	"github.com/kart-io/devserver/pkg/options"
)

// Options wraps option.LogOption.
type Options struct {
	option.LogOption `mapstructure:",squash"`
}

// NewOptions creates Options writing human readable lines to stdout.
func NewOptions() *Options {
	opt := option.DefaultLogOption()
	opt.Format = "console"
	opt.OutputPaths = []string{"stdout"}
	return &Options{LogOption: *opt}
}

// AddFlags adds flags for logger options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(append(prefixes, "log")...)
	fs.StringVar(&o.Engine, p+"engine", o.Engine, "Logging engine (zap|slog).")
	fs.StringVar(&o.Level, p+"level", o.Level, "Lifecycle log level (DEBUG|INFO|WARN|ERROR).")
	fs.StringVar(&o.Format, p+"format", o.Format, "Lifecycle log format (json|console).")
	fs.StringSliceVar(&o.OutputPaths, p+"output-paths", o.OutputPaths, "Lifecycle log destinations.")
	fs.BoolVar(&o.Development, p+"development", o.Development, "Enable development mode (caller and stack traces).")
	fs.BoolVar(&o.DisableCaller, p+"disable-caller", o.DisableCaller, "Disable caller detection.")

	if o.Rotation == nil {
		o.Rotation = &option.RotationOption{}
	}
	fs.IntVar(&o.Rotation.MaxSize, p+"rotation.max-size", o.Rotation.MaxSize, "Maximum size in MB of a lifecycle log file before rotation.")
	fs.IntVar(&o.Rotation.MaxAge, p+"rotation.max-age", o.Rotation.MaxAge, "Days to retain rotated lifecycle log files.")
	fs.IntVar(&o.Rotation.MaxBackups, p+"rotation.max-backups", o.Rotation.MaxBackups, "Rotated lifecycle log files to retain.")
}

// Validate validates the logger options.
func (o *Options) Validate() []error {
	if err := o.LogOption.Validate(); err != nil {
		return []error{err}
	}
	return nil
}

// Complete is a no-op.
func (o *Options) Complete() error { return nil }

// Init installs the logger as the global logger.
func (o *Options) Init() error {
	log, err := logger.New(&o.LogOption)
	if err != nil {
		return err
	}
	logger.SetGlobal(log)
	return nil
}

// CreateLogger creates a logger without installing it.
func (o *Options) CreateLogger() (core.Logger, error) {
	return logger.New(&o.LogOption)
}
