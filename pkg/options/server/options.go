// Package server provides the options of the supervised HTTP server.
//
// The values themselves are resolved by config.Resolve, which gives explicitly
// set flags precedence over the environment and the project file. This group
// only registers the flags and their help text.
package server

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Options contains the server flags.
type Options struct {
	Host          string `json:"host" mapstructure:"-"`
	Port          int    `json:"port" mapstructure:"-"`
	Environment   string `json:"environment" mapstructure:"-"`
	Backend       string `json:"backend" mapstructure:"-"`
	CodeReloading bool   `json:"code-reloading" mapstructure:"-"`
	NoReloading   bool   `json:"-" mapstructure:"-"`
	// ShutdownTimeout bounds the whole shutdown sequence after a signal.
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`

	fs *pflag.FlagSet
}

// NewOptions creates Options carrying the built-in defaults.
func NewOptions() *Options {
	d := config.DefaultValues()
	return &Options{
		Host:            *d.Host,
		Port:            *d.Port,
		Environment:     *d.Environment,
		Backend:         *d.Backend,
		CodeReloading:   *d.CodeReloading,
		ShutdownTimeout: 10 * time.Second,
	}
}

// AddFlags registers the server flags. The names are fixed; prefixes only
// apply to shutdown-timeout.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	o.fs = fs
	fs.StringVar(&o.Host, config.FlagHost, o.Host, "Host to bind the server to.")
	fs.IntVarP(&o.Port, config.FlagPort, "p", o.Port, "Port to bind the server to.")
	fs.StringVarP(&o.Environment, config.FlagEnvironment, "e", o.Environment,
		"Environment name (development, test, production or any custom name).")
	fs.StringVar(&o.Backend, config.FlagBackend, o.Backend,
		"Application server engine: default (gin), alternate-a (echo) or alternate-b (worker process).")
	fs.BoolVar(&o.CodeReloading, config.FlagCodeReloading, o.CodeReloading, "Reload the application when source files change.")
	fs.BoolVar(&o.NoReloading, config.FlagNoReloading, false, "Disable code reloading.")
	fs.DurationVar(&o.ShutdownTimeout, options.Join(prefixes...)+"shutdown-timeout", o.ShutdownTimeout,
		"Maximum time to wait for a graceful shutdown.")
}

// Values returns the flag layer for config.Resolve.
func (o *Options) Values() (config.Values, error) {
	if o.fs == nil {
		return config.Values{}, nil
	}
	return config.FlagValues(o.fs)
}

// Validate checks the flags that are not part of the resolved configuration.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}
	var errs []error
	if o.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown-timeout must be positive"))
	}
	if o.CodeReloading && o.NoReloading && o.fs != nil && o.fs.Changed(config.FlagCodeReloading) {
		errs = append(errs, fmt.Errorf("--%s and --%s are mutually exclusive", config.FlagCodeReloading, config.FlagNoReloading))
	}
	return errs
}

// Complete is a no-op.
func (o *Options) Complete() error { return nil }
