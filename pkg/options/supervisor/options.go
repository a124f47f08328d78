// Package supervisor provides process supervision options.
package supervisor

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/devserver/pkg/devserver/supervisor"
	"github.com/kart-io/devserver/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Options bounds restarts and lifecycle transitions.
type Options struct {
	MaxRestarts  int           `json:"max-restarts" mapstructure:"max-restarts"`
	StartTimeout time.Duration `json:"start-timeout" mapstructure:"start-timeout"`
	DrainTimeout time.Duration `json:"drain-timeout" mapstructure:"drain-timeout"`
}

// NewOptions creates Options with default values.
func NewOptions() *Options {
	return &Options{
		MaxRestarts:  1,
		StartTimeout: 10 * time.Second,
		DrainTimeout: 5 * time.Second,
	}
}

// AddFlags adds flags for supervisor options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(append(prefixes, "supervisor")...)
	fs.IntVar(&o.MaxRestarts, p+"max-restarts", o.MaxRestarts,
		"Automatic restarts after a crash before giving up. Reset by every reload.")
	fs.DurationVar(&o.StartTimeout, p+"start-timeout", o.StartTimeout, "Maximum time for a server instance to become ready.")
	fs.DurationVar(&o.DrainTimeout, p+"drain-timeout", o.DrainTimeout, "Maximum time in-flight requests get on a graceful stop.")
}

// Validate validates the supervisor options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}
	var errs []error
	if o.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("supervisor.max-restarts cannot be negative"))
	}
	if o.StartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.start-timeout must be positive"))
	}
	if o.DrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.drain-timeout must be positive"))
	}
	return errs
}

// Complete is a no-op.
func (o *Options) Complete() error { return nil }

// SupervisorOptions converts o into supervisor options.
func (o *Options) SupervisorOptions() []supervisor.Option {
	return []supervisor.Option{
		supervisor.WithMaxRestarts(o.MaxRestarts),
		supervisor.WithStartTimeout(o.StartTimeout),
		supervisor.WithDrainTimeout(o.DrainTimeout),
	}
}
