// Package admin provides the admin endpoint options.
package admin

import (
	"fmt"
	"net"

	"github.com/spf13/pflag"

	"github.com/kart-io/devserver/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Options configures the health and metrics listener.
type Options struct {
	// Addr is the listen address. Empty disables the endpoint.
	Addr string `json:"addr" mapstructure:"addr"`
	// Metrics enables /metrics.
	Metrics bool `json:"metrics" mapstructure:"metrics"`
}

// NewOptions creates Options with the endpoint disabled.
func NewOptions() *Options {
	return &Options{Metrics: true}
}

// AddFlags adds flags for admin options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(append(prefixes, "admin")...)
	fs.StringVar(&o.Addr, p+"addr", o.Addr, "Address of the /healthz and /metrics endpoint, e.g. 127.0.0.1:2301. Empty disables it.")
	fs.BoolVar(&o.Metrics, p+"metrics", o.Metrics, "Serve Prometheus metrics on the admin endpoint.")
}

// Enabled reports whether the admin endpoint runs.
func (o *Options) Enabled() bool { return o != nil && o.Addr != "" }

// Validate validates the admin options.
func (o *Options) Validate() []error {
	if !o.Enabled() {
		return nil
	}
	if _, _, err := net.SplitHostPort(o.Addr); err != nil {
		return []error{fmt.Errorf("admin.addr: %w", err)}
	}
	return nil
}

// Complete is a no-op.
func (o *Options) Complete() error { return nil }
