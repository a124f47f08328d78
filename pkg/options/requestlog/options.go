// Package requestlog provides the request log options.
package requestlog

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/devserver/requestlog"
	"github.com/kart-io/devserver/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Options configures the request log sink. Enabled, Level and Stream are
// resolved with the server configuration; rotation is read from here.
type Options struct {
	Enabled bool   `json:"enabled" mapstructure:"-"`
	Level   string `json:"level" mapstructure:"-"`
	Stream  string `json:"stream" mapstructure:"-"`

	MaxSizeMB  int  `json:"max-size" mapstructure:"max-size"`
	MaxBackups int  `json:"max-backups" mapstructure:"max-backups"`
	MaxAgeDays int  `json:"max-age" mapstructure:"max-age"`
	Compress   bool `json:"compress" mapstructure:"compress"`
}

// NewOptions creates Options with logging disabled.
func NewOptions() *Options {
	r := requestlog.DefaultRotation()
	return &Options{
		Level:      string(config.LevelInfo),
		MaxSizeMB:  r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAgeDays: r.MaxAgeDays,
		Compress:   r.Compress,
	}
}

// AddFlags adds the request log flags.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, config.FlagLogEnabled, o.Enabled, "Log every handled request.")
	fs.StringVar(&o.Level, config.FlagLogLevel, o.Level, "Request log threshold (debug, info, warn, error).")
	fs.StringVar(&o.Stream, config.FlagLogStream, o.Stream, "Request log file. Empty writes to standard output.")

	p := options.Join(append(prefixes, "logger")...)
	fs.IntVar(&o.MaxSizeMB, p+"max-size", o.MaxSizeMB, "Maximum size in MB of the request log before rotation.")
	fs.IntVar(&o.MaxBackups, p+"max-backups", o.MaxBackups, "Rotated request logs to keep.")
	fs.IntVar(&o.MaxAgeDays, p+"max-age", o.MaxAgeDays, "Days to keep rotated request logs.")
	fs.BoolVar(&o.Compress, p+"compress", o.Compress, "Gzip rotated request logs.")
}

// Validate validates the rotation settings.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}
	var errs []error
	if o.MaxSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("logger.max-size must be positive"))
	}
	if o.MaxBackups < 0 || o.MaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("logger.max-backups and logger.max-age cannot be negative"))
	}
	return errs
}

// Complete is a no-op.
func (o *Options) Complete() error { return nil }

// Rotation returns the rotation policy.
func (o *Options) Rotation() requestlog.Rotation {
	return requestlog.Rotation{
		MaxSizeMB:  o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
		MaxAgeDays: o.MaxAgeDays,
		Compress:   o.Compress,
	}
}
