package devserver

import (
	"github.com/spf13/pflag"

	"github.com/kart-io/devserver/pkg/options"
	adminopts "github.com/kart-io/devserver/pkg/options/admin"
	logopts "github.com/kart-io/devserver/pkg/options/logger"
	projectopts "github.com/kart-io/devserver/pkg/options/project"
	requestlogopts "github.com/kart-io/devserver/pkg/options/requestlog"
	serveropts "github.com/kart-io/devserver/pkg/options/server"
	supervisoropts "github.com/kart-io/devserver/pkg/options/supervisor"
	watchopts "github.com/kart-io/devserver/pkg/options/watch"
)

// Options contains all devserver options.
type Options struct {
	// Server registers the server flags. Their values are resolved by
	// config.Resolve together with the environment and the project file.
	Server *serveropts.Options `json:"server" mapstructure:"server"`

	// Log configures the lifecycle logger.
	Log *logopts.Options `json:"log" mapstructure:"log"`

	// RequestLog configures the request log sink.
	RequestLog *requestlogopts.Options `json:"logger" mapstructure:"logger"`

	// Watch configures the file watcher.
	Watch *watchopts.Options `json:"watch" mapstructure:"watch"`

	// Supervisor bounds restarts and lifecycle timeouts.
	Supervisor *supervisoropts.Options `json:"supervisor" mapstructure:"supervisor"`

	// Project locates the served project.
	Project *projectopts.Options `json:"-" mapstructure:"-"`

	// Admin configures the health and metrics endpoint.
	Admin *adminopts.Options `json:"admin" mapstructure:"admin"`
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		Server:     serveropts.NewOptions(),
		Log:        logopts.NewOptions(),
		RequestLog: requestlogopts.NewOptions(),
		Watch:      watchopts.NewOptions(),
		Supervisor: supervisoropts.NewOptions(),
		Project:    projectopts.NewOptions(),
		Admin:      adminopts.NewOptions(),
	}
}

// AddFlags adds flags to the flagset.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.Server.AddFlags(fs)
	o.Log.AddFlags(fs)
	o.RequestLog.AddFlags(fs)
	o.Watch.AddFlags(fs)
	o.Supervisor.AddFlags(fs)
	o.Project.AddFlags(fs)
	o.Admin.AddFlags(fs)
}

// ConfigDirs points the configuration search at the project's config
// directory.
func (o *Options) ConfigDirs() []string {
	_ = o.Project.Complete()
	return []string{o.Project.ConfigDir()}
}

// Complete completes the options.
func (o *Options) Complete() error {
	for _, c := range []interface{ Complete() error }{
		o.Server, o.Log, o.RequestLog, o.Watch, o.Supervisor, o.Project, o.Admin,
	} {
		if err := c.Complete(); err != nil {
			return err
		}
	}
	return nil
}

// Validate validates the options.
func (o *Options) Validate() error {
	return options.Aggregate(
		o.Server.Validate(),
		o.Log.Validate(),
		o.RequestLog.Validate(),
		o.Watch.Validate(),
		o.Supervisor.Validate(),
		o.Project.Validate(),
		o.Admin.Validate(),
	)
}
