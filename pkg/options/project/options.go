// Package project provides the options that locate the served project.
package project

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/kart-io/devserver/pkg/devserver/config"
	devproject "github.com/kart-io/devserver/pkg/devserver/project"
	"github.com/kart-io/devserver/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Options locates the project. Name and DatabaseURL are resolved together
// with the server configuration; they are only registered here.
type Options struct {
	Root        string `json:"root" mapstructure:"-"`
	Name        string `json:"name" mapstructure:"-"`
	DatabaseURL string `json:"-" mapstructure:"-"`
}

// NewOptions creates Options rooted at the working directory.
func NewOptions() *Options {
	return &Options{Root: "."}
}

// AddFlags adds flags for project options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Root, options.Join(append(prefixes, "project")...)+"root", o.Root, "Project root directory.")
	fs.StringVar(&o.Name, config.FlagProject, o.Name, "Project name used to tag request log lines. Defaults to the root directory name.")
	fs.StringVar(&o.DatabaseURL, config.FlagDatabaseURL, o.DatabaseURL,
		"Project database (sqlite://, postgres:// or mysql://). Prefer the DATABASE_URL environment variable.")
}

// Complete makes Root absolute.
func (o *Options) Complete() error {
	abs, err := filepath.Abs(o.Root)
	if err != nil {
		return err
	}
	o.Root = abs
	return nil
}

// Validate checks that Root is a directory.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}
	fi, err := os.Stat(o.Root)
	if err != nil {
		return []error{fmt.Errorf("project.root: %w", err)}
	}
	if !fi.IsDir() {
		return []error{fmt.Errorf("project.root: %s is not a directory", o.Root)}
	}
	return nil
}

// ConfigFile is the project configuration file path.
func (o *Options) ConfigFile() string {
	return filepath.Join(o.Root, devproject.ConfigFile)
}

// ConfigDir is the directory searched for the project configuration file.
func (o *Options) ConfigDir() string {
	return filepath.Dir(o.ConfigFile())
}
