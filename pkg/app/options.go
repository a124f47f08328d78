// Package app defines the contract between a command and its options.
package app

import "github.com/spf13/pflag"

// CliOptions is implemented by the top-level options of a command.
type CliOptions interface {
	// AddFlags registers every flag of the command on fs.
	AddFlags(fs *pflag.FlagSet)
	// Complete fills in derived values after flags and the config file are read.
	Complete() error
	// Validate reports the first invalid combination of values.
	Validate() error
}

// ConfigLocator is implemented by options that know where their
// configuration file lives. It is consulted after flags are parsed.
type ConfigLocator interface {
	ConfigDirs() []string
}
