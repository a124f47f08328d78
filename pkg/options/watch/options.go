// Package watch provides file watcher options.
package watch

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/pflag"

	"github.com/kart-io/devserver/pkg/devserver/watcher"
	"github.com/kart-io/devserver/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Options configures the project file watcher.
type Options struct {
	// Debounce is the coalescing window opened by the first change.
	Debounce time.Duration `json:"debounce" mapstructure:"debounce"`
	// Ignore lists extra doublestar patterns, relative to the project root.
	Ignore []string `json:"ignore" mapstructure:"ignore"`
}

// NewOptions creates Options with default values.
func NewOptions() *Options {
	return &Options{Debounce: watcher.DefaultDebounce}
}

// AddFlags adds flags for watcher options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(append(prefixes, "watch")...)
	fs.DurationVar(&o.Debounce, p+"debounce", o.Debounce, "Time to wait for more changes before reloading.")
	fs.StringSliceVar(&o.Ignore, p+"ignore", o.Ignore, "Extra glob patterns to ignore, on top of the built-in list.")
}

// Validate validates the watcher options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}
	var errs []error
	if o.Debounce < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("watch.debounce must be at least 10ms, got %s", o.Debounce))
	}
	for _, p := range o.Ignore {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("watch.ignore: invalid pattern %q", p))
		}
	}
	return errs
}

// Complete is a no-op.
func (o *Options) Complete() error { return nil }

// WatcherOptions converts o into watcher options.
func (o *Options) WatcherOptions() []watcher.Option {
	return []watcher.Option{
		watcher.WithDebounce(o.Debounce),
		watcher.WithIgnore(o.Ignore...),
	}
}
