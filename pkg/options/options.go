// Package options holds the command-line option groups of devserver.
package options

import (
	stderrors "errors"
	"strings"

	"github.com/spf13/pflag"
)

// Join concatenates prefixes with "." and appends a trailing "." when the
// result is non-empty, so Join("watch")+"debounce" is "watch.debounce".
func Join(prefixes ...string) string {
	joined := strings.Join(prefixes, ".")
	if joined != "" {
		joined += "."
	}
	return joined
}

// IOptions is implemented by every option group.
type IOptions interface {
	// Validate returns every problem found, or nil.
	Validate() []error

	// AddFlags registers the group's flags on fs.
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}

// Aggregate folds the results of several Validate calls into one error.
func Aggregate(errs ...[]error) error {
	var all []error
	for _, e := range errs {
		all = append(all, e...)
	}
	return stderrors.Join(all...)
}
