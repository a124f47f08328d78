package devserver

import (
	"github.com/spf13/cobra"

	"github.com/kart-io/devserver/pkg/errors"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Hidden: true,
		RunE: func(*cobra.Command, []string) error {
			return errors.ErrBackendUnknown.WithMessage("the worker engine is not available on windows")
		},
	}
}
