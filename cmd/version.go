package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/canonid/pkg/buildinfo"
)

// NewVersionCommand creates the 'version' command.
func NewVersionCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildinfo.Get(ServiceName)
			return deps.render(info, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s %s (%s)\n", info.ServiceName, info.String(), info.GoVersion)
				return err
			})
		},
	}
}
