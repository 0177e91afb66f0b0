package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/canonid/pkg/logging"
)

// ImportResult reports an 'import' run.
type ImportResult struct {
	File     string `json:"file"`
	Imported int    `json:"imported"`
}

// NewImportCommand creates the 'import' command.
func NewImportCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Load source records from a JSON or YAML file",
		Long: `Load source records into the configured store. Records are keyed by
scope, kind, source id and season; importing the same key again replaces it.
Records without a scope_id go into the configured scope.

The file holds a list of records:

  - scope_id: default
    kind: player
    source_id: 1001
    season: 2023
    name: Mike Williams
    position: WR

Examples:
  canonid import records.yaml
  canonid import records.json --scope league-7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := deps.loadRecords(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := deps.Runtime(ctx)
			if err != nil {
				return err
			}
			n, err := rt.Importer.ImportRecords(ctx, records)
			if err != nil {
				return fmt.Errorf("importing %s: %w", args[0], err)
			}
			deps.Logger.Info("imported source records", logging.F("file", args[0]), logging.F("count", n))
			result := ImportResult{File: args[0], Imported: n}
			return deps.render(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Imported %d record(s) from %s\n", n, args[0])
				return err
			})
		},
	}
}
