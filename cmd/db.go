package cmd

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/canonid/pkg/db"
	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity/postgres"
)

// NewDbCommand creates the 'db' command group.
func NewDbCommand(deps *CommandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "db",
		Aliases: []string{"database"},
		Short:   "Database management commands",
		Long: `Manage the identity graph database.

Migrations are embedded in the binary and tracked in schema_migrations.
They are applied in filename order, each in its own transaction.

Examples:
  canonid db status
  canonid db migrate
  canonid db migrate --target 001_identity_graph
  canonid db health
  canonid db password set`,
	}

	cmd.AddCommand(newDbMigrateCommand(deps))
	cmd.AddCommand(newDbStatusCommand(deps))
	cmd.AddCommand(newDbHealthCommand(deps))
	cmd.AddCommand(newDbPasswordCommand(deps))
	return cmd
}

func migrationsFS() (fs.FS, error) {
	return fs.Sub(postgres.Migrations, postgres.MigrationsDir)
}

// requirePool fails for stores without a database.
func requirePool(rt *Runtime) error {
	if rt.Pool == nil {
		return fmt.Errorf("command needs the postgres store: %w", cierrors.ErrInvalidOperation)
	}
	return nil
}

func newDbMigrateCommand(deps *CommandDeps) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := deps.Runtime(ctx)
			if err != nil {
				return err
			}
			if err := requirePool(rt); err != nil {
				return err
			}
			fsys, err := migrationsFS()
			if err != nil {
				return err
			}
			result, err := db.RunMigrationsToTarget(ctx, rt.Pool, fsys, target)
			if err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
			return deps.render(result, func(w io.Writer) error {
				if len(result.Applied) == 0 {
					_, err := fmt.Fprintln(w, "Database is up to date.")
					return err
				}
				for _, v := range result.Applied {
					fmt.Fprintf(w, "Applied %s\n", v)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Apply migrations up to and including this version")
	return cmd
}

func newDbStatusCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied, pending and drifted migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := deps.Runtime(ctx)
			if err != nil {
				return err
			}
			if err := requirePool(rt); err != nil {
				return err
			}
			fsys, err := migrationsFS()
			if err != nil {
				return err
			}
			status, err := db.GetMigrationStatus(ctx, rt.Pool, fsys)
			if err != nil {
				return err
			}
			return deps.render(status, func(w io.Writer) error { return writeMigrationStatus(w, status) })
		},
	}
}

func writeMigrationStatus(w io.Writer, status *db.MigrationStatus) error {
	var rows [][]string
	add := func(state string, entries []db.MigrationStatusEntry) {
		for _, e := range entries {
			at := "-"
			if e.AppliedAt != nil {
				at = e.AppliedAt.Format(time.RFC3339)
			}
			rows = append(rows, []string{e.Version, state, at})
		}
	}
	add("applied", status.Applied)
	add("pending", status.Pending)
	add("drift", status.Drift)
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No migrations.")
		return err
	}
	return writeTable(w, []string{"Version", "State", "Applied at"}, rows, nil)
}

func newDbHealthCommand(deps *CommandDeps) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check database connectivity, pool usage and schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := deps.Runtime(ctx)
			if err != nil {
				return err
			}
			if err := requirePool(rt); err != nil {
				return err
			}
			if wait > 0 {
				waitCtx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				if err := db.WaitForReady(waitCtx, rt.Pool, 500*time.Millisecond); err != nil {
					return fmt.Errorf("database not ready after %s: %w", wait, err)
				}
			}
			status := db.Check(ctx, rt.Pool, postgres.Tables...)
			if err := deps.render(status, func(w io.Writer) error { return writeHealth(w, status) }); err != nil {
				return err
			}
			if !status.Healthy {
				return fmt.Errorf("database unhealthy: %s", status.Error)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the database to come up")
	return cmd
}

func writeHealth(w io.Writer, status *db.HealthStatus) error {
	state := "healthy"
	if !status.Healthy {
		state = "unhealthy: " + status.Error
	}
	fmt.Fprintf(w, "Database %s (latency %s, %d open, %d idle, %d in use)\n",
		state, status.Latency.Round(time.Microsecond), status.TotalConns, status.IdleConns, status.AcquiredConns)
	fmt.Fprintf(w, "Schema version: %s\n", orDash(status.SchemaVersion))
	if len(status.MissingTables) > 0 {
		_, err := fmt.Fprintln(w, "Run 'canonid db migrate' to create the missing tables.")
		return err
	}
	return nil
}

func newDbPasswordCommand(deps *CommandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Manage the database password in the OS keyring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the database password in the OS keyring",
		Long: `Prompt for the database password and store it in the OS keyring under the
configured database user. Set database.password_from_keyring: true to use it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(),
				fmt.Sprintf("Password for %s: ", deps.Config.Database.User))
			if err != nil {
				return err
			}
			if password == "" {
				return fmt.Errorf("empty password: %w", cierrors.ErrValidation)
			}
			if err := deps.Config.StoreDatabasePassword(password); err != nil {
				return err
			}
			_, err = fmt.Fprintf(deps.Out, "Stored password for %s in the keyring.\n", deps.Config.Database.User)
			return err
		},
	})
	return cmd
}

// readSecret reads a line without echo from a terminal, or plainly otherwise.
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	fmt.Fprint(prompt, label)
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	data, err := io.ReadAll(io.LimitReader(in, 4096))
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimRight(line, "\r"), nil
}
