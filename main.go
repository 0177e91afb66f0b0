// Package main provides the canonid CLI entry point.
// canonid resolves per-season source records into stable canonical identities.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/canonid/cmd"
	"github.com/otherjamesbrown/canonid/config"
	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/logging"
)

// rootFlags are the persistent flags shared by every command.
type rootFlags struct {
	cfgFile      string
	outputFormat string
	scope        string
	store        string
	debug        bool
}

// skipConfig lists commands that run on defaults without reading config.
var skipConfig = map[string]bool{
	"version":    true,
	"help":       true,
	"completion": true,
}

func newRootCommand(deps *cmd.CommandDeps) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "canonid",
		Short: "Canonical identity resolution for per-season sports records",
		Long: `canonid links per-season source records (players and teams) into stable
canonical identities, scores candidate matches, queues uncertain ones for
review and keeps an audit log of every structural change.

COMMON WORKFLOWS:
  Load and resolve:  canonid import records.yaml  ->  canonid resolve --season 2023
  Review matches:    canonid matches list  ->  canonid matches explain <id>  ->  canonid matches approve <id>
  Fix the graph:     canonid identity merge <primary> <secondary>  |  canonid identity split <id> <mapping-ids>
  Undo a change:     canonid audit --entity <id>  ->  canonid rollback <entry-id>
  Set up postgres:   canonid db migrate  ->  canonid db health

All commands support --output json for structured output.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			if c.Context() == nil {
				c.SetContext(context.Background())
			}
			if skipConfig[c.Name()] {
				return applyOutputFlag(deps.Config, flags.outputFormat)
			}

			cfg, err := config.LoadConfig(flags.cfgFile)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if flags.store != "" {
				cfg.Store = config.Store(flags.store)
			}
			if flags.scope != "" {
				cfg.Scope = flags.scope
			}
			if flags.debug {
				cfg.Logging.Level = logging.LevelDebug
			}
			if err := applyOutputFlag(cfg, flags.outputFormat); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			deps.Config = cfg
			deps.Logger = logging.NewLogger(&cfg.Logging)
			deps.Logger.Debug("configuration loaded",
				logging.F("store", string(cfg.Store)),
				logging.F("scope", cfg.Scope),
				logging.F("command", c.CommandPath()))
			return nil
		},
		PersistentPostRun: func(c *cobra.Command, args []string) {
			deps.Close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.cfgFile, "config", "", "config file (default is ~/.canonid/config.yaml)")
	pf.StringVarP(&flags.outputFormat, "output", "o", "", "output format: text, json, yaml")
	pf.StringVar(&flags.scope, "scope", "", "scope (league or dataset) to work in")
	pf.StringVar(&flags.store, "store", "", "identity store: postgres or memory")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddGroup(
		&cobra.Group{ID: "resolve", Title: "Resolution:"},
		&cobra.Group{ID: "graph", Title: "Identity Graph:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
	)

	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			root.AddCommand(c)
		}
	}
	add("resolve",
		cmd.NewImportCommand(deps),
		cmd.NewResolveCommand(deps),
		cmd.NewMatchesCommand(deps),
		cmd.NewStatsCommand(deps),
	)
	add("graph",
		cmd.NewIdentityCommand(deps),
		cmd.NewAuditCommand(deps),
		cmd.NewRollbackCommand(deps),
	)
	add("ops",
		cmd.NewDbCommand(deps),
		newConfigCommand(deps, flags),
		cmd.NewVersionCommand(deps),
	)

	return root
}

func applyOutputFlag(cfg *config.Config, format string) error {
	if format == "" {
		return nil
	}
	f := config.OutputFormat(format)
	if !f.IsValid() {
		return fmt.Errorf("invalid output format %q: %w", format, cierrors.ErrValidation)
	}
	cfg.OutputFormat = f
	return nil
}

func newConfigCommand(deps *cmd.CommandDeps, flags *rootFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialise the configuration file",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration after defaults, the config file and CANONID_*
environment variables have been applied. Passwords are omitted.`,
		RunE: func(c *cobra.Command, args []string) error {
			return writeConfig(deps.Out, deps.Config)
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to the config file",
		RunE: func(c *cobra.Command, args []string) error {
			path := flags.cfgFile
			if path == "" {
				var err error
				if path, err = config.ConfigPath(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite): %w", path, cierrors.ErrAlreadyExists)
			}
			if err := config.Save(deps.Config, path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(deps.Out, "Wrote %s\n", path)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(initCmd)

	return configCmd
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	out := *cfg
	out.Database.Password = ""
	out.Redis.Password = ""
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(&out)
}

// formatError adds the error code and its suggested action.
func formatError(err error) string {
	code := cierrors.CodeOf(err)
	msg := fmt.Sprintf("Error: %v", err)
	if code == cierrors.CodeInternal {
		return msg
	}
	return fmt.Sprintf("%s\n  code: %s\n  hint: %s", msg, code, cierrors.GetSuggestedAction(code))
}

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := cmd.DefaultDeps()
	root := newRootCommand(deps)
	err := root.ExecuteContext(ctx)
	deps.Close()

	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		stop()
		os.Exit(1)
	}
}
