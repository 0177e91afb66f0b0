package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/identity/resolver"
)

// IdentityView is an identity with its mappings.
type IdentityView struct {
	Identity identity.Identity  `json:"identity"`
	Mappings []identity.Mapping `json:"mappings"`
}

// NewIdentityCommand creates the 'identity' command group.
func NewIdentityCommand(deps *CommandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "identity",
		Aliases: []string{"id"},
		Short:   "Inspect and correct canonical identities",
		Long: `Inspect canonical identities and correct resolution mistakes.

Merges and splits are recorded in the audit log and can be undone with
'canonid rollback <entry-id>'.

Examples:
  canonid identity show 12
  canonid identity merge 12 31 --reason "same player, new source id"
  canonid identity split 12 101,102 --reason "different players"`,
	}

	cmd.AddCommand(newIdentityShowCommand(deps))
	cmd.AddCommand(newIdentityMergeCommand(deps))
	cmd.AddCommand(newIdentitySplitCommand(deps))
	return cmd
}

func newIdentityShowCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "show <identity-id>",
		Short: "Show an identity and its mappings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := deps.Runtime(ctx)
			if err != nil {
				return err
			}
			ident, err := rt.Repo.GetIdentity(ctx, id)
			if err != nil {
				return err
			}
			mappings, err := rt.Repo.ListMappings(ctx, id)
			if err != nil {
				return err
			}
			view := IdentityView{Identity: *ident, Mappings: mappings}
			return deps.render(view, func(w io.Writer) error { return writeIdentity(w, view) })
		},
	}
}

func writeIdentity(w io.Writer, v IdentityView) error {
	fmt.Fprintf(w, "Identity %d (%s, scope %s): %s [%s]\n",
		v.Identity.ID, v.Identity.Kind, v.Identity.ScopeID, v.Identity.CanonicalName, lifecycleLabel(v.Identity.Lifecycle))
	if len(v.Mappings) == 0 {
		_, err := fmt.Fprintln(w, "No mappings.")
		return err
	}
	rows := make([][]string, 0, len(v.Mappings))
	for _, m := range v.Mappings {
		rows = append(rows, []string{
			strconv.FormatInt(m.ID, 10),
			strconv.Itoa(m.Season),
			strconv.FormatInt(m.SourceID, 10),
			m.ObservedName,
			orDash(m.Position),
			formatConfidence(m.Confidence),
			string(m.Method),
		})
	}
	return writeTable(w,
		[]string{"Mapping", "Season", "Source ID", "Observed name", "Position", "Confidence", "Method"},
		rows,
		[]align{alignRight, alignRight, alignRight, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func newIdentityMergeCommand(deps *CommandDeps) *cobra.Command {
	var reason, actor string

	cmd := &cobra.Command{
		Use:   "merge <primary-id> <secondary-id>",
		Short: "Merge the secondary identity into the primary",
		Long: `Move every mapping of the secondary identity to the primary and retire the
secondary into it. Both identities must be active and of the same kind.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			primary, err := parseID(args[0])
			if err != nil {
				return err
			}
			secondary, err := parseID(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := deps.Runtime(ctx)
			if err != nil {
				return err
			}
			res, err := rt.Resolver.MergeIdentities(ctx, primary, secondary, resolver.Change{Actor: deps.actor(actor), Reason: reason})
			if err != nil {
				return err
			}
			return deps.render(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Merged %d into %d (audit entry %d)\n", secondary, primary, res.Entry.ID)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the identities are the same entity")
	cmd.Flags().StringVar(&actor, "actor", "", "Who is making the change (default: config actor or $USER)")
	return cmd
}

func newIdentitySplitCommand(deps *CommandDeps) *cobra.Command {
	var reason, actor string

	cmd := &cobra.Command{
		Use:   "split <identity-id> <mapping-id>...",
		Short: "Move mappings from an identity to a new identity",
		Long: `Move the listed mappings to a newly created identity. Mapping ids may be
given as separate arguments or comma separated. Splitting every mapping
retires the original identity into the new one.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			mappingIDs, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := deps.Runtime(ctx)
			if err != nil {
				return err
			}
			res, err := rt.Resolver.SplitIdentity(ctx, id, mappingIDs, resolver.Change{Actor: deps.actor(actor), Reason: reason})
			if err != nil {
				return err
			}
			return deps.render(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Split mappings %s from %d into new identity %d (audit entry %d)\n",
					formatIDs(mappingIDs), id, res.CreatedID, res.Entry.ID)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the mappings belong to a different entity")
	cmd.Flags().StringVar(&actor, "actor", "", "Who is making the change (default: config actor or $USER)")
	return cmd
}
