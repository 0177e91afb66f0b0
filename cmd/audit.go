package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/canonid/pkg/identity"
	"github.com/otherjamesbrown/canonid/pkg/identity/resolver"
)

// NewAuditCommand creates the 'audit' command.
func NewAuditCommand(deps *CommandDeps) *cobra.Command {
	var (
		kind     string
		entityID int64
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit log entries, oldest first",
		Long: `List the structural changes recorded in the audit log.

--entity matches every entry whose before or after state touched the
identity, not only entries where it was the primary subject.

Examples:
  canonid audit
  canonid audit --entity 12
  canonid audit --kind team --limit 20 --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := identity.AuditFilter{EntityID: entityID, Limit: limit}
			if kind != "" {
				k, err := identity.ParseEntityKind(kind)
				if err != nil {
					return err
				}
				filter.Kind = k
			}
			ctx := cmd.Context()
			rt, err := deps.Runtime(ctx)
			if err != nil {
				return err
			}
			entries, err := rt.Resolver.ListAuditEntries(ctx, filter)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []identity.AuditEntry{}
			}
			return deps.render(entries, func(w io.Writer) error { return writeAuditEntries(w, entries) })
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Entity kind: player or team")
	cmd.Flags().Int64Var(&entityID, "entity", 0, "Only entries touching this identity")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries")
	return cmd
}

func writeAuditEntries(w io.Writer, entries []identity.AuditEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No audit entries.")
		return err
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		ref := "-"
		switch {
		case e.RollbackOf != nil:
			ref = fmt.Sprintf("rollback of %d", *e.RollbackOf)
		case e.MatchID != nil:
			ref = fmt.Sprintf("match %d", *e.MatchID)
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			string(e.Action),
			string(e.Kind),
			strconv.FormatInt(e.EntityID, 10),
			describeStates(e.After),
			e.Actor,
			ref,
			orDash(e.Reason),
		})
	}
	return writeTable(w,
		[]string{"Entry", "Time", "Action", "Kind", "Entity", "After", "Actor", "Ref", "Reason"},
		rows,
		[]align{alignRight, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func describeStates(s identity.Snapshot) string {
	parts := make([]string, 0, len(s.Identities))
	for _, st := range s.Identities {
		parts = append(parts, fmt.Sprintf("%d:%s[%s]", st.ID, lifecycleLabel(st.Lifecycle), formatIDs(st.MappingIDs)))
	}
	return orDash(strings.Join(parts, " "))
}

// NewRollbackCommand creates the 'rollback' command.
func NewRollbackCommand(deps *CommandDeps) *cobra.Command {
	var reason, actor string

	cmd := &cobra.Command{
		Use:   "rollback <entry-id>",
		Short: "Undo a merge, split or rollback",
		Long: `Restore the identities touched by an audit entry to their state before it.

Only merge, split and rollback entries can be undone, and only while the
identities are still exactly as the entry left them. The rollback is itself
recorded as a new audit entry, so it can be rolled back in turn.

Examples:
  canonid rollback 42 --reason "merged the wrong Mike Williams"`,
		Args: cobra.ExactArgs(1),
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
			entry, err := rt.Resolver.RollbackChange(ctx, id, resolver.Change{Actor: deps.actor(actor), Reason: reason})
			if err != nil {
				return err
			}
			return deps.render(entry, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Rolled back entry %d (new audit entry %d)\n", id, entry.ID)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit log")
	cmd.Flags().StringVar(&actor, "actor", "", "Who is rolling back (default: config actor or $USER)")
	return cmd
}
