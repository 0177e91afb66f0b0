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

// NewMatchesCommand creates the 'matches' command group for the review queue.
func NewMatchesCommand(deps *CommandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "matches",
		Aliases: []string{"match", "review"},
		Short:   "Review candidate matches queued by resolution",
		Long: `Work through the manual review queue.

Pending matches pair a source record with the most likely existing identity.
Approving links the record to the identity (following any merge that has
happened since), rejecting gives the record a new identity of its own.

Examples:
  canonid matches list
  canonid matches explain 7
  canonid matches approve 7
  canonid matches reject 8 --reason "different player"`,
	}

	cmd.AddCommand(newMatchesListCommand(deps))
	cmd.AddCommand(newMatchesExplainCommand(deps))
	cmd.AddCommand(newMatchesDecideCommand(deps, true))
	cmd.AddCommand(newMatchesDecideCommand(deps, false))
	return cmd
}

func newMatchesListCommand(deps *CommandDeps) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List matches in the configured scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := deps.Runtime(ctx)
			if err != nil {
				return err
			}
			matches, err := rt.Resolver.GetIdentityMatches(ctx, deps.Config.Scope, identity.MatchStatus(status))
			if err != nil {
				return err
			}
			if matches == nil {
				matches = []identity.IdentityMatch{}
			}
			return deps.render(matches, func(w io.Writer) error { return writeMatches(w, matches) })
		},
	}

	cmd.Flags().StringVar(&status, "status", string(identity.MatchPending), "Status filter: pending, approved, rejected, merged, or empty for all")
	return cmd
}

func writeMatches(w io.Writer, matches []identity.IdentityMatch) error {
	if len(matches) == 0 {
		_, err := fmt.Fprintln(w, "No matches.")
		return err
	}
	rows := make([][]string, 0, len(matches))
	for _, m := range matches {
		flags := []string{}
		if m.Factors.StatisticalUnavailable {
			flags = append(flags, "stats unavailable")
		}
		if m.Factors.SeasonConflict {
			flags = append(flags, "season conflict")
		}
		rows = append(rows, []string{
			strconv.FormatInt(m.ID, 10),
			m.Record.Key().String(),
			m.Record.Name,
			strconv.FormatInt(m.CandidateID, 10),
			formatConfidence(m.Confidence),
			string(m.Action),
			string(m.Status),
			orDash(strings.Join(flags, ", ")),
		})
	}
	return writeTable(w,
		[]string{"Match", "Record", "Name", "Candidate", "Confidence", "Action", "Status", "Flags"},
		rows,
		[]align{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func newMatchesExplainCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <match-id>",
		Short: "Explain how a match was scored",
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
			exp, err := rt.Resolver.Explain(ctx, id)
			if err != nil {
				return err
			}
			return deps.render(exp, func(w io.Writer) error {
				fmt.Fprintf(w, "Confidence %s -> %s\n", formatConfidence(exp.Confidence), exp.Action)
				section := func(title string, lines []string) {
					if len(lines) == 0 {
						return
					}
					fmt.Fprintf(w, "\n%s:\n", title)
					for _, l := range lines {
						fmt.Fprintf(w, "  - %s\n", l)
					}
				}
				section("Strengths", exp.Strengths)
				section("Weaknesses", exp.Weaknesses)
				section("Suggestions", exp.Suggestions)
				return nil
			})
		},
	}
}

func newMatchesDecideCommand(deps *CommandDeps, approve bool) *cobra.Command {
	var reason, actor string

	use, short := "reject <match-id>", "Reject a match and give the record a new identity"
	if approve {
		use, short = "approve <match-id>", "Approve a match and link the record to the candidate"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
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
			change := resolver.Change{Actor: deps.actor(actor), Reason: reason}
			var res *resolver.ChangeResult
			if approve {
				res, err = rt.Resolver.ApproveMatch(ctx, id, change)
			} else {
				res, err = rt.Resolver.RejectMatch(ctx, id, change)
			}
			if err != nil {
				return err
			}
			return deps.render(res, func(w io.Writer) error {
				var err error
				if approve {
					_, err = fmt.Fprintf(w, "Approved match %d: record linked to identity %d (audit entry %d)\n", id, res.IdentityID, res.Entry.ID)
				} else {
					_, err = fmt.Fprintf(w, "Rejected match %d: record seeded identity %d (audit entry %d)\n", id, res.CreatedID, res.Entry.ID)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit log")
	cmd.Flags().StringVar(&actor, "actor", "", "Who is deciding (default: config actor or $USER)")
	return cmd
}
