package cmd

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
)

// ProfileView is one row of 'stats' output.
type ProfileView struct {
	SourceID int64 `json:"source_id"`
	identity.StatisticalProfile
}

// NewStatsCommand creates the 'stats' command.
func NewStatsCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <kind> <season> <source-id>...",
		Short: "Show the statistical profiles used as matching signals",
		Long: `Look up season statistics for source records directly in the stats
database configured by stats.dsn (or CANONID_STATS_DSN).

Examples:
  canonid stats player 2023 1001 1002
  canonid stats team 2022 17,18 --output json`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := identity.ParseEntityKind(args[0])
			if err != nil {
				return err
			}
			season, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid season %q: %w", args[1], cierrors.ErrValidation)
			}
			ids, err := parseIDs(args[2:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := deps.Runtime(ctx)
			if err != nil {
				return err
			}
			if rt.Stats == nil {
				return fmt.Errorf("no stats database configured: %w", cierrors.ErrExternalSignalUnavailable)
			}
			profiles, err := rt.Stats.Profiles(ctx, kind, season, ids)
			if err != nil {
				return err
			}

			views := make([]ProfileView, 0, len(profiles))
			for id, p := range profiles {
				views = append(views, ProfileView{SourceID: id, StatisticalProfile: p})
			}
			sort.Slice(views, func(i, j int) bool { return views[i].SourceID < views[j].SourceID })
			return deps.render(views, func(w io.Writer) error { return writeProfiles(w, views, ids) })
		},
	}
}

func writeProfiles(w io.Writer, views []ProfileView, requested []int64) error {
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "No statistics found.")
		return err
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		draft, own := "-", "-"
		if v.DraftPick != nil {
			draft = strconv.Itoa(*v.DraftPick)
		}
		if v.OwnershipPct != nil {
			own = strconv.FormatFloat(*v.OwnershipPct, 'f', 1, 64) + "%"
		}
		rows = append(rows, []string{
			strconv.FormatInt(v.SourceID, 10),
			strconv.Itoa(v.GamesPlayed),
			strconv.FormatFloat(v.TotalPoints, 'f', 1, 64),
			strconv.FormatFloat(v.AveragePoints, 'f', 2, 64),
			draft,
			own,
		})
	}
	if err := writeTable(w,
		[]string{"Source", "Games", "Points", "Avg", "Draft", "Owned"},
		rows,
		[]align{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	); err != nil {
		return err
	}
	if missing := len(requested) - len(views); missing > 0 {
		_, err := fmt.Fprintf(w, "%d source id(s) had no statistics.\n", missing)
		return err
	}
	return nil
}
