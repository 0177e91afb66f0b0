package cmd

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/canonid/pkg/buildinfo"
	"github.com/otherjamesbrown/canonid/pkg/identity/resolver"
	"github.com/otherjamesbrown/canonid/pkg/logging"
)

// NewResolveCommand creates the 'resolve' command.
func NewResolveCommand(deps *CommandDeps) *cobra.Command {
	var (
		seasons       []int
		minConfidence float64
		noAutoApprove bool
		includeMapped bool
		dryRun        bool
		recordsFile   string
		details       bool
		metricsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve source records into canonical identities",
		Long: `Run a resolution batch over the source records of the configured scope.

Every unmapped record is scored against the active identities of its kind.
High-confidence matches are committed, uncertain ones are queued for review
and records with no plausible candidate seed a new identity. Reruns skip
records that are already mapped or queued.

Examples:
  # Resolve the 2024 season
  canonid resolve --season 2024

  # Preview without writing anything
  canonid resolve --dry-run --details

  # Queue everything for review instead of auto-approving
  canonid resolve --no-auto-approve

  # Resolve records from a file against an in-memory graph
  canonid --store memory resolve --records seasons.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := deps.Runtime(ctx)
			if err != nil {
				return err
			}

			if recordsFile != "" {
				records, err := deps.loadRecords(recordsFile)
				if err != nil {
					return err
				}
				if _, err := rt.Importer.ImportRecords(ctx, records); err != nil {
					return err
				}
			}

			if metricsAddr != "" {
				stop, err := serveMetrics(metricsAddr, rt, deps.Logger)
				if err != nil {
					return err
				}
				defer stop()
			}

			opts := resolver.Options{
				Seasons:       seasons,
				MinConfidence: minConfidence,
				AutoApprove:   resolver.Bool(!noAutoApprove),
				SkipExisting:  resolver.Bool(!includeMapped),
				DryRun:        dryRun,
			}
			resp, runErr := rt.Resolver.ResolveIdentities(ctx, deps.Config.Scope, opts)
			if resp != nil {
				if err := deps.render(resp, func(w io.Writer) error { return writeRunSummary(w, resp, details) }); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().IntSliceVar(&seasons, "season", nil, "Seasons to resolve (repeatable, default all)")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "Treat best candidates below this confidence as no match")
	cmd.Flags().BoolVar(&noAutoApprove, "no-auto-approve", false, "Queue auto-approve outcomes for review")
	cmd.Flags().BoolVar(&includeMapped, "include-mapped", false, "Score records that are already mapped (reported as skipped)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Score and report without writing")
	cmd.Flags().StringVar(&recordsFile, "records", "", "Import records from a JSON or YAML file before resolving")
	cmd.Flags().BoolVar(&details, "details", false, "List every record outcome")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")

	return cmd
}

func writeRunSummary(w io.Writer, resp *resolver.Response, details bool) error {
	title := fmt.Sprintf("Run %s %s in %s (scope %s)", resp.RunID, resp.Status, resp.ExecutionTime.Round(time.Millisecond), resp.ScopeID)
	if resp.DryRun {
		title += " [dry run]"
	}
	fmt.Fprintln(w, title)

	counts := []string{
		strconv.Itoa(resp.TotalProcessed),
		strconv.Itoa(resp.AutoMatched),
		strconv.Itoa(resp.ManualReviewRequired),
		strconv.Itoa(resp.NewIdentities),
		strconv.Itoa(resp.Skipped),
		strconv.Itoa(resp.SignalsUnavailable),
		strconv.Itoa(resp.Errors),
	}
	headers := []string{"Processed", "Auto matched", "Review", "New", "Skipped", "Signals unavailable", "Errors"}
	right := []align{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight}
	if err := writeTable(w, headers, [][]string{counts}, right); err != nil {
		return err
	}

	if len(resp.ErrorDetails) > 0 {
		rows := make([][]string, 0, len(resp.ErrorDetails))
		for _, e := range resp.ErrorDetails {
			rows = append(rows, []string{e.Key.String(), e.Code, e.Error})
		}
		if err := writeTable(w, []string{"Record", "Code", "Error"}, rows, nil); err != nil {
			return err
		}
	}

	if !details || len(resp.Matches) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(resp.Matches))
	for _, o := range resp.Matches {
		candidate := "-"
		if o.CandidateID != 0 {
			candidate = fmt.Sprintf("%d %s", o.CandidateID, o.CandidateName)
		}
		identityID := "-"
		if o.IdentityID != 0 {
			identityID = strconv.FormatInt(o.IdentityID, 10)
		}
		action := orDash(string(o.Action))
		if o.Forced {
			action += " (forced)"
		}
		rows = append(rows, []string{
			o.Record.Key().String(),
			o.Record.Name,
			string(o.Result),
			action,
			formatConfidence(o.Confidence),
			candidate,
			identityID,
			orDash(o.Reason),
		})
	}
	return writeTable(w,
		[]string{"Record", "Name", "Result", "Action", "Confidence", "Candidate", "Identity", "Reason"},
		rows,
		[]align{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
	)
}

// serveMetrics exposes rt.Registry and build info until stop is called.
func serveMetrics(addr string, rt *Runtime, logger logging.Logger) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/version", buildinfo.Handler(ServiceName))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", logging.Err(err))
		}
	}()
	logger.Info("serving metrics", logging.F("addr", ln.Addr().String()))
	return func() { _ = srv.Close() }, nil
}
