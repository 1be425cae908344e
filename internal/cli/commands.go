package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/specsheet-validator/internal/app"
	"github.com/joseph-ayodele/specsheet-validator/internal/server"
)

func buildTickCommand(o *options) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduling tick and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if batch <= 0 {
				batch = o.cfg.Scheduler.BatchSize
			}
			return o.withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Scheduler.Tick(cmd.Context(), batch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "jobs per tick (default from config)")
	return cmd
}

func buildHousekeepCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "housekeep",
		Short: "Purge expired progress snapshots, operator logs, runs and terminal jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Housekeeper.Run(cmd.Context(), time.Now())
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil && err == nil {
					err = perr
				}
				return err
			})
		},
	}
}

func buildHealthCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check pipeline health, append the status line and exit non-zero when degraded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd.Context(), func(a *app.App) error {
				at := time.Now()
				status, err := a.Health.Check(cmd.Context(), at)
				fmt.Fprintln(cmd.OutOrStdout(), status.Line(at))
				if err != nil {
					return err
				}
				if !status.OK {
					return ErrUnhealthy
				}
				return nil
			})
		},
	}
}

func buildEnqueueCommand(o *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "enqueue <subject-id>",
		Short: "Queue an analysis job for a subject and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				return withClient(addr, func(c *server.AnalysisClient) error {
					res, err := c.Enqueue(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printProto(cmd.OutOrStdout(), res)
				})
			}
			return o.withApp(cmd.Context(), func(a *app.App) error {
				job, err := a.Analysis.Enqueue(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "server", "", "gRPC address of a running daemon (default: use the ledger directly)")
	return cmd
}

func buildProgressCommand(o *options) *cobra.Command {
	var (
		addr     string
		follow   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "progress <token>",
		Short: "Print the progress snapshot of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr != "" {
				return withClient(addr, func(c *server.AnalysisClient) error {
					res, err := c.GetProgress(ctx, args[0])
					if err != nil {
						return err
					}
					return printProto(cmd.OutOrStdout(), res)
				})
			}
			return o.withApp(ctx, func(a *app.App) error {
				for {
					snap, err := a.Analysis.Progress(ctx, args[0])
					if err != nil {
						return err
					}
					if err := printJSON(cmd.OutOrStdout(), snap); err != nil {
						return err
					}
					if !follow || snap.Done {
						return nil
					}
					if err := sleep(ctx, interval); err != nil {
						return err
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&addr, "server", "", "gRPC address of a running daemon (default: read the local store)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll until the job is done")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	return cmd
}

func buildRunsCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run history",
	}

	var f runFilterFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "Print runs as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := server.ParseRunFilter(f.get)
			if err != nil {
				return err
			}
			return o.withApp(cmd.Context(), func(a *app.App) error {
				runs, err := a.Analysis.ListRuns(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), runs)
			})
		},
	}
	f.bind(list)

	var (
		ef   runFilterFlags
		out  string
		addr string
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Write runs to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := server.ParseRunFilter(ef.get)
			if err != nil {
				return err
			}
			var data []byte
			if addr != "" {
				err = withClient(addr, func(c *server.AnalysisClient) error {
					data, err = c.ExportRuns(cmd.Context(), ef.asMap())
					return err
				})
			} else {
				err = o.withApp(cmd.Context(), func(a *app.App) error {
					data, err = a.Analysis.ExportRunsXLSX(cmd.Context(), filter)
					return err
				})
			}
			if err != nil {
				return err
			}
			if out == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	ef.bind(export)
	export.Flags().StringVarP(&out, "out", "o", "runs.xlsx", `output file ("-" for stdout)`)
	export.Flags().StringVar(&addr, "server", "", "gRPC address of a running daemon")

	cmd.AddCommand(list, export)
	return cmd
}

// runFilterFlags mirrors the run filter fields accepted over HTTP and gRPC.
type runFilterFlags struct {
	subjectID string
	jobToken  string
	fromDate  string
	toDate    string
	limit     string
}

func (f *runFilterFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.subjectID, "subject", "", "only runs of this subject")
	cmd.Flags().StringVar(&f.jobToken, "token", "", "only runs of this job")
	cmd.Flags().StringVar(&f.fromDate, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.toDate, "to", "", "last day, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.limit, "limit", "", "maximum number of runs")
}

func (f *runFilterFlags) asMap() map[string]any {
	m := map[string]any{}
	for _, k := range []string{"subject_id", "job_token", "from_date", "to_date", "limit"} {
		if v := f.get(k); v != "" {
			m[k] = v
		}
	}
	return m
}

func (f *runFilterFlags) get(key string) string {
	switch key {
	case "subject_id":
		return f.subjectID
	case "job_token":
		return f.jobToken
	case "from_date":
		return f.fromDate
	case "to_date":
		return f.toDate
	case "limit":
		return f.limit
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
