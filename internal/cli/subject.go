package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/specsheet-validator/internal/app"
	"github.com/joseph-ayodele/specsheet-validator/internal/ingest"
)

func buildSubjectCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subject",
		Short: "Register local documents as subjects",
	}
	cmd.AddCommand(buildSubjectAddCommand(o), buildSubjectAddDirCommand(o), buildSubjectWatchCommand(o))
	return cmd
}

type addOutput struct {
	ingest.Result
	JobToken string `json:"job_token,omitempty"`
}

// addAndQueue registers path and optionally enqueues it. Enqueue errors are reported on the result.
func addAndQueue(ctx context.Context, a *app.App, id, path string, enqueue bool) (addOutput, error) {
	res, err := a.Ingestor.AddSubject(ctx, id, path)
	out := addOutput{Result: res}
	if err != nil {
		return out, err
	}
	if enqueue {
		job, err := a.Analysis.Enqueue(ctx, res.SubjectID)
		if err != nil {
			return out, err
		}
		out.JobToken = job.Token
	}
	return out, nil
}

func buildSubjectAddCommand(o *options) *cobra.Command {
	var (
		id      string
		enqueue bool
	)
	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Store a document and create its subject in the submitted state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd.Context(), func(a *app.App) error {
				out, err := addAndQueue(cmd.Context(), a, id, args[0], enqueue)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "subject id (default derived from the content hash)")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "queue an analysis job right away")
	return cmd
}

func buildSubjectAddDirCommand(o *options) *cobra.Command {
	var skipHidden bool
	cmd := &cobra.Command{
		Use:   "add-dir <dir>",
		Short: "Register every accepted document under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd.Context(), func(a *app.App) error {
				results, stats, err := a.Ingestor.AddDirectory(cmd.Context(), args[0], skipHidden)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"stats": stats, "results": results})
			})
		},
	}
	cmd.Flags().BoolVar(&skipHidden, "skip-hidden", true, "skip dot files and directories")
	return cmd
}

func buildSubjectWatchCommand(o *options) *cobra.Command {
	var (
		enqueue     bool
		initialScan bool
		debounce    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>...",
		Short: "Register documents as they appear under the given directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return o.withApp(ctx, func(a *app.App) error {
				paths, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
					Roots:       args,
					InitialScan: initialScan,
					SkipHidden:  true,
					Debounce:    debounce,
				}, o.logger)
				if err != nil {
					return err
				}
				for {
					select {
					case p, ok := <-paths:
						if !ok {
							return nil
						}
						out, err := addAndQueue(ctx, a, "", p, enqueue)
						if err != nil {
							o.logger.Warn("subject.watch.failed", "path", p, "error", err)
							continue
						}
						if err := printJSON(cmd.OutOrStdout(), out); err != nil {
							return err
						}
					case err, ok := <-errs:
						if !ok {
							errs = nil
							continue
						}
						o.logger.Warn("subject.watch.error", "error", err)
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", true, "queue an analysis job for each new subject")
	cmd.Flags().BoolVar(&initialScan, "initial-scan", false, "also register documents already present")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before a changed file is registered")
	return cmd
}
