package main

import "github.com/spf13/cobra"

// buildRunCmd creates the "run" command.
func buildRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the test cases and score every answer",
		Long: `Run every selected test case through retrieval, reranking, the work model
and the judge model. Results are written per loop under output_dir as the
run progresses. Interrupting the command cancels the run between steps and
keeps what was already persisted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts)
		},
	}
	cmd.Flags().IntSliceVar(&opts.ids, "ids", nil, "Only run cases with these IDs")
	cmd.Flags().StringVar(&opts.tag, "tag", "", "Only run cases with this tag")
	cmd.Flags().IntVar(&opts.loops, "loops", 0, "Override run.loops")
	cmd.Flags().StringVar(&opts.schedule, "schedule", "", "Cron expression for repeated runs (overrides run.schedule)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides observability.metrics_addr)")
	cmd.Flags().BoolVar(&opts.quiet, "quiet", false, "Only print the final summary")
	cmd.Flags().BoolVar(&opts.jsonEvents, "json", false, "Print progress events as NDJSON")
	return cmd
}
