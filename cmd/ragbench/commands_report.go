package main

import "github.com/spf13/cobra"

// buildReportCmd creates the "report" command group.
func buildReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Aggregate and inspect run results",
	}
	cmd.AddCommand(
		buildReportAggregateCmd(),
		buildReportAnalyzeLogsCmd(),
		buildReportRunsCmd(),
		buildReportArchiveCmd(),
	)
	return cmd
}

type aggregateOptions struct {
	all    bool
	format string
	output string
	sqlite string
}

func buildReportAggregateCmd() *cobra.Command {
	var opts aggregateOptions
	cmd := &cobra.Command{
		Use:   "aggregate [run-dir]",
		Short: "Summarize one run, or compare every run with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runReportAggregate(cmd, dir, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.all, "all", false, "Aggregate every run under output_dir")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "markdown", "Output format (markdown, json)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the report to a file instead of stdout")
	cmd.Flags().StringVar(&opts.sqlite, "sqlite", "", "Also export the aggregates into this SQLite database")
	return cmd
}

func buildReportAnalyzeLogsCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "analyze-logs <run-dir>",
		Short: "Classify the tool-call behaviour recorded in a run's logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReportAnalyzeLogs(cmd, args[0], format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json)")
	return cmd
}

func buildReportRunsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the runs under output_dir, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReportRuns(cmd, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func buildReportArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <run-dir>",
		Short: "Upload a run directory to the configured S3 bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReportArchive(cmd, args[0])
		},
	}
}
