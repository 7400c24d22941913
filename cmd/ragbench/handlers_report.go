package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/ragbench/internal/archive"
	"github.com/haasonsaas/ragbench/internal/report"
)

func runReportAggregate(cmd *cobra.Command, dir string, opts aggregateOptions) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format, err := report.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	if dir == "" && !opts.all {
		return errors.New("a run directory or --all is required")
	}

	var reps []*report.RunReport
	if opts.all {
		reps, err = report.AggregateAll(cfg.OutputDir, logger)
	} else {
		var rep *report.RunReport
		rep, err = report.Aggregate(dir, logger)
		reps = []*report.RunReport{rep}
	}
	if err != nil {
		return err
	}

	if opts.sqlite != "" {
		if err := report.ExportSQLite(cmd.Context(), opts.sqlite, reps...); err != nil {
			return err
		}
		logger.Info("exported aggregates", "path", opts.sqlite, "runs", len(reps))
	}

	out := cmd.OutOrStdout()
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		defer f.Close()
		out = f
	}
	return writeReports(out, format, opts.all, reps)
}

func writeReports(out io.Writer, format report.Format, compare bool, reps []*report.RunReport) error {
	if format == report.FormatJSON {
		if compare {
			return report.WriteJSON(out, reps)
		}
		return report.WriteJSON(out, reps[0])
	}
	if compare {
		return report.WriteComparison(out, reps)
	}
	return report.WriteMarkdown(out, reps[0])
}

func runReportAnalyzeLogs(cmd *cobra.Command, dir, format string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	f, err := report.ParseFormat(format)
	if err != nil {
		return err
	}
	analysis, err := report.AnalyzeLogs(dir, cfg.Analyze)
	if err != nil {
		return err
	}
	if f == report.FormatJSON {
		return report.WriteJSON(cmd.OutOrStdout(), analysis)
	}
	return analysis.WriteText(cmd.OutOrStdout())
}

func runReportRuns(cmd *cobra.Command, asJSON bool) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	runs, err := report.ListRuns(cfg.OutputDir)
	if err != nil {
		return err
	}
	if asJSON {
		return report.WriteJSON(cmd.OutOrStdout(), runs)
	}
	return report.WriteRuns(cmd.OutOrStdout(), runs)
}

func runReportArchive(cmd *cobra.Command, dir string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Archive.Bucket == "" {
		return errors.New("archive.bucket is not configured")
	}
	arc, err := archive.New(cmd.Context(), cfg.Archive, logger)
	if err != nil {
		return err
	}
	url, err := arc.UploadRun(cmd.Context(), dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Archived %s to %s\n", dir, url)
	return nil
}
