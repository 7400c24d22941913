package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/ragbench/internal/archive"
	"github.com/haasonsaas/ragbench/internal/config"
	"github.com/haasonsaas/ragbench/internal/harness"
	"github.com/haasonsaas/ragbench/internal/notify"
	"github.com/haasonsaas/ragbench/internal/observability"
	"github.com/haasonsaas/ragbench/internal/report"
	"github.com/haasonsaas/ragbench/internal/testcase"
	"github.com/haasonsaas/ragbench/internal/testrun"
)

type runOptions struct {
	ids         []int
	tag         string
	loops       int
	schedule    string
	metricsAddr string
	quiet       bool
	jsonEvents  bool
}

func runRun(cmd *cobra.Command, opts runOptions) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.loops > 0 {
		cfg.Run.Loops = opts.loops
	}
	schedule := strings.TrimSpace(opts.schedule)
	if schedule == "" {
		schedule = cfg.Run.Schedule
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h, err := harness.New(ctx, cfg, version, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	runner, err := h.Runner()
	if err != nil {
		return err
	}

	metricsAddr := opts.metricsAddr
	if metricsAddr == "" {
		metricsAddr = cfg.Observability.MetricsAddr
	}
	if metricsAddr != "" {
		go serveMetrics(ctx, metricsAddr, h.Metrics(), logger)
	}

	cases := testcase.NewStore(cfg.CasesFile)
	once := func(ctx context.Context) error {
		all, err := cases.List()
		if err != nil {
			return err
		}
		selected := selectCases(all, opts.ids, opts.tag)
		if len(selected) == 0 {
			return errors.New("no test cases selected")
		}
		sum, err := runner.Run(ctx, selected, eventPrinter(cmd.OutOrStdout(), opts))
		if err != nil && !errors.Is(err, testrun.ErrCancelled) {
			return err
		}
		if sum == nil {
			return nil
		}
		afterRun(context.WithoutCancel(ctx), cmd.OutOrStdout(), cfg, sum, logger)
		return nil
	}

	if schedule == "" {
		return once(ctx)
	}
	return runScheduled(ctx, schedule, once, logger)
}

// selectCases keeps cases matching ids (when given) and tag (when given).
func selectCases(all []testcase.Case, ids []int, tag string) []testcase.Case {
	out := make([]testcase.Case, 0, len(all))
	for _, c := range all {
		if len(ids) > 0 && !slices.Contains(ids, c.ID) {
			continue
		}
		if tag != "" && !strings.EqualFold(tag, c.Tag) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// runScheduled runs fn at every activation of the cron expression until ctx
// is done. Activations missed while a run is in progress are skipped.
func runScheduled(ctx context.Context, expr string, fn func(context.Context) error, logger *slog.Logger) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	for {
		next := sched.Next(time.Now())
		logger.Info("next run scheduled", "at", next.Format(time.RFC3339))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err := fn(ctx); err != nil {
			logger.Error("scheduled run failed", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// afterRun aggregates the finished run and hands it to the configured
// archive and notifier. Failures there are logged and do not fail the run.
func afterRun(ctx context.Context, out io.Writer, cfg *config.Config, sum *testrun.Summary, logger *slog.Logger) {
	rep, err := report.Aggregate(sum.Dir, logger)
	if err != nil {
		logger.Warn("aggregate run", "dir", sum.Dir, "error", err)
	} else {
		fmt.Fprintf(out, "\nRun %s: %d results, avg score %.2f (%.1f%%), %d tokens\n",
			rep.Run, rep.Overall.Results, rep.Overall.AvgScore, rep.Overall.Percent, sum.Usage.Total)
		fmt.Fprintf(out, "Results: %s\n", sum.Dir)
	}

	if cfg.Archive.Enabled {
		arc, err := archive.New(ctx, cfg.Archive, logger)
		if err != nil {
			logger.Warn("archive", "error", err)
		} else if url, err := arc.UploadRun(ctx, sum.Dir); err != nil {
			logger.Warn("archive upload", "error", err)
		} else {
			fmt.Fprintf(out, "Archived: %s\n", url)
		}
	}

	if cfg.Notify.Enabled {
		n, err := notify.New(cfg.Notify, logger)
		if err != nil {
			logger.Warn("notify", "error", err)
		} else if err := n.Notify(ctx, sum, rep); err != nil {
			logger.Warn("notify", "error", err)
		}
	}
}

func eventPrinter(out io.Writer, opts runOptions) func(testrun.Event) {
	if opts.jsonEvents {
		enc := json.NewEncoder(out)
		return func(ev testrun.Event) { _ = enc.Encode(ev) }
	}
	return func(ev testrun.Event) {
		if opts.quiet && !ev.Terminal() {
			return
		}
		printEvent(out, ev)
	}
}

func printEvent(out io.Writer, ev testrun.Event) {
	switch ev.Type {
	case testrun.EventLog:
		fmt.Fprintln(out, ev.Message)
	case testrun.EventUpdate:
		progress := ""
		if ev.Progress != nil {
			progress = fmt.Sprintf("[%3d%%] ", *ev.Progress)
		}
		fmt.Fprintf(out, "%s%s %s\n", progress, ev.CurrentTask, ev.ActiveTaskMessage)
	case testrun.EventStateUpdate:
		score := "-"
		if ev.Score != nil && ev.MaxScore != nil {
			score = fmt.Sprintf("%g/%g", *ev.Score, *ev.MaxScore)
		}
		fmt.Fprintf(out, "#%d %s  score %s\n", ev.QuestionID, ev.QuestionText, score)
	case testrun.EventTokenUsage:
		if ev.TokenUsage != nil {
			fmt.Fprintf(out, "tokens: work %d, judge %d, total %d\n",
				ev.TokenUsage.Work.TotalTokens, ev.TokenUsage.Score.TotalTokens, ev.TokenUsage.Total)
		}
	case testrun.EventError:
		fmt.Fprintf(out, "error: %s\n", ev.Message)
	case testrun.EventDone:
		fmt.Fprintln(out, ev.Message)
	}
}

func serveMetrics(ctx context.Context, addr string, metrics *observability.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server", "error", err)
	}
}
