package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/ragbench/internal/harness"
	"github.com/haasonsaas/ragbench/internal/rag/vectorstore"
)

// storeTarget is the harness plus the backend and model the store commands
// operate on.
type storeTarget struct {
	h       *harness.Context
	backend vectorstore.Backend
	model   string
}

func (t *storeTarget) close() {
	_ = t.h.Close(context.Background())
}

func (t *storeTarget) get(ctx context.Context) (vectorstore.Store, error) {
	return t.h.Stores().Get(ctx, t.backend, t.model)
}

func openStoreTarget(ctx context.Context, cmd *cobra.Command) (*storeTarget, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if b, _ := cmd.Flags().GetString("backend"); b != "" {
		cfg.VectorStore.Backend = b
	}
	backend, err := cfg.VectorStore.ParsedBackend()
	if err != nil {
		return nil, err
	}
	if backend == 0 {
		return nil, errors.New("vector_store.backend is none")
	}
	model, _ := cmd.Flags().GetString("model")
	if model == "" {
		model = cfg.Embeddings.DefaultModel
	}
	h, err := harness.New(ctx, cfg, version, logger)
	if err != nil {
		return nil, err
	}
	return &storeTarget{h: h, backend: backend, model: model}, nil
}

func runStoreMigrate(cmd *cobra.Command, force bool) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	t, err := openStoreTarget(ctx, cmd)
	if err != nil {
		return err
	}
	defer t.close()

	out := cmd.OutOrStdout()
	if !force && term.IsTerminal(int(os.Stdin.Fd())) {
		prompt := fmt.Sprintf("This drops every document in the %s store for %s. Continue? [y/N]: ", t.backend, t.model)
		force = confirm(cmd.InOrStdin(), out, prompt)
	}
	if err := t.h.Stores().Migrate(ctx, t.backend, t.model, force); err != nil {
		if errors.Is(err, vectorstore.ErrMigrationNotConfirmed) {
			return fmt.Errorf("%w: rerun with --force", err)
		}
		return err
	}
	fmt.Fprintf(out, "Migrated %s store for %s.\n", t.backend, t.model)
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func runStoreSeed(cmd *cobra.Command, dir string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	t, err := openStoreTarget(ctx, cmd)
	if err != nil {
		return err
	}
	defer t.close()

	if dir == "" {
		dir = t.h.Config().KnowledgeDir
	}
	s, err := t.get(ctx)
	if err != nil {
		return err
	}
	rep, err := s.Seed(ctx, dir)
	if err != nil {
		return fmt.Errorf("seed %s: %w", dir, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Seeded %d files (%d chunks) into %s.\n", rep.Files, rep.Chunks, t.backend)
	for _, skipped := range rep.Skipped {
		fmt.Fprintf(out, "  skipped: %s\n", skipped)
	}
	return nil
}

func runStoreQuery(cmd *cobra.Command, text string, topK int, content bool) error {
	ctx := cmd.Context()
	t, err := openStoreTarget(ctx, cmd)
	if err != nil {
		return err
	}
	defer t.close()

	s, err := t.get(ctx)
	if err != nil {
		return err
	}
	docs, err := s.QueryDocuments(ctx, text, topK)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(docs) == 0 {
		fmt.Fprintln(out, "No documents found.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSIMILARITY\tSOURCE\tCHUNK")
	for i, d := range docs {
		sim := "-"
		if d.Similarity != nil {
			sim = fmt.Sprintf("%.4f", *d.Similarity)
		}
		fmt.Fprintf(tw, "%d\t%s\t%v\t%v\n", i+1, sim, metaOr(d.Metadata, vectorstore.MetaSource), metaOr(d.Metadata, vectorstore.MetaChunkIndex))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if content {
		for i, d := range docs {
			fmt.Fprintf(out, "\n--- %d ---\n%s\n", i+1, d.Content)
		}
	}
	return nil
}

func metaOr(meta map[string]any, key string) any {
	if v, ok := meta[key]; ok {
		return v
	}
	return "-"
}

func runStoreInfo(cmd *cobra.Command) error {
	ctx := cmd.Context()
	t, err := openStoreTarget(ctx, cmd)
	if err != nil {
		return err
	}
	defer t.close()

	s, err := t.get(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	caps := s.Capabilities()
	fmt.Fprintf(out, "Backend:            %s\n", t.backend)
	fmt.Fprintf(out, "Embedding model:    %s\n", t.model)
	fmt.Fprintf(out, "Incremental add:    %t\n", caps.SupportsIncrementalAdd)
	fmt.Fprintf(out, "Native similarity:  %t\n", caps.NativeSimilarity)

	reporter, ok := s.(vectorstore.StatsReporter)
	if !ok {
		return nil
	}
	stats, err := reporter.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	fmt.Fprintf(out, "Location:           %s\n", stats.Location)
	fmt.Fprintf(out, "Files:              %d\n", stats.Files)
	fmt.Fprintf(out, "Chunks:             %d\n", stats.Chunks)
	if stats.Dimension > 0 {
		fmt.Fprintf(out, "Dimension:          %d\n", stats.Dimension)
	}
	return nil
}
