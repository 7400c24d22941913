// Package main provides the ragbench CLI.
//
// ragbench runs a set of question/answer test cases against a retrieval
// augmented chat pipeline, scores every answer with a judge model and
// aggregates the persisted results.
//
// # Basic Usage
//
// Seed the vector store and start a run:
//
//	ragbench store seed --config ragbench.yaml
//	ragbench run --config ragbench.yaml
//
// Summarize the results:
//
//	ragbench report aggregate output/result/20250101-120000
//
// # Environment Variables
//
//   - RAGBENCH_CONFIG: Path to configuration file (default: ragbench.yaml)
//   - OPENAI_API_KEY: OpenAI API key used when no chat provider is configured
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/ragbench/internal/config"
	"github.com/haasonsaas/ragbench/internal/observability"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "ragbench.yaml"

var (
	configPath string
	logLevel   string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ragbench",
		Short: "ragbench - RAG pipeline test harness",
		Long: `ragbench scores a retrieval augmented chat pipeline against a set of
reference answers.

Vector stores: pgvector, chromem, Gemini file search
Embeddings: Ollama, OpenAI, Gemini`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file (or set RAGBENCH_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildStoreCmd(),
		buildCasesCmd(),
		buildReportCmd(),
		buildServeCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" || path == defaultConfigName {
		if env := strings.TrimSpace(os.Getenv("RAGBENCH_CONFIG")); env != "" {
			return env
		}
		return defaultConfigName
	}
	return path
}

// loadConfig reads the configuration and builds the logger it describes.
// A missing default config file falls back to built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path := resolveConfigPath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		explicit := cmd.Flags().Changed("config") || os.Getenv("RAGBENCH_CONFIG") != ""
		if !errors.Is(err, os.ErrNotExist) || explicit {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = config.Default()
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logCfg := cfg.Logging
	logCfg.Output = cmd.ErrOrStderr()
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
