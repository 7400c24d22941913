package main

import "github.com/spf13/cobra"

// buildStoreCmd creates the "store" command group.
func buildStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the vector store",
	}
	cmd.PersistentFlags().String("backend", "", "Override vector_store.backend (pgvector, chromem, file_search)")
	cmd.PersistentFlags().String("model", "", "Embedding model (defaults to embeddings.default_model)")
	cmd.AddCommand(
		buildStoreMigrateCmd(),
		buildStoreSeedCmd(),
		buildStoreQueryCmd(),
		buildStoreInfoCmd(),
	)
	return cmd
}

func buildStoreMigrateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Drop and recreate the vector store",
		Long: `Drop every stored document and recreate the collection or table with the
dimension of the embedding model. Asks for confirmation unless --force is
given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreMigrate(cmd, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	return cmd
}

func buildStoreSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [dir]",
		Short: "Chunk, embed and store every document in the knowledge directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runStoreSeed(cmd, dir)
		},
	}
	return cmd
}

func buildStoreQueryCmd() *cobra.Command {
	var (
		topK    int
		content bool
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Query the vector store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreQuery(cmd, args[0], topK, content)
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 5, "Number of documents to return")
	cmd.Flags().BoolVar(&content, "content", false, "Print document content")
	return cmd
}

func buildStoreInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show what the vector store holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStoreInfo(cmd)
		},
	}
}
