package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

// buildCasesCmd creates the "cases" command group.
func buildCasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Manage test cases",
	}
	cmd.AddCommand(
		buildCasesListCmd(),
		buildCasesAddCmd(),
		buildCasesEditCmd(),
		buildCasesDeleteCmd(),
		buildCasesImportCmd(),
		buildCasesPromoteCmd(),
	)
	return cmd
}

func buildCasesListCmd() *cobra.Command {
	var (
		tag    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List test cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCasesList(cmd, tag, asJSON)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Only list cases with this tag")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

// caseFlags are the editable fields of a case.
type caseFlags struct {
	tag      string
	source   string
	question string
	answer   string
	score    float64
}

func (f *caseFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tag, "tag", "", "Case tag")
	cmd.Flags().StringVar(&f.source, "source", "", "Document the answer comes from")
	cmd.Flags().StringVarP(&f.question, "question", "q", "", "Question text")
	cmd.Flags().StringVarP(&f.answer, "answer", "a", "", "Reference answer")
	cmd.Flags().Float64Var(&f.score, "score", 0, "Maximum score (default 10)")
}

func buildCasesAddCmd() *cobra.Command {
	var f caseFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a test case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCasesAdd(cmd, f)
		},
	}
	f.register(cmd)
	cobra.CheckErr(cmd.MarkFlagRequired("question"))
	cobra.CheckErr(cmd.MarkFlagRequired("answer"))
	return cmd
}

func buildCasesEditCmd() *cobra.Command {
	var f caseFlags
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a test case; only the given flags change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			return runCasesEdit(cmd, id, f)
		},
	}
	f.register(cmd)
	return cmd
}

func buildCasesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a test case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			return runCasesDelete(cmd, id)
		},
	}
}

func buildCasesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Append the cases of a YAML test set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCasesImport(cmd, args[0])
		},
	}
}

func buildCasesPromoteCmd() *cobra.Command {
	var loop int
	cmd := &cobra.Command{
		Use:   "promote <run-dir> <id>",
		Short: "Use a model answer from a run as the new reference answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			return runCasesPromote(cmd, args[0], id, loop)
		},
	}
	cmd.Flags().IntVar(&loop, "loop", 0, "Take the answer from this loop (default: first loop holding the case)")
	return cmd
}
