package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/ragbench/internal/report"
	"github.com/haasonsaas/ragbench/internal/testcase"
	"github.com/haasonsaas/ragbench/internal/testrun"
)

func openCases(cmd *cobra.Command) (*testcase.Store, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return testcase.NewStore(cfg.CasesFile), nil
}

func runCasesList(cmd *cobra.Command, tag string, asJSON bool) error {
	store, err := openCases(cmd)
	if err != nil {
		return err
	}
	all, err := store.List()
	if err != nil {
		return err
	}
	cases := selectCases(all, nil, tag)
	out := cmd.OutOrStdout()
	if asJSON {
		return report.WriteJSON(out, cases)
	}
	if len(cases) == 0 {
		fmt.Fprintln(out, "No test cases.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTAG\tSCORE\tQUESTION")
	for _, c := range cases {
		fmt.Fprintf(tw, "%d\t%s\t%g\t%s\n", c.ID, c.Tag, c.Score, oneLine(c.Question, 80))
	}
	return tw.Flush()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func runCasesAdd(cmd *cobra.Command, f caseFlags) error {
	store, err := openCases(cmd)
	if err != nil {
		return err
	}
	c, err := store.Add(testcase.Case{
		Tag:      f.tag,
		Source:   f.source,
		Question: f.question,
		Answer:   f.answer,
		Score:    f.score,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added case %d.\n", c.ID)
	return nil
}

func runCasesEdit(cmd *cobra.Command, id int, f caseFlags) error {
	store, err := openCases(cmd)
	if err != nil {
		return err
	}
	c, err := store.Get(id)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("tag") {
		c.Tag = f.tag
	}
	if flags.Changed("source") {
		c.Source = f.source
	}
	if flags.Changed("question") {
		c.Question = f.question
	}
	if flags.Changed("answer") {
		c.Answer = f.answer
	}
	if flags.Changed("score") {
		c.Score = f.score
	}
	if err := store.Edit(c); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated case %d.\n", id)
	return nil
}

func runCasesDelete(cmd *cobra.Command, id int) error {
	store, err := openCases(cmd)
	if err != nil {
		return err
	}
	if err := store.Delete(id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted case %d.\n", id)
	return nil
}

func runCasesImport(cmd *cobra.Command, path string) error {
	store, err := openCases(cmd)
	if err != nil {
		return err
	}
	n, err := store.Import(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d cases into %s.\n", n, store.Path())
	return nil
}

func runCasesPromote(cmd *cobra.Command, runDir string, id, loop int) error {
	store, err := openCases(cmd)
	if err != nil {
		return err
	}
	answer, err := testrun.Promote(runDir, store, id, loop)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Case %d reference answer is now:\n%s\n", id, answer)
	return nil
}
