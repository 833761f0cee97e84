package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"veil/internal/derive"

	"github.com/spf13/cobra"
)

var rulesFrames string

// =============================================================================
// RULES COMMAND - Mangle rule file validation
// =============================================================================

var rulesCmd = &cobra.Command{
	Use:   "rules <file...>",
	Short: "Check Mangle rule files used by --rules",
	Long: `Parses and analyzes Mangle (Datalog) rule files against the facet schema.

With --frames, each valid file is also evaluated against the state a frame
file produces and the derived facets are listed.

Examples:
  veil rules derive/*.mg
  veil rules alerts.mg --frames session.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRules,
}

func init() {
	rulesCmd.Flags().StringVar(&rulesFrames, "frames", "", "Frame file to evaluate the rules against")
	rootCmd.AddCommand(rulesCmd)
}

func runRules(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	var files []string
	for _, pattern := range args {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("bad pattern %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			// Glob returns nil for a plain missing path; let LoadRuleTransform report it
			matches = []string{pattern}
		}
		files = append(files, matches...)
	}

	failed := 0
	for _, file := range files {
		t, err := derive.LoadRuleTransform(file)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render("ERROR ")+err.Error())
			failed++
			continue
		}
		fmt.Fprintf(out, "%s %s (%d rules)\n", titleStyle.Render("OK"), file, t.RuleCount())

		if rulesFrames != "" {
			if err := previewDerived(cmd, file); err != nil {
				return err
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d rule files failed", failed, len(files))
	}
	return nil
}

// previewDerived replays the frame file with the rule file registered and
// lists the facets it derived.
func previewDerived(cmd *cobra.Command, file string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	prev := rulesPath
	rulesPath = file
	defer func() { rulesPath = prev }()

	rt, err := loadRuntime(ctx, rulesFrames, os.Stdin, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	n := 0
	for _, e := range rt.space.State().Facets() {
		if !strings.HasPrefix(e.Facet.ID, derive.IDPrefix) {
			continue
		}
		fmt.Fprintf(out, "  %s %s\n", e.Facet.ID, mutedStyle.Render(e.Facet.Content))
		n++
	}
	if n == 0 {
		fmt.Fprintln(out, mutedStyle.Render("  (nothing derived)"))
	}
	return nil
}
