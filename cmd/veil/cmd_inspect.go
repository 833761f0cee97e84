package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	ctxcompress "veil/internal/context"
	"veil/internal/veil"

	"github.com/spf13/cobra"
)

var (
	inspectFocus string
	inspectAt    string
	inspectAfter time.Duration
	inspectAll   bool
)

// inspectCmd shows how every live facet scores
var inspectCmd = &cobra.Command{
	Use:   "inspect <frames>",
	Short: "Show saliency scores for every facet after a frame file",
	Long: `Replays a frame file and prints each live facet with its saliency score,
priority band and saliency flags, highest score first.

Flags column: P pinned, R reference, X cross-stream, T transient, L links.

Examples:
  veil inspect session.json
  veil inspect session.json --focus ops --after 1h`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFocus, "focus", "", "Focus stream (default: the ledger's focus)")
	inspectCmd.Flags().StringVar(&inspectAt, "at", "", "Evaluation time, RFC3339")
	inspectCmd.Flags().DurationVar(&inspectAfter, "after", 0, "Offset added to the last frame time")
	inspectCmd.Flags().BoolVar(&inspectAll, "all", true, "Include facets below the activation threshold")
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rt, err := loadRuntime(ctx, args[0], cmd.InOrStdin(), nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	now, err := rt.renderTime(inspectAt, inspectAfter)
	if err != nil {
		return err
	}
	state := rt.space.State()
	focus := inspectFocus
	if focus == "" {
		focus = state.Focus()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Ledger"))
	fmt.Fprintf(out, "  sequence %d | focus %s | at %s\n", state.Sequence(), displayFocus(focus), now.Format(time.RFC3339))
	for _, s := range state.Streams() {
		marker := " "
		if s.ID == focus {
			marker = "*"
		}
		fmt.Fprintf(out, "  %s %s %s\n", marker, s.ID, mutedStyle.Render(s.Name))
	}
	fmt.Fprintln(out)

	scored := rt.Scorer().ScoreAll(ctxcompress.ScoreContext{
		Now:              now,
		FocusStream:      focus,
		EvaluatingStream: focus,
		State:            state,
	})

	fmt.Fprintln(out, headerStyle.Render(cell("ID", 24)+cell("TYPE", 12)+cell("STREAMS", 16)+cell("SCORE", 10)+cell("PRIORITY", 10)+"FLAGS"))
	shown := 0
	for _, sf := range scored {
		if !inspectAll && sf.Priority == ctxcompress.PriorityNone {
			continue
		}
		f := sf.Entry.Facet
		streams := strings.Join(f.RelevantStreams(), ",")
		if streams == "" {
			streams = "-"
		}
		row := cell(f.ID, 24) + cell(f.Type, 12) + cell(streams, 16) +
			cell(fmt.Sprintf("%.3f", sf.Score), 10) +
			priorityStyle(sf.Priority).Render(cell(string(sf.Priority), 10)) +
			saliencyFlags(f)
		fmt.Fprintln(out, row)
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(out, mutedStyle.Render("(no facets)"))
	}
	return nil
}

func saliencyFlags(f veil.Facet) string {
	s := f.Saliency
	if s == nil {
		return ""
	}
	var flags []string
	if s.Pinned {
		flags = append(flags, "P")
	}
	if s.Reference {
		flags = append(flags, "R")
	}
	if s.CrossStream {
		flags = append(flags, "X")
	}
	if s.Transient > 0 {
		flags = append(flags, fmt.Sprintf("T%.2g", s.Transient))
	}
	if n := len(s.LinkedTo); n > 0 {
		flags = append(flags, fmt.Sprintf("L%d", n))
	}
	return strings.Join(flags, " ")
}
