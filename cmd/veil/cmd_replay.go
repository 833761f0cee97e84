package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"veil/internal/ledger"
	"veil/internal/space"
	"veil/internal/veil"

	"github.com/spf13/cobra"
)

var replayMetrics bool

// replayCmd applies a frame file and reports every pass
var replayCmd = &cobra.Command{
	Use:   "replay <frames>",
	Short: "Apply a frame file and report each pipeline pass",
	Long: `Applies incoming and outgoing frames in order, running the full
receptor/transform/effector pipeline for each one.

Rejected frames and passes that hit the iteration cap are reported and the
replay continues. Use "-" to read frames from stdin.

Examples:
  veil replay session.json
  veil replay session.cbor --rules derive.mg --metrics
  veil replay session.json --journal .veil/journal.db`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayMetrics, "metrics", false, "Print collected metrics after the replay")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if replayMetrics {
		cfg.Metrics.Enabled = true
	}
	out := cmd.OutOrStdout()

	var passes, rejected, capped int
	rt, err := loadRuntime(ctx, args[0], cmd.InOrStdin(), func(f veil.AnyFrame, res *space.PassResult, err error) {
		switch {
		case errors.Is(err, ledger.ErrInvalidFrame):
			rejected++
			fmt.Fprintln(out, warningStyle.Render(fmt.Sprintf("frame %d rejected: %v", f.Sequence(), err)))
			return
		case errors.Is(err, space.ErrIterationCap):
			capped++
			fmt.Fprintln(out, errorStyle.Render(res.Summary()))
		default:
			fmt.Fprintln(out, res.Summary())
		}
		passes++
		for _, se := range res.StageErrors {
			fmt.Fprintln(out, mutedStyle.Render("  "+se.Error()))
		}
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	state := rt.space.State()
	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Replay complete"))
	fmt.Fprintf(out, "  passes:   %d (%d rejected, %d capped)\n", passes, rejected, capped)
	fmt.Fprintf(out, "  sequence: %d\n", state.Sequence())
	fmt.Fprintf(out, "  facets:   %d\n", state.Len())
	fmt.Fprintf(out, "  streams:  %d\n", len(state.Streams()))
	fmt.Fprintf(out, "  focus:    %s\n", displayFocus(state.Focus()))

	if replayMetrics {
		return printMetrics(out, rt)
	}
	return nil
}

func printMetrics(out io.Writer, rt *runtime) error {
	lines, err := rt.metrics.Summary()
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Metrics"))
	for _, l := range lines {
		fmt.Fprintln(out, "  "+l)
	}
	return nil
}

func displayFocus(focus string) string {
	if focus == "" {
		return mutedStyle.Render("(none)")
	}
	return focus
}
