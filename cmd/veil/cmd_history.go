package main

import (
	"context"
	"fmt"
	"time"

	"veil/internal/journal"

	"github.com/spf13/cobra"
)

var (
	historySince     int64
	historyLimit     int
	historyDirection string
)

// historyCmd lists journaled frames
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List frames recorded in the journal",
	Long: `Lists frames from a SQLite frame journal written by "veil replay --journal"
or by a Space configured with journal.enabled.

Examples:
  veil history --journal .veil/journal.db
  veil history --since 40 --direction outgoing`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().Int64Var(&historySince, "since", 0, "Only frames with a greater sequence")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Maximum frames to list (0 = all)")
	historyCmd.Flags().StringVar(&historyDirection, "direction", "", "incoming or outgoing (default: both)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	path := journalPath
	if path == "" {
		path = cfg.Journal.Path
	}
	if path == "" || path == journal.MemoryPath {
		return fmt.Errorf("history needs a journal file (use --journal or set journal.path)")
	}

	dir := journal.Direction(historyDirection)
	switch dir {
	case "", journal.DirectionIncoming, journal.DirectionOutgoing:
	default:
		return fmt.Errorf("unknown direction %q (valid: incoming, outgoing)", historyDirection)
	}

	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()

	records, err := j.Frames(ctx, journal.Query{Since: historySince, Direction: dir, Limit: historyLimit})
	if err != nil {
		return err
	}
	total, err := j.Count(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render(cell("SEQ", 8)+cell("DIRECTION", 11)+cell("TIMESTAMP", 27)+cell("FOCUS", 14)+"OPS"))
	for _, r := range records {
		fmt.Fprintln(out, cell(fmt.Sprint(r.Sequence), 8)+cell(string(r.Direction), 11)+
			cell(r.Timestamp.Format(time.RFC3339Nano), 27)+cell(r.Focus, 14)+fmt.Sprint(r.Operations))
	}
	fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%d of %d frames", len(records), total)))
	return nil
}
