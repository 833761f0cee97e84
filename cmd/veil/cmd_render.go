package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"veil/internal/config"
	ctxcompress "veil/internal/context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	renderFocus     string
	renderAt        string
	renderAfter     time.Duration
	renderMaxTokens int
	renderOutput    string
	renderFollow    bool
)

// renderCmd renders the state a frame file produces
var renderCmd = &cobra.Command{
	Use:   "render <frames>",
	Short: "Render the context an agent would see after a frame file",
	Long: `Replays a frame file, then scores, compresses and renders the resulting
state into a token-budgeted context.

Rendering is evaluated at the last frame's timestamp unless --at is given;
--after shifts that time forward to preview transient decay.

With --follow the command keeps running and re-renders whenever the config
file changes, which makes tuning scorer constants interactive.

Examples:
  veil render session.json
  veil render session.json --focus ops --after 10m
  veil render session.json --output genai
  veil render session.json --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVar(&renderFocus, "focus", "", "Focus stream (default: the ledger's focus)")
	renderCmd.Flags().StringVar(&renderAt, "at", "", "Evaluation time, RFC3339")
	renderCmd.Flags().DurationVar(&renderAfter, "after", 0, "Offset added to the last frame time")
	renderCmd.Flags().IntVar(&renderMaxTokens, "max-tokens", 0, "Override render.max_context_tokens")
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "text", "Output: text, json or genai")
	renderCmd.Flags().BoolVar(&renderFollow, "follow", false, "Re-render when the config file changes")
}

func runRender(cmd *cobra.Command, args []string) error {
	switch renderOutput {
	case "text", "json", "genai":
	default:
		return fmt.Errorf("unknown output %q (valid: text, json, genai)", renderOutput)
	}
	if renderMaxTokens > 0 {
		cfg.Render.MaxContextTokens = renderMaxTokens
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rt, err := loadRuntime(ctx, args[0], cmd.InOrStdin(), nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	now, err := rt.renderTime(renderAt, renderAfter)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if err := renderOnce(out, rt, now); err != nil {
		return err
	}
	if !renderFollow {
		return nil
	}
	return followConfig(out, rt, now)
}

func renderOnce(out io.Writer, rt *runtime, now time.Time) error {
	res, err := rt.Render(renderFocus, now)
	if err != nil {
		return err
	}
	switch renderOutput {
	case "json":
		return writeJSON(out, newRenderJSON(res))
	case "genai":
		contents, gcfg := ctxcompress.ToGenAI(res)
		return writeJSON(out, map[string]any{
			"systemInstruction": gcfg.SystemInstruction,
			"contents":          contents,
		})
	default:
		printRenderText(out, res)
		return nil
	}
}

// followConfig re-renders on every config reload until interrupted.
func followConfig(out io.Writer, rt *runtime, now time.Time) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	path := resolveConfigPath(ws)
	if _, err := os.Stat(path); err != nil {
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Fprintln(out, mutedStyle.Render("wrote default config to "+path))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mu sync.Mutex
	w, err := config.NewWatcher(path, func(c *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		if renderMaxTokens > 0 {
			c.Render.MaxContextTokens = renderMaxTokens
		}
		rt.Reconfigure(c)
		logger.Info("config reloaded", zap.String("path", path))
		fmt.Fprintln(out, titleStyle.Render("--- reloaded "+filepath.Base(path)+" ---"))
		if err := renderOnce(out, rt, now); err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	fmt.Fprintln(out, mutedStyle.Render("watching "+path+" (ctrl-c to stop)"))

	<-ctx.Done()
	w.Stop()
	stats := w.Stats()
	logger.Debug("config watcher stopped", zap.Int("reloads", stats.Reloads), zap.Int("rejected", stats.Rejected))
	return nil
}

func printRenderText(out io.Writer, res *ctxcompress.RenderResult) {
	for _, m := range res.Messages {
		fmt.Fprintln(out, titleStyle.Render(string(m.Role)))
		fmt.Fprintln(out, messageStyle.Render(m.Content))
	}
	fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf(
		"tokens %d/%d (pinned %d, offered %d, messages ~%d) | %d selected | %d evicted | focus %s | at %s",
		res.TokensUsed, res.MaxTokens, res.PinnedTokens, res.CandidateTokens, res.MessageTokens,
		len(res.Selected), len(res.Evicted),
		res.FocusStream, res.RenderedAt.Format(time.RFC3339))))
}

type renderJSON struct {
	Messages        []ctxcompress.Message `json:"messages"`
	Selected        []blockJSON           `json:"selected"`
	Evicted         []blockJSON           `json:"evicted,omitempty"`
	TokensUsed      int                   `json:"tokensUsed"`
	PinnedTokens    int                   `json:"pinnedTokens"`
	MaxTokens       int                   `json:"maxTokens"`
	CandidateTokens int                   `json:"candidateTokens"`
	MessageTokens   int                   `json:"messageTokens"`
	FocusStream     string                `json:"focusStream,omitempty"`
	RenderedAt      time.Time             `json:"renderedAt"`
}

type blockJSON struct {
	FacetID   string   `json:"facetId"`
	Sources   []string `json:"sources,omitempty"`
	Score     float64  `json:"score"`
	Priority  string   `json:"priority,omitempty"`
	Tokens    int      `json:"tokens"`
	Truncated bool     `json:"truncated,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

func newRenderJSON(res *ctxcompress.RenderResult) renderJSON {
	out := renderJSON{
		Messages:        res.Messages,
		Selected:        make([]blockJSON, 0, len(res.Selected)),
		TokensUsed:      res.TokensUsed,
		PinnedTokens:    res.PinnedTokens,
		MaxTokens:       res.MaxTokens,
		CandidateTokens: res.CandidateTokens,
		MessageTokens:   res.MessageTokens,
		FocusStream:     res.FocusStream,
		RenderedAt:      res.RenderedAt,
	}
	for _, rb := range res.Selected {
		out.Selected = append(out.Selected, blockJSON{
			FacetID:   rb.Block.FacetID,
			Sources:   rb.Block.Sources,
			Score:     rb.Score,
			Priority:  string(rb.Priority),
			Tokens:    rb.Block.Tokens,
			Truncated: rb.Truncated,
		})
	}
	for _, eb := range res.Evicted {
		out.Evicted = append(out.Evicted, blockJSON{
			FacetID: eb.Block.FacetID,
			Sources: eb.Block.Sources,
			Score:   eb.Score,
			Tokens:  eb.Block.Tokens,
			Reason:  string(eb.Reason),
		})
	}
	return out
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
