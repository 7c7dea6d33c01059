package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kalambet/convqa/internal/conversation"
	"github.com/kalambet/convqa/internal/grade"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

// scoreColor maps a rubric level to a terminal color.
func scoreColor(score float64) string {
	switch lvl := grade.LevelFor(score); {
	case lvl < 0:
		return colorCyan
	case lvl >= 4:
		return colorGreen
	case lvl >= 2:
		return colorYellow
	default:
		return colorRed
	}
}

// printReport writes a human-readable summary of res to w.
func printReport(w io.Writer, res conversation.Result) {
	fmt.Fprintf(w, "%s %s (%s, kb %s)\n",
		colorize(colorBold, "Conversation"), res.ConversationID, res.ConversationType, res.KnowledgeBaseID)
	if len(res.Ratings) == 0 {
		fmt.Fprintln(w, "  no question/answer threads found")
	}
	for _, r := range res.Ratings {
		score := fmt.Sprintf("%.2f", r.Score)
		if r.Score < 0 {
			score = "n/a"
		}
		fmt.Fprintf(w, "\n%s [%s] %s\n", colorize(colorBold, r.QID), colorize(scoreColor(r.Score), score), r.Band)
		fmt.Fprintf(w, "  Q: %s\n", truncate(r.Question, 200))
		fmt.Fprintf(w, "  Agent: %s\n", truncate(r.AgentAnswer, 300))
		fmt.Fprintf(w, "  Suggested: %s\n", truncate(r.Suggested, 300))
		if r.Rationale != "" {
			fmt.Fprintf(w, "  Why: %s\n", truncate(r.Rationale, 300))
		}
		if r.Degraded {
			fmt.Fprintf(w, "  %s\n", colorize(colorYellow, "degraded: model retries exhausted"))
		}
	}
	fmt.Fprintf(w, "\n%s %.2f (%d threads, %d ms)\n",
		colorize(colorBold, "Overall accuracy:"), res.OverallAccuracy, len(res.Ratings), res.DurationMs)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
