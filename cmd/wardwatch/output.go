package wardwatch

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/fatih/color"

	"github.com/kamilpajak/wardwatch/internal/api"
)

func printResult(stderr, stdout io.Writer, r *api.AnalyzeResponse) {
	fmt.Fprintln(stderr)
	dim := color.New(color.FgHiBlack)
	_, _ = dim.Fprintln(stderr, "  "+strings.Repeat("━", 50))
	printConfidenceBar(stderr, percent(r.Confidence), r.ConsensusApplied)
	fmt.Fprintln(stderr)

	fmt.Fprintln(stdout, r.Content)

	if len(r.Sources) > 0 {
		fmt.Fprintln(stdout)
		bold := color.New(color.Bold)
		_, _ = bold.Fprintln(stdout, "SOURCES")
		for _, s := range r.Sources {
			if s.Title != "" {
				fmt.Fprintf(stdout, "- %s (%s)\n", s.Title, s.URL)
			} else {
				fmt.Fprintf(stdout, "- %s\n", s.URL)
			}
		}
	}

	if r.LowConfidence {
		fmt.Fprintln(stderr)
		yellow := color.New(color.FgYellow)
		_, _ = yellow.Fprintln(stderr, "  Tip: Low confidence. Try --consensus or --depth deep before acting on this.")
	}

	fmt.Fprintln(stderr)
	model := string(r.ProviderID)
	if r.Model != "" {
		model = fmt.Sprintf("%s/%s", r.ProviderID, r.Model)
	}
	footer := fmt.Sprintf("  %s | %s tier | $%.4f | %dms | topic %s", model, r.Tier, r.CostUSD, r.ProcessingTimeMs, r.Topic)
	if r.Fallback {
		footer += " | local fallback"
	}
	_, _ = dim.Fprintln(stderr, footer)
}

func percent(confidence float64) int {
	return int(math.Round(confidence * 100))
}

func printConfidenceBar(w io.Writer, confidence int, consensus bool) {
	const barWidth = 24
	filled := confidence * barWidth / 100
	if filled > barWidth {
		filled = barWidth
	}
	if filled < 0 {
		filled = 0
	}

	var barColor *color.Color
	switch {
	case confidence >= 80:
		barColor = color.New(color.FgGreen)
	case confidence >= 50:
		barColor = color.New(color.FgYellow)
	default:
		barColor = color.New(color.FgRed)
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	fmt.Fprintf(w, "  Confidence: %d%% ", confidence)
	_, _ = barColor.Fprint(w, bar)
	dim := color.New(color.FgHiBlack)
	if consensus {
		_, _ = dim.Fprintln(w, " (consensus)")
	} else {
		_, _ = dim.Fprintln(w, " (single provider)")
	}
}
