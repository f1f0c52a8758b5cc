package wardwatch

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kamilpajak/wardwatch/internal/api"
)

type askOptions struct {
	topic     string
	depth     string
	stance    string
	realtime  bool
	consensus bool
	threshold float64
	context   map[string]string
}

func newAskCmd(g *globalOptions) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question and print the scored answer",
		Long: `Ask sends a question through the pipeline. The answer is printed and also
published to the topic, so everyone watching it receives it too.

Examples:
  wardwatch ask "What did the opposition say about housing today?" --realtime
  wardwatch ask "Summarise turnout by ward" --topic ward-7 --depth deep
  wardwatch ask "Is the claim in this leaflet accurate?" --consensus --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, g, opts, strings.Join(args, " "))
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.topic, "topic", "t", "", "Topic to publish the result to (default global)")
	f.StringVarP(&opts.depth, "depth", "d", "", "Analysis depth (quick, standard, deep)")
	f.StringVar(&opts.stance, "stance", "", "Strategic context (defensive, neutral, offensive)")
	f.BoolVar(&opts.realtime, "realtime", false, "The question needs current data")
	f.BoolVar(&opts.consensus, "consensus", false, "Cross-check low-confidence answers with a second provider")
	f.Float64Var(&opts.threshold, "threshold", 0, "Confidence threshold in [0,1]")
	f.StringToStringVar(&opts.context, "context", nil, "Extra context as key=value pairs")
	return cmd
}

func runAsk(cmd *cobra.Command, g *globalOptions, opts *askOptions, question string) error {
	req := api.AnalyzeRequest{
		Query:            question,
		TopicKey:         opts.topic,
		Depth:            opts.depth,
		StrategicContext: opts.stance,
		Context:          opts.context,
		RequiresRealtime: opts.realtime,
	}
	// Unset flags defer to the server's configured defaults.
	if cmd.Flags().Changed("consensus") {
		req.EnableConsensus = &opts.consensus
	}
	if cmd.Flags().Changed("threshold") {
		req.ConfidenceThreshold = &opts.threshold
	}

	stop := startSpinner(cmd.ErrOrStderr(), "Analyzing...")
	var resp api.AnalyzeResponse
	err := newAPIClient(g.server).do(cmd.Context(), http.MethodPost, "/api/analyze", req, &resp)
	stop()
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	if g.jsonOutput {
		return writeIndented(cmd.OutOrStdout(), resp)
	}
	printResult(cmd.ErrOrStderr(), cmd.OutOrStdout(), &resp)
	return nil
}

// startSpinner shows a spinner on w while it is an interactive terminal.
// The returned func stops it.
func startSpinner(w io.Writer, msg string) func() {
	f, ok := w.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(f))
	s.Suffix = " " + msg
	s.Start()
	return s.Stop
}
