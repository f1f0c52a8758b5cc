package wardwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kamilpajak/wardwatch/internal/analysis"
	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/internal/stream"
	"github.com/kamilpajak/wardwatch/internal/streamclient"
)

type watchOptions struct {
	since      string
	maxRetries int
	heartbeats bool
}

func newWatchCmd(g *globalOptions) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch [topic]",
		Short: "Follow a topic's live event stream",
		Long: `Watch subscribes to a topic and prints intelligence, alerts and errors as
they arrive. Dropped connections are retried with exponential backoff and
resume after the last event received.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := analysis.DefaultTopic
			if len(args) == 1 {
				topic = args[0]
			}
			return runWatch(cmd, g, opts, topic)
		},
	}
	cmd.Flags().StringVar(&opts.since, "since", "", "Resume after this event id")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 10, "Consecutive failed reconnects before giving up")
	cmd.Flags().BoolVar(&opts.heartbeats, "heartbeats", false, "Also print heartbeat events")
	return cmd
}

func runWatch(cmd *cobra.Command, g *globalOptions, opts *watchOptions, topic string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := streamclient.DefaultConfig(newAPIClient(g.server).base + "/api/stream/" + url.PathEscape(topic))
	cfg.MaxRetries = opts.maxRetries

	stderr := cmd.ErrOrStderr()
	dim := color.New(color.FgHiBlack)
	client, err := streamclient.New(cfg,
		streamclient.WithLastEventID(opts.since),
		streamclient.WithStateHook(func(from, to streamclient.State) {
			_, _ = dim.Fprintf(stderr, "  [%s]\n", to)
		}),
	)
	if err != nil {
		return err
	}

	p := &framePrinter{stdout: cmd.OutOrStdout(), stderr: stderr, json: g.jsonOutput, heartbeats: opts.heartbeats}
	err = client.Run(ctx, p.print)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// framePrinter renders stream frames for a terminal.
type framePrinter struct {
	stdout     io.Writer
	stderr     io.Writer
	json       bool
	heartbeats bool
}

func (p *framePrinter) print(f stream.Frame) error {
	if f.Event == string(stream.EventHeartbeat) && !p.heartbeats {
		return nil
	}
	if p.json {
		_, err := fmt.Fprintf(p.stdout, "{\"id\":%q,\"event\":%q,\"data\":%s}\n", f.ID, f.Event, f.Data)
		return err
	}

	dim := color.New(color.FgHiBlack)
	switch stream.EventType(f.Event) {
	case stream.EventConnection:
		var c stream.ConnectionPayload
		if err := json.Unmarshal([]byte(f.Data), &c); err == nil {
			_, _ = dim.Fprintf(p.stderr, "  Watching %q (subscriber %s)\n", c.Topic, c.SubscriberID)
		}
	case stream.EventHeartbeat:
		_, _ = dim.Fprintln(p.stderr, "  ♥")
	case stream.EventIntelligence:
		var in analysis.Intelligence
		if err := json.Unmarshal([]byte(f.Data), &in); err != nil {
			return fmt.Errorf("malformed intelligence event %s: %w", f.ID, err)
		}
		if in.Result == nil {
			return fmt.Errorf("intelligence event %s has no result", f.ID)
		}
		bold := color.New(color.Bold)
		fmt.Fprintln(p.stdout)
		_, _ = bold.Fprintf(p.stdout, "#%s  %s\n", f.ID, in.Query)
		printConfidenceBar(p.stdout, percent(in.Result.Confidence), in.Result.ConsensusApplied)
		fmt.Fprintln(p.stdout, in.Result.Content)
		_, _ = dim.Fprintf(p.stdout, "  %s | %s tier | $%.4f\n", in.Result.ProviderID, in.Tier, in.Result.TotalCostUSD())
	case stream.EventAlert:
		var a stream.AlertPayload
		if err := json.Unmarshal([]byte(f.Data), &a); err != nil {
			return fmt.Errorf("malformed alert event %s: %w", f.ID, err)
		}
		c := color.New(color.FgYellow, color.Bold)
		if a.Level != string(budget.LevelWarning) {
			c = color.New(color.FgRed, color.Bold)
		}
		_, _ = c.Fprintf(p.stdout, "  ALERT %s\n", a.Message)
	case stream.EventGap:
		var gap stream.GapPayload
		if err := json.Unmarshal([]byte(f.Data), &gap); err == nil {
			_, _ = color.New(color.FgYellow).Fprintf(p.stderr, "  Missed %d events (%d-%d)\n", gap.Dropped, gap.From, gap.To)
		}
	case stream.EventError:
		var e stream.ErrorPayload
		if err := json.Unmarshal([]byte(f.Data), &e); err == nil {
			_, _ = color.New(color.FgRed).Fprintf(p.stderr, "  Error: %s (%s)\n", e.Message, e.Code)
		}
	case stream.EventComplete:
		var c stream.CompletePayload
		_ = json.Unmarshal([]byte(f.Data), &c)
		_, _ = color.New(color.FgGreen).Fprintf(p.stderr, "  Stream complete: %s\n", c.Reason)
	default:
		fmt.Fprintf(p.stdout, "%s: %s\n", f.Event, f.Data)
	}
	return nil
}
