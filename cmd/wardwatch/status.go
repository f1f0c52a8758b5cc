package wardwatch

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kamilpajak/wardwatch/internal/api"
	"github.com/kamilpajak/wardwatch/internal/breaker"
	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

func newBudgetCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show spend for the current budget period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var b api.BudgetResponse
			if err := newAPIClient(g.server).do(cmd.Context(), http.MethodGet, "/api/budget", nil, &b); err != nil {
				return err
			}
			if g.jsonOutput {
				return writeIndented(cmd.OutOrStdout(), b)
			}
			printBudget(cmd.OutOrStdout(), &b)
			return nil
		},
	}
}

func printBudget(w io.Writer, b *api.BudgetResponse) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)

	_, _ = bold.Fprintf(w, "%s budget  ", b.Period)
	_, _ = dim.Fprintf(w, "%s to %s\n", b.PeriodStart.Format(time.DateOnly), b.PeriodEnd.Format(time.DateOnly))

	pct := int(math.Round(b.Utilization * 100))
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription(fmt.Sprintf("$%.2f of $%.2f", b.SpentUSD, b.LimitUSD)),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetElapsedTime(false),
	)
	_ = bar.Set(min(max(pct, 0), 100))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Level:    %s\n", levelColor(b.Level).Sprint(b.Level))
	if b.ReservedUSD > 0 {
		fmt.Fprintf(w, "Reserved: $%.4f in flight\n", b.ReservedUSD)
	}
	_, _ = dim.Fprintf(w, "Thresholds: warning %.0f%% | critical %.0f%% | emergency %.0f%%\n",
		b.WarningPct*100, b.CriticalPct*100, b.EmergencyPct*100)

	if len(b.ByProvider) > 0 {
		fmt.Fprintln(w)
		ids := make([]models.ProviderID, 0, len(b.ByProvider))
		for id := range b.ByProvider {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fmt.Fprintf(w, "  %-10s $%.4f\n", id, b.ByProvider[id])
		}
	}
}

func levelColor(l budget.Level) *color.Color {
	switch l {
	case budget.LevelOK:
		return color.New(color.FgGreen)
	case budget.LevelWarning:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func newProvidersCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show provider configuration and circuit state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Providers []api.ProviderStatus `json:"providers"`
			}
			if err := newAPIClient(g.server).do(cmd.Context(), http.MethodGet, "/api/providers", nil, &body); err != nil {
				return err
			}
			if g.jsonOutput {
				return writeIndented(cmd.OutOrStdout(), body)
			}
			printProviders(cmd.OutOrStdout(), body.Providers)
			return nil
		},
	}
}

func printProviders(w io.Writer, providers []api.ProviderStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tCIRCUIT\tRELIABILITY\tCALLS")
	for _, p := range providers {
		model := p.Model
		circuit := stateColor(p.State).Sprint(p.State)
		if !p.Enabled {
			model = "-"
			circuit = color.New(color.FgHiBlack).Sprint("disabled")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%d ok / %d failed\n",
			p.ProviderID, model, circuit, p.Reliability*100, p.TotalSuccesses, p.TotalFailures)
	}
	_ = tw.Flush()
}

func stateColor(s breaker.State) *color.Color {
	switch s {
	case breaker.StateClosed:
		return color.New(color.FgGreen)
	case breaker.StateHalfOpen:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
