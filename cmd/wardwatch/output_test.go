package wardwatch

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/kamilpajak/wardwatch/internal/api"
	"github.com/kamilpajak/wardwatch/internal/breaker"
	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

func init() {
	color.NoColor = true
}

func TestPrintResult(t *testing.T) {
	var stderr, stdout bytes.Buffer
	r := &api.AnalyzeResponse{
		Content:          "Turnout in ward 7 was 61%.",
		Confidence:       0.85,
		ProviderID:       models.ProviderGeneral,
		Model:            "gpt-4o-mini",
		CostUSD:          0.0012,
		ProcessingTimeMs: 840,
		Topic:            "ward-7",
		Tier:             models.TierSimple,
		Sources:          []models.Citation{{URL: "https://example.org/turnout", Title: "Returning officer"}},
	}

	printResult(&stderr, &stdout, r)

	assert.Contains(t, stderr.String(), "━")
	assert.Contains(t, stderr.String(), "Confidence: 85%")
	assert.Contains(t, stderr.String(), "single provider")
	assert.Contains(t, stderr.String(), "general/gpt-4o-mini | simple tier | $0.0012 | 840ms | topic ward-7")
	assert.NotContains(t, stderr.String(), "Tip:")
	assert.NotContains(t, stderr.String(), "local fallback")

	assert.Contains(t, stdout.String(), "Turnout in ward 7 was 61%.")
	assert.Contains(t, stdout.String(), "SOURCES")
	assert.Contains(t, stdout.String(), "- Returning officer (https://example.org/turnout)")
}

func TestPrintResult_LowConfidenceFallback(t *testing.T) {
	var stderr, stdout bytes.Buffer
	r := &api.AnalyzeResponse{
		Content:          "Possibly 60%",
		Confidence:       0.4,
		ConsensusApplied: true,
		LowConfidence:    true,
		Fallback:         true,
		ProviderID:       models.ProviderLocal,
	}

	printResult(&stderr, &stdout, r)

	assert.Contains(t, stderr.String(), "Confidence: 40%")
	assert.Contains(t, stderr.String(), "(consensus)")
	assert.Contains(t, stderr.String(), "Tip:")
	assert.Contains(t, stderr.String(), "local fallback")
	assert.NotContains(t, stdout.String(), "SOURCES")
}

func TestPrintConfidenceBar(t *testing.T) {
	tests := []struct {
		confidence int
		filled     int
	}{
		{90, 21},
		{50, 12},
		{0, 0},
		{150, 24},
		{-5, 0},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		printConfidenceBar(&buf, tt.confidence, false)
		bar := strings.Repeat("█", tt.filled) + strings.Repeat("░", 24-tt.filled)
		assert.Contains(t, buf.String(), fmt.Sprintf("Confidence: %d%% %s", tt.confidence, bar))
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 70, percent(0.699))
	assert.Equal(t, 0, percent(0))
	assert.Equal(t, 100, percent(1))
}

func TestPrintBudget(t *testing.T) {
	var buf bytes.Buffer
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	printBudget(&buf, &api.BudgetResponse{
		Snapshot: budget.Snapshot{
			Period:       budget.PeriodMonthly,
			PeriodStart:  start,
			PeriodEnd:    start.AddDate(0, 1, 0),
			LimitUSD:     333,
			SpentUSD:     250,
			ReservedUSD:  0.5,
			Utilization:  250.0 / 333,
			Level:        budget.LevelWarning,
			WarningPct:   0.7,
			CriticalPct:  0.9,
			EmergencyPct: 0.95,
		},
		ByProvider: map[models.ProviderID]float64{models.ProviderReasoning: 200, models.ProviderGeneral: 50},
	})

	out := buf.String()
	assert.Contains(t, out, "monthly budget")
	assert.Contains(t, out, "2026-10-01 to 2026-11-01")
	assert.Contains(t, out, "$250.00 of $333.00")
	assert.Contains(t, out, "Level:    warning")
	assert.Contains(t, out, "Reserved: $0.5000 in flight")
	assert.Contains(t, out, "warning 70% | critical 90% | emergency 95%")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("general")), bytes.Index(buf.Bytes(), []byte("reasoning")))
}

func TestPrintProviders(t *testing.T) {
	var buf bytes.Buffer
	printProviders(&buf, []api.ProviderStatus{
		{
			ProviderState: breaker.ProviderState{ProviderID: models.ProviderGeneral, State: breaker.StateOpen, TotalSuccesses: 3, TotalFailures: 5},
			Enabled:       true,
			Model:         "gpt-4o-mini",
			Reliability:   0.4,
		},
		{
			ProviderState: breaker.ProviderState{ProviderID: models.ProviderRealtime, State: breaker.StateClosed},
			Reliability:   1,
		},
	})

	out := buf.String()
	assert.Contains(t, out, "PROVIDER")
	assert.Regexp(t, `general\s+gpt-4o-mini\s+open\s+40%\s+3 ok / 5 failed`, out)
	assert.Regexp(t, `realtime\s+-\s+disabled`, out)
}
