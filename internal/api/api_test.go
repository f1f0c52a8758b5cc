package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/internal/analysis"
	"github.com/kamilpajak/wardwatch/internal/breaker"
	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/internal/confidence"
	"github.com/kamilpajak/wardwatch/internal/orchestrator"
	"github.com/kamilpajak/wardwatch/internal/provider"
	"github.com/kamilpajak/wardwatch/internal/provider/providertest"
	"github.com/kamilpajak/wardwatch/internal/query"
	"github.com/kamilpajak/wardwatch/internal/router"
	"github.com/kamilpajak/wardwatch/internal/stream"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

var cheap = query.Pricing{InputPer1K: 0.001, OutputPer1K: 0.001}

type fakeSpend map[models.ProviderID]float64

func (f fakeSpend) SpentByProvider(context.Context, time.Time, time.Time) (map[models.ProviderID]float64, error) {
	return f, nil
}

type testEnv struct {
	server    *Server
	breaker   *breaker.Breaker
	ledger    *budget.Ledger
	publisher *stream.Publisher
}

// testServer wires the real pipeline over scripted adapters.
func testServer(t *testing.T, limit float64, adapters ...provider.Adapter) *testEnv {
	t.Helper()
	cfg := budget.DefaultConfig()
	cfg.LimitUSD = limit
	ledger, err := budget.NewLedger(cfg)
	require.NoError(t, err)

	logger := zap.NewNop()
	br := breaker.New(breaker.DefaultConfig(), models.AllProviders)
	reg := provider.NewRegistry(adapters...)
	orch := orchestrator.New(orchestrator.DefaultConfig(), reg, br, ledger, logger)
	pub := stream.NewPublisher(stream.DefaultConfig())
	t.Cleanup(pub.Close)

	svc := analysis.NewService(analysis.Deps{
		Analyzer:     query.NewAnalyzer(query.DefaultTierCuts()),
		Router:       router.New(router.DefaultPolicy(), reg, br, ledger, logger),
		Orchestrator: orch,
		Scorer:       confidence.NewScorer(br, orch, logger),
		Ledger:       ledger,
		Publisher:    pub,
		Defaults:     confidence.Options{Threshold: 0.5},
		Logger:       logger,
	})
	s := NewServer(Config{
		Service:        svc,
		Breaker:        br,
		Registry:       reg,
		Spend:          fakeSpend{models.ProviderGeneral: 0.25},
		RequestTimeout: 5 * time.Second,
		StreamRetry:    250 * time.Millisecond,
	})
	return &testEnv{server: s, breaker: br, ledger: ledger, publisher: pub}
}

func general(steps ...providertest.Step) *providertest.Scripted {
	return providertest.New(models.ProviderGeneral, cheap, steps...)
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	env := testServer(t, 100, general(providertest.Succeed("ok", 1, 1)))
	rec := get(t, env.server, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	env := testServer(t, 100, general(providertest.Succeed("ok", 1, 1)))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/analyze", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Last-Event-ID")
}

func TestAnalyze_Success(t *testing.T) {
	env := testServer(t, 100, general(providertest.Succeed("Turnout was 61%. Source: https://example.org/t", 100, 200)))
	sub, err := env.publisher.Subscribe("ward-7", 0)
	require.NoError(t, err)

	rec := post(t, env.server, "/api/analyze", `{"query":"What was the turnout?","topic_key":"ward-7","depth":"quick"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.ProviderGeneral, resp.ProviderID)
	assert.Equal(t, "ward-7", resp.Topic)
	assert.Equal(t, uint64(1), resp.EventID)
	assert.InDelta(t, 0.0003, resp.CostUSD, 1e-9)
	assert.NotNil(t, resp.Sources)
	assert.Equal(t, []models.ProviderID{models.ProviderGeneral}, resp.Plan)

	assert.Equal(t, stream.EventConnection, (<-sub.C).Type)
	assert.Equal(t, stream.EventIntelligence, (<-sub.C).Type)
}

func TestAnalyze_BadRequests(t *testing.T) {
	env := testServer(t, 100, general(providertest.Succeed("ok", 1, 1)))

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"query":`},
		{"empty query", `{"query":"  "}`},
		{"bad depth", `{"query":"q","depth":"bottomless"}`},
		{"bad stance", `{"query":"q","strategic_context":"sideways"}`},
		{"bad topic", `{"query":"q","topic_key":"no spaces allowed"}`},
		{"bad threshold", `{"query":"q","confidence_threshold":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, env.server, "/api/analyze", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, "invalid_request", body.Code)
			assert.False(t, body.Retryable)
		})
	}
}

func TestAnalyze_ProvidersUnavailable(t *testing.T) {
	env := testServer(t, 100, general(providertest.Succeed("never", 1, 1)))
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		env.breaker.RecordFailure(models.ProviderGeneral)
	}

	rec := post(t, env.server, "/api/analyze", `{"query":"What was the turnout?"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	body := decodeError(t, rec)
	assert.Equal(t, "providers_unavailable", body.Code)
	assert.True(t, body.Retryable)
	assert.Positive(t, body.RetryAfter)
}

func TestAnalyze_BudgetExceeded(t *testing.T) {
	pricey := providertest.New(models.ProviderGeneral, query.Pricing{InputPer1K: 500, OutputPer1K: 500},
		providertest.Succeed("never", 1, 1))
	env := testServer(t, 1, pricey)

	rec := post(t, env.server, "/api/analyze", `{"query":"What was the turnout?"}`)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "budget_exceeded", body.Code)
	assert.Positive(t, body.RetryAfter)
	assert.Empty(t, pricey.Calls())
}

func TestAnalyze_Exhausted(t *testing.T) {
	upstream := &provider.Error{Kind: provider.KindUpstream, StatusCode: 503, Err: errors.New("overloaded")}
	env := testServer(t, 100, general(providertest.Fail(upstream)))

	rec := post(t, env.server, "/api/analyze", `{"query":"What was the turnout?"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "providers_exhausted", decodeError(t, rec).Code)
}

func TestGetBudget(t *testing.T) {
	env := testServer(t, 100, general(providertest.Succeed("ok", 1, 1)))
	rec := get(t, env.server, "/api/budget")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		LimitUSD   float64            `json:"limit_usd"`
		Level      string             `json:"level"`
		ByProvider map[string]float64 `json:"by_provider"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 100.0, body.LimitUSD)
	assert.Equal(t, string(budget.LevelOK), body.Level)
	assert.Equal(t, 0.25, body.ByProvider["general"])
}

func TestListProviders(t *testing.T) {
	env := testServer(t, 100, general(providertest.Succeed("ok", 1, 1)))
	env.breaker.RecordSuccess(models.ProviderGeneral)

	rec := get(t, env.server, "/api/providers")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Providers []ProviderStatus `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Providers, len(models.AllProviders))

	first := body.Providers[0]
	assert.Equal(t, models.ProviderGeneral, first.ProviderID)
	assert.True(t, first.Enabled)
	assert.Equal(t, "scripted-general", first.Model)
	assert.Equal(t, breaker.StateClosed, first.State)
	assert.False(t, body.Providers[1].Enabled)
}

func TestStream_ReplaysAndCompletes(t *testing.T) {
	env := testServer(t, 100, general(providertest.Succeed("ok", 1, 1)))
	ts := httptest.NewServer(env.server)
	defer ts.Close()

	_, err := env.publisher.Publish("ward-7", stream.EventIntelligence, map[string]int{"n": 1})
	require.NoError(t, err)
	_, err = env.publisher.Publish("ward-7", stream.EventIntelligence, map[string]int{"n": 2})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/stream/ward-7", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	dec := stream.NewDecoder(resp.Body)
	retry, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, retry.Retry)

	f, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, string(stream.EventConnection), f.Event)

	f, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "2", f.ID)
	assert.JSONEq(t, `{"n":2}`, f.Data)

	rec := post(t, env.server, "/api/stream/ward-7/complete", `{"reason":"polls closed"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	f, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, string(stream.EventComplete), f.Event)
	assert.Contains(t, f.Data, "polls closed")

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_BadRequests(t *testing.T) {
	env := testServer(t, 100, general(providertest.Succeed("ok", 1, 1)))

	rec := get(t, env.server, "/api/stream/bad%20topic")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/ward-7", nil)
	req.Header.Set("Last-Event-ID", "not-a-number")
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteStream_EmptyBody(t *testing.T) {
	env := testServer(t, 100, general(providertest.Succeed("ok", 1, 1)))
	req := httptest.NewRequest(http.MethodPost, "/api/stream/ward-7/complete", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), env.publisher.LastEventID("ward-7"))
}

func TestCompletedTopic_Conflict(t *testing.T) {
	scripted := general(providertest.Succeed("ok", 1, 1))
	env := testServer(t, 100, scripted)

	rec := post(t, env.server, "/api/stream/ward-7/complete", `{"reason":"polls closed"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, env.server, "/api/stream/ward-7/complete", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "topic_complete", decodeError(t, rec).Code)

	rec = post(t, env.server, "/api/analyze", `{"query":"What was the turnout?","topic_key":"ward-7"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "topic_complete", decodeError(t, rec).Code)
	assert.Empty(t, scripted.Calls())
}
