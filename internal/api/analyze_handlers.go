package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kamilpajak/wardwatch/internal/analysis"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// AnalyzeRequest is the body of POST /api/analyze.
type AnalyzeRequest struct {
	Query               string            `json:"query"`
	TopicKey            string            `json:"topic_key"`
	Depth               string            `json:"depth"`
	StrategicContext    string            `json:"strategic_context"`
	Context             map[string]string `json:"context"`
	RequiresRealtime    bool              `json:"requires_realtime"`
	EnableConsensus     *bool             `json:"enable_consensus"`
	ConfidenceThreshold *float64          `json:"confidence_threshold"`
}

// AnalyzeResponse is the scored result returned by POST /api/analyze.
type AnalyzeResponse struct {
	Content          string              `json:"content"`
	Confidence       float64             `json:"confidence"`
	ConsensusApplied bool                `json:"consensus_applied"`
	Sources          []models.Citation   `json:"sources"`
	ProviderID       models.ProviderID   `json:"provider_id"`
	Model            string              `json:"model,omitempty"`
	CostUSD          float64             `json:"cost_usd"`
	ProcessingTimeMs int64               `json:"processing_time_ms"`
	RequestID        uuid.UUID           `json:"request_id"`
	Topic            string              `json:"topic"`
	EventID          uint64              `json:"event_id,omitempty"`
	Tier             models.Tier         `json:"tier"`
	LowConfidence    bool                `json:"low_confidence"`
	Plan             []models.ProviderID `json:"plan"`
	Fallback         bool                `json:"fallback"`
}

// handleAnalyze runs one request through the pipeline and returns the
// scored result. The result is also published to the request topic.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if !validDepth(req.Depth) {
		writeError(w, http.StatusBadRequest, "invalid_request", "depth must be quick, standard or deep")
		return
	}
	if !validStance(req.StrategicContext) {
		writeError(w, http.StatusBadRequest, "invalid_request", "strategic_context must be defensive, neutral or offensive")
		return
	}
	if req.TopicKey != "" && !topicPattern.MatchString(req.TopicKey) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid topic_key")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	resp, err := s.service.Run(ctx, analysis.Params{
		Query:               req.Query,
		Topic:               req.TopicKey,
		Context:             req.Context,
		Depth:               models.Depth(req.Depth),
		Stance:              models.Stance(req.StrategicContext),
		RequiresRealTime:    req.RequiresRealtime,
		EnableConsensus:     req.EnableConsensus,
		ConfidenceThreshold: req.ConfidenceThreshold,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	res := resp.Result
	sources := res.Sources
	if sources == nil {
		sources = []models.Citation{}
	}
	writeJSON(w, http.StatusOK, AnalyzeResponse{
		Content:          res.Content,
		Confidence:       res.Confidence,
		ConsensusApplied: res.ConsensusApplied,
		Sources:          sources,
		ProviderID:       res.ProviderID,
		Model:            res.Model,
		CostUSD:          res.TotalCostUSD(),
		ProcessingTimeMs: resp.ProcessingTimeMs,
		RequestID:        resp.RequestID,
		Topic:            resp.Topic,
		EventID:          resp.EventID,
		Tier:             resp.Analysis.Tier,
		LowConfidence:    res.LowConfidence,
		Plan:             resp.Plan,
		Fallback:         resp.Fallback,
	})
}

func validDepth(s string) bool {
	switch models.Depth(s) {
	case "", models.DepthQuick, models.DepthStandard, models.DepthDeep:
		return true
	}
	return false
}

func validStance(s string) bool {
	switch models.Stance(s) {
	case "", models.StanceDefensive, models.StanceNeutral, models.StanceOffensive:
		return true
	}
	return false
}
