package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/internal/breaker"
	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/pkg/models"
)

// BudgetResponse is the body of GET /api/budget.
type BudgetResponse struct {
	budget.Snapshot
	ByProvider map[models.ProviderID]float64 `json:"by_provider,omitempty"`
}

// handleGetBudget returns the active period. The per-provider breakdown
// comes from the spend journal when one is configured.
func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	snap := s.ledger.Snapshot()
	resp := BudgetResponse{Snapshot: snap}
	if s.spend != nil {
		byProvider, err := s.spend.SpentByProvider(r.Context(), snap.PeriodStart, snap.PeriodEnd)
		if err != nil {
			s.logger.Warn("failed to read spend journal", zap.Error(err))
		} else {
			resp.ByProvider = byProvider
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProviderStatus is one entry of GET /api/providers.
type ProviderStatus struct {
	breaker.ProviderState
	Enabled     bool    `json:"enabled"`
	Model       string  `json:"model,omitempty"`
	Reliability float64 `json:"reliability"`
}

// handleListProviders returns configuration and circuit state per provider.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	out := make([]ProviderStatus, 0, len(models.AllProviders))
	for _, id := range models.AllProviders {
		st := ProviderStatus{
			ProviderState: s.breaker.State(id),
			Enabled:       s.registry.Enabled(id),
			Reliability:   s.breaker.Reliability(id),
		}
		if a, ok := s.registry.Get(id); ok {
			st.Model = a.Model()
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}
