package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/kamilpajak/wardwatch/internal/analysis"
	"github.com/kamilpajak/wardwatch/internal/budget"
	"github.com/kamilpajak/wardwatch/internal/router"
)

const maxBodyBytes = 64 << 10

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: message, Code: code})
}

func writeRetryable(w http.ResponseWriter, status int, code, message string, after time.Duration) {
	secs := int(math.Ceil(after.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, status, ErrorBody{Error: message, Code: code, Retryable: true, RetryAfter: secs})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// writeFailure maps a pipeline error to a status code and error body.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	code := analysis.ErrorCode(err)
	switch code {
	case "invalid_request":
		writeError(w, http.StatusBadRequest, code, err.Error())
	case "budget_exceeded":
		writeRetryable(w, http.StatusPaymentRequired, code, err.Error(), s.budgetResetIn(err))
	case "providers_unavailable":
		var unavailable *router.UnavailableError
		after := s.breaker.Config().RecoveryTimeout
		if errors.As(err, &unavailable) && unavailable.RetryAfter > 0 {
			after = unavailable.RetryAfter
		}
		writeRetryable(w, http.StatusServiceUnavailable, code, err.Error(), after)
	case "providers_exhausted":
		writeRetryable(w, http.StatusServiceUnavailable, code, err.Error(), s.breaker.Config().RecoveryTimeout)
	case "topic_complete":
		writeError(w, http.StatusConflict, code, err.Error())
	case "timeout":
		writeRetryable(w, http.StatusGatewayTimeout, code, "request deadline exceeded", time.Second)
	case "cancelled":
		// The client is gone.
	default:
		s.logger.Sugar().Errorw("unexpected analysis error", "error", err)
		writeError(w, http.StatusInternalServerError, code, "internal error")
	}
}

func (s *Server) budgetResetIn(err error) time.Duration {
	reset := s.ledger.Snapshot().PeriodEnd
	var exceeded *budget.ExceededError
	var unavailable *router.UnavailableError
	switch {
	case errors.As(err, &exceeded) && !exceeded.ResetAt.IsZero():
		reset = exceeded.ResetAt
	case errors.As(err, &unavailable) && !unavailable.ResetAt.IsZero():
		reset = unavailable.ResetAt
	}
	return time.Until(reset)
}

// lastEventID reads the resume point from the Last-Event-ID header or the
// since query parameter. Zero means replay the retained history.
func lastEventID(r *http.Request) (uint64, error) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("since")
	}
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
