package api

import (
	"errors"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/kamilpajak/wardwatch/internal/stream"
)

var topicPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// handleStream serves a topic as text/event-stream until the subscription
// ends or the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	if !topicPattern.MatchString(topic) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid topic")
		return
	}
	since, err := lastEventID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid Last-Event-ID")
		return
	}

	sse := stream.NewSSEWriter(w)
	if sse == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	sub, err := s.publisher.Subscribe(topic, since)
	if err != nil {
		s.writeStreamFailure(w, err)
		return
	}
	defer s.publisher.Unsubscribe(sub)

	logger := s.logger.With(zap.String("topic", topic), zap.String("subscriber_id", sub.ID.String()))
	logger.Debug("stream opened", zap.Uint64("last_event_id", since))

	// The server-wide write timeout would cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)
	if err := sse.Retry(s.streamRetry); err != nil {
		return
	}

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				logger.Debug("stream ended")
				return
			}
			if err := sse.Write(e); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
		case <-r.Context().Done():
			logger.Debug("stream client disconnected")
			return
		}
	}
}

// handleCompleteStream ends every subscription on a topic.
func (s *Server) handleCompleteStream(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	if !topicPattern.MatchString(topic) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid topic")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "completed"
	}

	e, err := s.publisher.Complete(topic, req.Reason)
	if err != nil {
		s.writeStreamFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":    topic,
		"event_id": e.ID,
	})
}

func (s *Server) writeStreamFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stream.ErrClosed):
		writeRetryable(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down", s.streamRetry)
	case errors.Is(err, stream.ErrTooManyTopics):
		writeRetryable(w, http.StatusServiceUnavailable, "too_many_topics", err.Error(), s.streamRetry)
	case errors.Is(err, stream.ErrTopicComplete):
		writeError(w, http.StatusConflict, "topic_complete", err.Error())
	default:
		s.logger.Error("stream operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "stream operation failed")
	}
}
