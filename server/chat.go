package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/martinemde/vizagent/logging"
	"github.com/martinemde/vizagent/pipeline"
	"github.com/martinemde/vizagent/stream"
)

// MaxMessageLength bounds a chat message in characters.
const MaxMessageLength = 10000

const maxBodyBytes = 1 << 20

// ChatRequest is the body of both chat endpoints. ConversationID is
// accepted and logged; history is not kept between requests.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// SyncResponse is returned by POST /api/chat/sync.
type SyncResponse struct {
	Success          bool   `json:"success"`
	Response         string `json:"response"`
	QueryType        string `json:"query_type"`
	Iterations       int    `json:"iterations"`
	ValidationStatus string `json:"validation_status"`
	Caveat           bool   `json:"caveat"`
	RunID            string `json:"run_id"`
}

type errorResponse struct {
	Success       bool   `json:"success"`
	Error         string `json:"error"`
	Type          string `json:"type,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

func decodeChat(r *http.Request) (ChatRequest, error) {
	var req ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return req, errors.New("message must not be empty")
	}
	if n := utf8.RuneCountInString(req.Message); n > MaxMessageLength {
		return req, fmt.Errorf("message is %d characters; the limit is %d", n, MaxMessageLength)
	}
	return req, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(r)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	logger := requestLogger(r.Context(), s.logger)
	logger.Info("chat stream", "query", logging.Preview(req.Message), "conversation_id", req.ConversationID)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.metrics != nil {
		defer s.metrics.StreamOpened()()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	enc := stream.NewEncoder(cancel)
	stop := context.AfterFunc(ctx, enc.Cancel)
	defer stop()
	hbCtx, stopHeartbeats := context.WithCancel(ctx)

	var g errgroup.Group
	g.Go(func() error {
		defer stopHeartbeats()
		defer enc.Finish()
		_, err := s.runner.Run(ctx, req.Message, s.observer(enc))
		s.runFinished(err)
		if err != nil && ctx.Err() == nil && !errors.Is(err, pipeline.ErrCancelled) {
			s.terminate(enc, logger, err)
		}
		return nil
	})
	g.Go(func() error {
		enc.Heartbeats(hbCtx, s.heartbeat)
		return nil
	})
	g.Go(func() error {
		return enc.Drain(ctx, stream.NewWriter(w))
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("stream ended early", "error", err)
	}
}

// terminate makes sure a failed run ends with an error event. The encoder
// ignores it when the run already emitted its own.
func (s *Server) terminate(enc *stream.Encoder, logger *slog.Logger, err error) {
	var f *pipeline.Failure
	if errors.As(err, &f) {
		enc.Fail(f.Kind, f.CorrelationID)
		return
	}
	id := pipeline.NewCorrelationID()
	logger.Error("run failed", "kind", pipeline.KindInternal, "correlation_id", id, "error", err)
	enc.Fail(pipeline.KindInternal, id)
}

func (s *Server) handleChatSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(r)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	logger := requestLogger(r.Context(), s.logger)
	logger.Info("chat sync", "query", logging.Preview(req.Message), "conversation_id", req.ConversationID)

	out, err := s.runner.Run(r.Context(), req.Message, s.observer())
	s.runFinished(err)
	if err != nil {
		var f *pipeline.Failure
		switch {
		case errors.As(err, &f):
			writeJSON(w, statusFor(f.Kind), errorResponse{
				Error:         f.Message(),
				Type:          string(f.Kind),
				CorrelationID: f.CorrelationID,
			})
		case errors.Is(err, pipeline.ErrCancelled):
			// The client is gone; nothing to write.
		default:
			logger.Error("chat sync failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: pipeline.KindInternal.Message()})
		}
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{
		Success:          true,
		Response:         out.Content,
		QueryType:        string(out.QueryType),
		Iterations:       out.Iterations,
		ValidationStatus: string(out.State.ValidationStatus),
		Caveat:           out.Caveat,
		RunID:            out.RunID,
	})
}

func statusFor(k pipeline.ErrorKind) int {
	switch k {
	case pipeline.KindRetrievalUnavailable, pipeline.KindModelUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.KindContentPolicy:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"version":     Version,
		"environment": s.info.Environment,
		"model":       s.info.Model,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_revision_iterations": s.info.MaxIterations,
		"max_csv_rows":            s.info.MaxCSVRows,
		"sse_heartbeat_interval":  int(s.heartbeat.Seconds()),
		"environment":             s.info.Environment,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
