package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tax-rag/internal/config"
	"tax-rag/internal/export"
	"tax-rag/internal/rag"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	StatusAnswered = "answered"
	StatusUnknown  = "unknown"
	StatusError    = "error"

	maxBodyBytes = 1 << 16
)

// Answerer is implemented by rag.Chain.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

// Counter reports the number of stored chunks for health checks.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

type Server struct {
	answerer Answerer
	store    Counter
	gatherer prometheus.Gatherer
}

func New(answerer Answerer, store Counter, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{answerer: answerer, store: store, gatherer: gatherer}
}

type answerRequest struct {
	Question string `json:"question"`
}

type answerResponse struct {
	Answer string `json:"answer,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Chunks int    `json:"chunks"`
	Error  string `json:"error,omitempty"`
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/api/answer", s.handleAnswer)
	r.Get("/api/chunks.xlsx", s.handleExport)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, answerResponse{Status: StatusError, Error: "invalid request body"})
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		writeJSON(w, http.StatusBadRequest, answerResponse{Status: StatusError, Error: "question is required"})
		return
	}

	answer, err := s.answerer.Answer(r.Context(), question)
	if err != nil {
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("Failed to answer question")
		writeJSON(w, http.StatusInternalServerError, answerResponse{Status: StatusError, Error: "failed to answer the question"})
		return
	}

	answer = strings.TrimSpace(answer)
	if rag.IsUnknown(answer) {
		writeJSON(w, http.StatusOK, answerResponse{Answer: answer, Status: StatusUnknown})
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Answer: answer, Status: StatusAnswered})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Chunks: n})
}

// handleExport sends every stored chunk as a spreadsheet. The workbook is
// built in memory so a failure can still be reported with a clean 500.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.store.(export.Lister)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, answerResponse{Status: StatusError, Error: "store cannot list chunks"})
		return
	}

	var buf bytes.Buffer
	if _, err := export.WriteXLSX(r.Context(), lister, &buf); err != nil {
		log.Error().Err(err).Msg("Failed to export chunks")
		writeJSON(w, http.StatusInternalServerError, answerResponse{Status: StatusError, Error: "export failed"})
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="chunks.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		log.Warn().Err(err).Msg("Failed to send export")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Run serves handler until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg *config.HTTPConfig, handler http.Handler) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownAfter)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("Server stopped gracefully")
	return nil
}
