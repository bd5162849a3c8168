// Package server exposes the engine over HTTP. A long-running server keeps
// the in-memory hot tier warm between captures and boots.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/goerr/v2"
	"github.com/yuin/goldmark"

	"github.com/dan-solli/evna/pkg/evna"
	"github.com/dan-solli/evna/pkg/store"
)

// Engine is the subset of *evna.Engine the server calls.
type Engine interface {
	Capture(ctx context.Context, msg store.RawMessage) (*evna.CaptureResult, error)
	Query(ctx context.Context, filter store.QueryFilter) ([]store.CapturedEntry, error)
	Boot(ctx context.Context, req evna.BootRequest) (*evna.BootResult, error)
	ClientAwareContext(ctx context.Context, session store.ClientSession, isFirstMessage bool, project string, limit int) ([]store.CapturedEntry, error)
	History(ctx context.Context, project string, since time.Time, limit int) ([]store.DurableMessage, error)
}

var _ Engine = (*evna.Engine)(nil)

type Server struct {
	router  *chi.Mux
	engine  Engine
	metrics http.Handler
	logger  *slog.Logger
	now     func() time.Time
}

type Options func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Options {
	return func(s *Server) {
		s.metrics = h
	}
}

func WithLogger(logger *slog.Logger) Options {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(engine Engine, opts ...Options) *Server {
	r := chi.NewRouter()

	s := &Server{
		router: r,
		engine: engine,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	r.Use(middleware.RequestID)
	r.Use(s.accessLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/captures", func(r chi.Router) {
		r.Post("/", s.handleCapture)
		r.Get("/", s.handleQuery)
	})
	r.Get("/boot", s.handleBoot)
	r.Get("/messages", s.handleHistory)
	r.Get("/sessions/{conversation}/context", s.handleSessionContext)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// accessLogger is a middleware that logs HTTP requests
func (s *Server) accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("access",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

type captureResponse struct {
	EntryID          string `json:"entry_id"`
	DurableMessageID string `json:"durable_message_id,omitempty"`
	Mirrored         bool   `json:"mirrored"`
	Indexed          bool   `json:"indexed"`
	MirrorError      string `json:"mirror_error,omitempty"`
	IndexError       string `json:"index_error,omitempty"`
	Metadata         any    `json:"metadata"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var msg store.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.handleError(r.Context(), w, goerr.Wrap(err, "invalid capture body"), http.StatusBadRequest)
		return
	}

	res, err := s.engine.Capture(r.Context(), msg)
	if err != nil {
		s.handleError(r.Context(), w, err, statusFor(err))
		return
	}

	resp := captureResponse{
		EntryID:          res.EntryID,
		DurableMessageID: res.DurableMessageID,
		Mirrored:         res.Mirrored(),
		Indexed:          res.Indexed(),
		Metadata:         res.Metadata,
	}
	if res.MirrorErr != nil {
		resp.MirrorError = res.MirrorErr.Error()
	}
	if res.IndexErr != nil {
		resp.IndexError = res.IndexErr.Error()
	}
	renderJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.QueryFilter{
		Project:               q.Get("project"),
		ClientType:            q.Get("client_type"),
		ExcludeConversationID: q.Get("exclude_conversation_id"),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		s.handleError(r.Context(), w, err, http.StatusBadRequest)
		return
	}
	if filter.Since, err = s.sinceParam(q.Get("since")); err != nil {
		s.handleError(r.Context(), w, err, http.StatusBadRequest)
		return
	}

	entries, err := s.engine.Query(r.Context(), filter)
	if err != nil {
		s.handleError(r.Context(), w, err, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.CapturedEntry{}
	}
	renderJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleHistory lists durable messages, optionally scoped to a project.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		s.handleError(r.Context(), w, err, http.StatusBadRequest)
		return
	}
	since, err := s.sinceParam(q.Get("since"))
	if err != nil {
		s.handleError(r.Context(), w, err, http.StatusBadRequest)
		return
	}

	msgs, err := s.engine.History(r.Context(), q.Get("project"), since, limit)
	if err != nil {
		s.handleError(r.Context(), w, err, http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []store.DurableMessage{}
	}
	renderJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleSessionContext serves cross-client context for a conversation.
// first=true marks the session's first message.
func (s *Server) handleSessionContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	session := store.ClientSession{
		ClientType:     q.Get("client"),
		ConversationID: chi.URLParam(r, "conversation"),
	}
	if session.ClientType == "" {
		session.ClientType = store.ClientDesktop
	}
	if session.ClientType != store.ClientDesktop && session.ClientType != store.ClientCode {
		s.handleError(r.Context(), w, goerr.New("invalid client type", goerr.V("client", session.ClientType)), http.StatusBadRequest)
		return
	}

	first := false
	if v := q.Get("first"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.handleError(r.Context(), w, goerr.Wrap(err, "invalid first parameter"), http.StatusBadRequest)
			return
		}
		first = b
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		s.handleError(r.Context(), w, err, http.StatusBadRequest)
		return
	}

	entries, err := s.engine.ClientAwareContext(r.Context(), session, first, q.Get("project"), limit)
	if err != nil {
		s.handleError(r.Context(), w, err, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.CapturedEntry{}
	}
	renderJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := evna.BootRequest{
		Query:   q.Get("query"),
		Project: q.Get("project"),
	}

	var err error
	if req.LookbackDays, err = intParam(q.Get("lookback")); err != nil {
		s.handleError(r.Context(), w, err, http.StatusBadRequest)
		return
	}
	if req.MaxResults, err = intParam(q.Get("max")); err != nil {
		s.handleError(r.Context(), w, err, http.StatusBadRequest)
		return
	}

	format := q.Get("format")
	switch format {
	case "", "json", "markdown", "html":
	default:
		s.handleError(r.Context(), w, goerr.New("invalid format", goerr.V("format", format)), http.StatusBadRequest)
		return
	}

	res, err := s.engine.Boot(r.Context(), req)
	if err != nil {
		s.handleError(r.Context(), w, err, statusFor(err))
		return
	}

	switch format {
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(res.Narrative))
	case "html":
		page, err := RenderHTML(res.Narrative)
		if err != nil {
			s.handleError(r.Context(), w, err, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(page)
	default:
		renderJSON(w, http.StatusOK, res)
	}
}

// RenderHTML converts a boot narrative to a standalone HTML page. Raw HTML in
// captured text is not passed through.
func RenderHTML(narrative string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>evna boot</title></head><body>\n")
	if err := goldmark.Convert([]byte(narrative), &buf); err != nil {
		return nil, goerr.Wrap(err, "failed to render markdown")
	}
	buf.WriteString("</body></html>\n")
	return buf.Bytes(), nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, goerr.New("invalid integer parameter", goerr.V("value", v))
	}
	return n, nil
}

// sinceParam accepts an RFC 3339 time or a duration back from now ("36h").
func (s *Server) sinceParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return s.now().Add(-d), nil
	}
	return time.Time{}, goerr.New("invalid since parameter", goerr.V("value", v))
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
