// Package admin serves the local HTTP surface: health, read-only views of
// sessions, runs, approvals and events, basic metrics, and a task-submission
// endpoint that feeds the normal inbound pipeline. When a bearer token is
// configured everything except /healthz requires it.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/sender"
	"github.com/hanoi-build/steward/internal/store"
)

const maxTaskBody = 64 << 10

// Options configure the server.
type Options struct {
	Addr  string
	Token string

	// DefaultSender is attributed to tasks submitted without one.
	DefaultSender sender.ID
}

// Server is the admin HTTP server.
type Server struct {
	opts Options
	st   *store.Store
	bus  *bus.MessageBus
	log  *slog.Logger

	started time.Time
	http    *http.Server
}

// New creates a Server. Start binds the listener.
func New(opts Options, st *store.Store, msgBus *bus.MessageBus, log *slog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8787"
	}
	return &Server{opts: opts, st: st, bus: msgBus, log: log, started: time.Now()}
}

// Router builds the route tree. Split out so tests can drive it without a
// listener.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/api/sessions", s.handleSessions)
		r.Get("/api/approvals", s.handleApprovals)
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/runs/{id}", s.handleRun)
		r.Get("/api/metrics", s.handleMetrics)
		r.Post("/api/task", s.handleTask)
	})
	return r
}

// Start serves until ctx-independent Shutdown. ErrServerClosed is swallowed.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("admin API listening", "addr", s.opts.Addr, "auth", s.opts.Token != "")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || got != s.opts.Token {
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.st.ListSessions(100)
	if err != nil {
		s.fail(w, "listing sessions", err)
		return
	}
	type view struct {
		Channel   string    `json:"channel"`
		Sender    string    `json:"sender"`
		Exchanges int       `json:"exchanges"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	out := make([]view, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, view{
			Channel:   sess.Channel,
			Sender:    string(sess.Sender),
			Exchanges: len(sess.Exchanges),
			UpdatedAt: sess.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.st.PendingApprovals("")
	if err != nil {
		s.fail(w, "listing approvals", err)
		return
	}
	type view struct {
		RequestID string    `json:"request_id"`
		RunID     string    `json:"run_id"`
		Sender    string    `json:"sender"`
		Summary   string    `json:"summary"`
		CreatedAt time.Time `json:"created_at"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	out := make([]view, 0, len(pending))
	for _, a := range pending {
		out = append(out, view{
			RequestID: a.RequestID,
			RunID:     a.RunID,
			Sender:    string(a.Sender),
			Summary:   a.Summary,
			CreatedAt: a.CreatedAt,
			ExpiresAt: a.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.st.RecentEvents(200)
	if err != nil {
		s.fail(w, "listing events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.st.GetRun(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}
	if err != nil {
		s.fail(w, "loading run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":          run.RunID,
		"sender":          string(run.Sender),
		"channel":         run.Channel,
		"kind":            run.Kind,
		"state":           run.State,
		"prompt_summary":  run.PromptSummary,
		"workspace":       run.Workspace,
		"result":          run.Result,
		"error":           run.Error,
		"attempts":        run.Attempts,
		"resume_attempts": run.ResumeAttempts,
		"created_at":      run.CreatedAt,
		"updated_at":      run.UpdatedAt,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.st.CountRunsByState()
	if err != nil {
		s.fail(w, "counting runs", err)
		return
	}
	hourAgo := time.Now().Add(-time.Hour)
	accepted, _ := s.st.CountEventsSince(store.EventMessageAccepted, hourAgo)
	sent, _ := s.st.CountEventsSince(store.EventOutboundSent, hourAgo)

	runStates := make(map[string]int, len(counts))
	for state, n := range counts {
		runStates[string(state)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs_by_state":        runStates,
		"messages_accepted_1h": accepted,
		"outbound_sent_1h":     sent,
		"uptime_seconds":       int(time.Since(s.started).Seconds()),
	})
}

type taskRequest struct {
	Sender      string `json:"sender"`
	Text        string `json:"text"`
	ChannelHint string `json:"channel_hint"`
}

// handleTask accepts a task submission and feeds it through the same inbound
// queue the channel readers use.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTaskBody)
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	who := sender.Normalize(req.Sender)
	if who == "" {
		who = s.opts.DefaultSender
	}
	if who == "" {
		writeError(w, http.StatusBadRequest, "sender is required")
		return
	}

	externalID := "task-" + uuid.NewString()
	msg := bus.InboundMessage{
		ExternalID: externalID,
		Channel:    bus.ChannelTask,
		Sender:     who,
		Text:       req.Text,
		ReceivedAt: time.Now(),
	}
	if req.ChannelHint != "" {
		msg.Metadata = map[string]string{"channel_hint": req.ChannelHint}
	}
	if !s.bus.PublishInbound(msg) {
		writeError(w, http.StatusServiceUnavailable, "inbound queue full")
		return
	}
	if err := s.st.AppendEvent(store.EventTaskSubmitted, map[string]string{
		"external_id": externalID,
		"sender":      string(who),
	}); err != nil {
		s.log.Error("appending task event", "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"external_id": externalID})
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.log.Error(what, "error", err)
	writeError(w, http.StatusInternalServerError, what+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
