// Package server exposes the HTTP API: the streaming chat endpoint,
// document and suggestion reads, message truncation and operational
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomhq/loom/pkg/artifacts"
	"github.com/loomhq/loom/pkg/chat"
	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
)

// Server is the HTTP front end.
type Server struct {
	cfg        *config.Config
	controller *chat.Controller
	store      store.Store
	registry   *prometheus.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

func New(cfg *config.Config, controller *chat.Controller, st store.Store, promReg *prometheus.Registry) *Server {
	s := &Server{
		cfg:        cfg,
		controller: controller,
		store:      st,
		registry:   promReg,
		logger:     slog.Default().With("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(authMiddleware(cfg.Server.Auth.Secret))

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Delete("/chat/{chatID}/messages", s.handleDeleteMessages)
		r.Get("/documents/{documentID}", s.handleGetDocument)
		r.Get("/documents/{documentID}/versions", s.handleListVersions)
		r.Get("/documents/{documentID}/suggestions", s.handleListSuggestions)
		r.Get("/documents/{documentID}/export", s.handleExportDocument)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if promReg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

type chatRequest struct {
	ID                string             `json:"id"`
	Messages          []protocol.Message `json:"messages"`
	SelectedChatModel string             `json:"selectedChatModel"`
	SearchEnabled     bool               `json:"searchEnabled,omitempty"`
	System            string             `json:"system,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "id and messages are required")
		return
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != protocol.RoleUser {
		writeError(w, http.StatusBadRequest, "last message must be from the user")
		return
	}
	if last.ID == "" {
		last = protocol.NewMessage(req.ID, protocol.RoleUser, last.Parts...)
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx := r.Context()
	pipe := stream.NewPipe(ctx, 64)

	turnErr := make(chan error, 1)
	go func() {
		defer pipe.Close()
		turnErr <- s.controller.RunTurn(ctx, chat.TurnRequest{
			ChatID:        req.ID,
			UserID:        UserID(ctx),
			Message:       last,
			SelectedModel: req.SelectedChatModel,
			SearchEnabled: req.SearchEnabled,
			System:        req.System,
		}, pipe)
	}()

	for event := range pipe.Events() {
		if err := sse.Send(event); err != nil {
			s.logger.Debug("client disconnected", "chat", req.ID, "error", err)
			break
		}
	}

	if err := <-turnErr; err != nil {
		s.logger.Error("turn failed", "chat", req.ID, "error", err)
		// Headers are already sent; report through the stream.
		_ = sse.Send(stream.Error("The response could not be completed."))
	}
}

func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	after := r.URL.Query().Get("after")
	if after == "" {
		writeError(w, http.StatusBadRequest, "after query parameter is required")
		return
	}

	ch, err := s.store.GetChat(r.Context(), chatID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if ch.UserID != UserID(r.Context()) {
		writeError(w, http.StatusForbidden, "chat belongs to another user")
		return
	}

	deleted, err := s.store.DeleteMessagesAfter(r.Context(), chatID, after)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.loadOwnedDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadOwnedDocument(w, r); !ok {
		return
	}

	versions, err := s.store.ListDocumentVersions(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadOwnedDocument(w, r); !ok {
		return
	}

	suggestions, err := s.store.ListSuggestions(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if suggestions == nil {
		suggestions = []store.Suggestion{}
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (s *Server) handleExportDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.loadOwnedDocument(w, r)
	if !ok {
		return
	}
	if doc.Kind != store.KindSheet {
		writeError(w, http.StatusBadRequest, "only sheet documents can be exported")
		return
	}

	data, err := artifacts.ExportXLSX(doc)
	if err != nil {
		s.logger.Error("export failed", "document", doc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Title+".xlsx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// loadOwnedDocument fetches the latest version of the addressed
// document and enforces ownership.
func (s *Server) loadOwnedDocument(w http.ResponseWriter, r *http.Request) (store.Document, bool) {
	doc, err := s.store.GetLatestDocument(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeStoreError(w, err)
		return store.Document{}, false
	}
	if doc.UserID != UserID(r.Context()) {
		writeError(w, http.StatusForbidden, "document belongs to another user")
		return store.Document{}, false
	}
	return doc, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("storage error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
