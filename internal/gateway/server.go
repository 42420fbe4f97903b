// Package gateway exposes the conversation engine to presentation clients
// over HTTP and WebSocket. Clients render state; all mutation goes through
// the orchestrator.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/haiyenle/mindmate/internal/bus"
	"github.com/haiyenle/mindmate/internal/capture"
	"github.com/haiyenle/mindmate/internal/character"
	"github.com/haiyenle/mindmate/internal/config"
	"github.com/haiyenle/mindmate/internal/conversation"
	"github.com/haiyenle/mindmate/internal/language"
	"github.com/haiyenle/mindmate/internal/logging"
)

// Server is the presentation gateway
type Server struct {
	orchestrator *conversation.Orchestrator
	catalog      *character.Catalog
	cfg          *config.Config
	hub          *Hub
	applog       *logging.Logger
	logger       zerolog.Logger
	httpServer   *http.Server
}

// NewServer wires the gateway over the orchestrator and catalog. The bus
// subscription turns orchestrator events into client broadcasts.
func NewServer(orch *conversation.Orchestrator, catalog *character.Catalog, cfg *config.Config, eventBus *bus.EventBus, applog *logging.Logger, logger zerolog.Logger) *Server {
	s := &Server{
		orchestrator: orch,
		catalog:      catalog,
		cfg:          cfg,
		hub:          NewHub(logger),
		applog:       applog,
		logger:       logger.With().Str("component", "gateway").Logger(),
	}

	if eventBus != nil {
		eventBus.SubscribeMultiple([]bus.EventType{
			bus.EventTypeMessageAdded,
			bus.EventTypeProcessingState,
			bus.EventTypeConversationReset,
			bus.EventTypeCharacterSelected,
			bus.EventTypeListeningStarted,
			bus.EventTypeListeningStopped,
			bus.EventTypeTranscript,
			bus.EventTypeInterimTranscript,
			bus.EventTypeCaptureError,
			bus.EventTypeSpeakingStarted,
			bus.EventTypeSpeakingStopped,
			bus.EventTypeSpeechError,
			bus.EventTypeVoicesChanged,
		}, s.onBusEvent)
	}

	if applog != nil {
		applog.SetOnLog(func(entry logging.LogEntry) {
			s.hub.Broadcast(wsMessage{Type: "log", Data: entry})
		})
	}

	return s
}

// onBusEvent pushes the event and a fresh state snapshot to all clients
func (s *Server) onBusEvent(ev bus.Event) {
	s.hub.Broadcast(wsMessage{Type: "event", Data: map[string]any{
		"event": string(ev.Type),
		"data":  ev.Data,
	}})
	s.hub.Broadcast(wsMessage{Type: "snapshot", Data: s.orchestrator.Snapshot()})
}

// Router builds the chi route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/characters", s.handleListCharacters)
		r.Post("/characters/{id}/select", s.handleSelectCharacter)
		r.Get("/state", s.handleState)
		r.Post("/messages", s.handleSubmit)
		r.Post("/capture/start", s.handleCaptureStart)
		r.Post("/capture/stop", s.handleCaptureStop)
		r.Post("/speech/toggle", s.handleSpeechToggle)
		r.Post("/reset", s.handleReset)
		r.Get("/language", s.handleGetLanguage)
		r.Put("/language", s.handleSetLanguage)
		r.Get("/logs", s.handleLogs)
	})

	return r
}

// Start runs the HTTP server until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, wsMessage{Type: "snapshot", Data: s.orchestrator.Snapshot()})
}

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.List())
}

func (s *Server) handleSelectCharacter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, err := s.catalog.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "character not found")
		return
	}

	// Conversation work outlives the request
	s.orchestrator.SelectCharacter(context.Background(), ch)
	writeJSON(w, http.StatusOK, s.orchestrator.Snapshot())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.Snapshot())
}

type submitRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.orchestrator.Submit(context.Background(), req.Text)
	switch {
	case errors.Is(err, conversation.ErrBusy):
		writeError(w, http.StatusConflict, "a response is already pending")
	case errors.Is(err, conversation.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message text is empty")
	case errors.Is(err, conversation.ErrNoCharacter):
		writeError(w, http.StatusConflict, "no character selected")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, s.orchestrator.Snapshot())
	}
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	err := s.orchestrator.StartCapture(context.Background())
	switch {
	case errors.Is(err, conversation.ErrBusy):
		writeError(w, http.StatusConflict, "a response is already pending")
	case errors.Is(err, conversation.ErrNoCharacter):
		writeError(w, http.StatusConflict, "no character selected")
	case err != nil:
		var ce *capture.Error
		if errors.As(err, &ce) {
			writeError(w, http.StatusUnprocessableEntity, string(ce.Code))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, s.orchestrator.Snapshot())
	}
}

func (s *Server) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.StopCapture()
	writeJSON(w, http.StatusOK, s.orchestrator.Snapshot())
}

func (s *Server) handleSpeechToggle(w http.ResponseWriter, r *http.Request) {
	enabled := s.orchestrator.ToggleSpeech()
	writeJSON(w, http.StatusOK, map[string]bool{"speechEnabled": enabled})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.Reset()
	writeJSON(w, http.StatusOK, s.orchestrator.Snapshot())
}

func (s *Server) handleGetLanguage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"language": s.cfg.Language})
}

type languageRequest struct {
	Language string `json:"language"`
}

func (s *Server) handleSetLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lang := language.ParseLang(req.Language)
	s.cfg.Language = string(lang)
	if err := config.Save(s.cfg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist language preference")
		writeError(w, http.StatusInternalServerError, "failed to persist preference")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"language": string(lang)})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.applog == nil {
		writeJSON(w, http.StatusOK, []logging.LogEntry{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.applog.GetHistory(limit))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
