/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/nmstereo/internal/audit"
	"github.com/friendsincode/nmstereo/internal/broker"
	"github.com/friendsincode/nmstereo/internal/eventbus"
	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/friendsincode/nmstereo/internal/logbuffer"
	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/notify"
	"github.com/friendsincode/nmstereo/internal/playlist"
	"github.com/friendsincode/nmstereo/internal/telemetry"
)

const wsPingInterval = 15 * time.Second

// PlaylistReader is the read side of the playlist store.
type PlaylistReader interface {
	FindByAnyStatus(ctx context.Context, statuses ...models.Status) ([]models.PlaylistItem, error)
	FindOneByAnyStatus(ctx context.Context, statuses ...models.Status) (*models.PlaylistItem, error)
	Ping(ctx context.Context) error
}

// HistoryReader serves the recorded playlist history.
type HistoryReader interface {
	Query(ctx context.Context, filters audit.QueryFilters) ([]models.HistoryEntry, error)
}

// BrokerStatus reports the state of the broker session held by this node.
// ok is false when the node holds no session, e.g. while standing by.
type BrokerStatus interface {
	BrokerState() (state broker.State, ok bool)
}

// SessionTracker follows the session of the current broadcaster run.
type SessionTracker struct {
	current atomic.Pointer[broker.Session]
}

// Set records the active session; nil clears it.
func (t *SessionTracker) Set(session *broker.Session) {
	t.current.Store(session)
}

func (t *SessionTracker) BrokerState() (broker.State, bool) {
	session := t.current.Load()
	if session == nil {
		return broker.StateDisconnected, false
	}
	return session.State(), true
}

// Server is the ops HTTP surface of the broadcaster.
type Server struct {
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server

	store  PlaylistReader
	broker BrokerStatus
	bus    eventbus.Bus
	logs    *logbuffer.Buffer
	history HistoryReader
}

// New builds the router. broker and bus may be nil.
func New(addr string, store PlaylistReader, brokerStatus BrokerStatus, bus eventbus.Bus, logger zerolog.Logger) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("nmstereo-ops"))
	router.Use(telemetry.MetricsMiddleware)
	// Websocket upgrades are long-lived.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(30 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		logger: logger.With().Str("component", "http").Logger(),
		router: router,
		store:  store,
		broker: brokerStatus,
		bus:    bus,
	}
	srv.configureRoutes()

	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetLogBuffer exposes recent log lines on /api/v1/logs.
func (s *Server) SetLogBuffer(buf *logbuffer.Buffer) {
	s.logs = buf
}

// SetHistory exposes the playlist history on /api/v1/history.
func (s *Server) SetHistory(history HistoryReader) {
	s.history = history
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe blocks until the server stops. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("ops http listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", telemetry.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/playlist", s.handlePlaylist)
		r.Get("/now-playing", s.handleNowPlaying)
		r.Get("/logs", s.handleLogs)
		r.Get("/history", s.handleHistory)
	})
	s.router.Get("/ws/now-playing", s.handleNowPlayingWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok", "database": "ok", "broker": "standby"}

	if err := s.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = err.Error()
	}
	if s.broker != nil {
		if state, ok := s.broker.BrokerState(); ok {
			body["broker"] = state.String()
			if !state.Ready() {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
	}

	writeJSON(w, status, body)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.store.FindByAnyStatus(r.Context(), statuses...)
	if err != nil {
		s.logger.Error().Err(err).Msg("list playlist failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if items == nil {
		items = []models.PlaylistItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.FindOneByAnyStatus(r.Context(), models.StatusPlaying)
	if errors.Is(err, playlist.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("load now playing failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, "log_buffer_disabled")
		return
	}

	query := r.URL.Query()
	q := logbuffer.Query{
		Level:     query.Get("level"),
		Component: query.Get("component"),
		ItemID:    query.Get("item_id"),
		Search:    query.Get("q"),
		Limit:     200,
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		q.Limit = limit
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		q.Since = since
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.logs.Find(q),
		"stats":   s.logs.Stats(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history_disabled")
		return
	}

	query := r.URL.Query()
	filters := audit.QueryFilters{
		ItemID: query.Get("item_id"),
		Event:  query.Get("event"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		filters.Limit = limit
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		filters.Since = since
	}

	entries, err := s.history.Query(r.Context(), filters)
	if err != nil {
		s.logger.Error().Err(err).Msg("query history failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleNowPlayingWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event_bus_unavailable")
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.NowPlayingListeners.Inc()
	defer telemetry.NowPlayingListeners.Dec()

	sub := s.bus.Subscribe(events.EventNowPlaying)
	defer s.bus.Unsubscribe(events.EventNowPlaying, sub)

	// Listeners only receive; CloseRead ends ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())

	if item, err := s.store.FindOneByAnyStatus(ctx, models.StatusPlaying); err == nil {
		if err := writeEvent(ctx, conn, events.EventNowPlaying, notify.NowPlayingPayload(*item)); err != nil {
			s.logger.Debug().Err(err).Msg("websocket initial write failed")
			return
		}
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				s.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		case payload, ok := <-sub:
			if !ok {
				conn.Close(ws.StatusGoingAway, "event bus closed")
				return
			}
			if err := writeEvent(ctx, conn, events.EventNowPlaying, payload); err != nil {
				s.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

// parseStatuses reads a comma separated status filter. Empty means every
// status that is not played yet.
func parseStatuses(raw string) ([]models.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return []models.Status{models.StatusNew, models.StatusQueued, models.StatusSent, models.StatusPlaying}, nil
	}
	var statuses []models.Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		status, err := models.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func writeEvent(ctx context.Context, conn *ws.Conn, eventType events.EventType, payload events.Payload) error {
	data, err := json.Marshal(map[string]any{
		"type":    eventType,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
