package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/spherical/drawing-ingest/internal/ingest"
	"github.com/spherical/drawing-ingest/internal/notify"
	"github.com/spherical/drawing-ingest/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// SessionHandler handles session cleanup and the session event stream.
type SessionHandler struct {
	logger   *observability.Logger
	service  *ingest.Service
	events   notify.Subscriber
	upgrader websocket.Upgrader
}

// NewSessionHandler creates a new session handler. events may be nil, in which case the
// event stream is unavailable.
func NewSessionHandler(logger *observability.Logger, service *ingest.Service, events notify.Subscriber) *SessionHandler {
	return &SessionHandler{
		logger:  logger,
		service: service,
		events:  events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Cleanup handles DELETE /sessions/{sessionId}.
func (h *SessionHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.CleanupSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Events handles GET /sessions/{sessionId}/events by upgrading to a websocket and
// forwarding every event published for the session.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotImplemented, "event stream unavailable", "notify driver does not support subscriptions")
		return
	}
	sessionID := chi.URLParam(r, "sessionId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	events, unsubscribe, err := h.events.Subscribe(ctx, sessionID)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to subscribe to session events")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(writeWait))
		return
	}
	defer unsubscribe()

	go h.readPump(conn, cancel)

	logger := h.logger.With().Str("session_id", sessionID).Logger()
	logger.Debug().Msg("Event stream opened")

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Event stream closed by client")
			return
		case env, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				logger.Debug().Err(err).Msg("Event write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and cancels the stream when the client goes away.
func (h *SessionHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
