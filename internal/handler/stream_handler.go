package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-agent/internal/engine"
	"github.com/stemsi/exstem-agent/internal/middleware"
	ws "github.com/stemsi/exstem-agent/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allow-list permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// StreamHandler pushes engine events to the exam UI over a WebSocket,
// so the UI can observe status, countdown and save indicators without
// polling.
type StreamHandler struct {
	eng      *engine.Engine
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(eng *engine.Engine, log zerolog.Logger, allowedOrigins []string) *StreamHandler {
	return &StreamHandler{
		eng:      eng,
		log:      log.With().Str("component", "stream_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/session/stream
// Upgrades to WebSocket and streams engine events until the client
// disconnects or the session reaches a terminal state.
func (h *StreamHandler) SessionStream(c *gin.Context) {
	ticket := middleware.GetTicket(c)
	if ticket == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	state := h.eng.State()
	if state == nil || state.Session.ExamID.String() != ticket.ExamID || state.Session.StudentNIS != ticket.StudentNIS {
		ws.WriteError(conn, "no active session for this ticket")
		return
	}

	events, cancel := h.eng.Subscribe()
	defer cancel()

	// Initial snapshot so the UI renders without a second round-trip.
	if err := ws.WriteTyped(conn, ws.StateEvent{Event: ws.EventState, State: state}); err != nil {
		return
	}

	// The reader goroutine detects disconnects and forwards pings; all
	// writes stay on this goroutine because gorilla connections allow
	// one writer.
	closed := make(chan struct{})
	pings := make(chan struct{}, 1)
	go func() {
		defer close(closed)
		for {
			var env ws.RequestEnvelope
			if err := ws.ReadJSON(conn, &env); err != nil {
				return
			}
			if env.Action == ws.ActionPing {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-pings:
			if err := ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong}); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeEvent(conn, ev); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) writeEvent(conn *websocket.Conn, ev engine.Event) error {
	switch ev.Kind {
	case engine.EventTick:
		return ws.WriteTyped(conn, ws.TickEvent{
			Event:            ws.EventTick,
			RemainingSeconds: ev.RemainingSeconds,
			Status:           string(ev.Status),
		})
	case engine.EventSaved:
		return ws.WriteTyped(conn, ws.SavedEvent{
			Event:      ws.EventSaved,
			QuestionID: ev.QuestionID.String(),
		})
	case engine.EventStatus:
		return ws.WriteTyped(conn, ws.StatusEvent{
			Event:  ws.EventStatus,
			Status: string(ev.Status),
		})
	default:
		return nil
	}
}
