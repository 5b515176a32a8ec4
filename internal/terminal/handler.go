// Package terminal bridges WebSocket clients to session PTYs using a small
// JSON control protocol.
package terminal

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/auth"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/environment"
	"github.com/devharbor/devharbor/internal/ptybroker"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024

	defaultCols = 80
	defaultRows = 24
)

// Message is one frame of the terminal control protocol. data is base64 for
// input and output frames.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// Handler upgrades terminal WebSocket connections and wires them to the PTY
// broker.
type Handler struct {
	envs     *environment.Service
	broker   *ptybroker.Broker
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a terminal handler.
func NewHandler(envs *environment.Service, broker *ptybroker.Broker, log *logger.Logger) *Handler {
	return &Handler{
		envs:   envs,
		broker: broker,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bearer token in the query string is the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve handles GET /api/terminal/ws/:sessionId. The caller must own the
// session's environment; closing the socket detaches without killing the
// multiplexer session.
func (h *Handler) Serve(c *gin.Context) {
	userID := auth.GetUserID(c)
	ctx := c.Request.Context()

	session, err := h.envs.GetSession(ctx, userID, c.Param("sessionId"))
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), gin.H{"success": false, "error": apperrors.KindOf(err)})
		return
	}
	env, err := h.envs.GetEnvironment(ctx, userID, session.EnvironmentID)
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), gin.H{"success": false, "error": apperrors.KindOf(err)})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	attachment, err := h.broker.Open(ctx, env, session, defaultCols, defaultRows)
	if err != nil {
		h.log.WithSessionID(session.ID).Warn("PTY open failed", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, apperrors.KindOf(err)),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h.envs.MarkSessionActive(ctx, session)
	h.log.WithSessionID(session.ID).Info("Terminal attached")

	go h.writePump(conn, attachment, session.ID)
	h.readPump(conn, attachment, session.ID)
}

// readPump consumes client frames until the socket closes, then detaches.
func (h *Handler) readPump(conn *websocket.Conn, attachment *ptybroker.Attachment, sessionID string) {
	defer func() {
		attachment.Close()
		conn.Close()
		h.log.WithSessionID(sessionID).Info("Terminal detached")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.WithSessionID(sessionID).Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.WithSessionID(sessionID).Warn("Invalid terminal message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "input":
			data, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				h.log.WithSessionID(sessionID).Warn("Invalid input encoding", zap.Error(err))
				continue
			}
			if _, err := attachment.Write(data); err != nil {
				return
			}
		case "resize":
			attachment.Resize(msg.Cols, msg.Rows)
		default:
			h.log.WithSessionID(sessionID).Warn("Unknown terminal message type",
				zap.String("type", msg.Type))
		}
	}
}

// writePump forwards PTY output frames and pings until the attachment ends.
func (h *Handler) writePump(conn *websocket.Conn, attachment *ptybroker.Attachment, sessionID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	// Ask the client for its real size; the attach used a default geometry.
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Message{Type: "request-resize"}); err != nil {
		return
	}

	for {
		select {
		case frame, ok := <-attachment.Output():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msg := Message{Type: "output", Data: base64.StdEncoding.EncodeToString(frame)}
			if err := conn.WriteJSON(msg); err != nil {
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
