package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/terminal-bench/studytrack/internal/errs"
	"github.com/terminal-bench/studytrack/internal/middleware"
	"github.com/terminal-bench/studytrack/internal/services/guard"
	"github.com/terminal-bench/studytrack/internal/services/tracking"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsMaxMessage = 4096
)

// trackMessage is one client frame on the tracking channel.
type trackMessage struct {
	Action       string `json:"action"` // start | heartbeat | end
	SubsectionID int64  `json:"subsection_id"`
}

// trackReply is one server frame. Exactly one of Status, Heartbeat or Error
// is set.
type trackReply struct {
	Action    string                    `json:"action"`
	Status    *tracking.Status          `json:"status,omitempty"`
	Heartbeat *tracking.HeartbeatResult `json:"heartbeat,omitempty"`
	Error     *errorBody                `json:"error,omitempty"`
}

// WSHandler serves the live heartbeat channel. It is a thin frame adapter
// over the same tracker calls the REST endpoints make: same crediting, same
// rejections.
type WSHandler struct {
	tracker  *tracking.Service
	guard    *guard.Guard
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(tracker *tracking.Service, g *guard.Guard, log *zap.Logger) *WSHandler {
	return &WSHandler{
		tracker: tracker,
		guard:   g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Track upgrades the connection and processes tracking frames until the
// client disconnects.
func (h *WSHandler) Track(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg trackMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		reply := h.handle(c, userID, msg)
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func (h *WSHandler) handle(c *gin.Context, userID int64, msg trackMessage) trackReply {
	ctx := c.Request.Context()
	reply := trackReply{Action: msg.Action}

	if msg.SubsectionID <= 0 {
		reply.Error = &errorBody{Code: errs.CodeNotFound, Message: "invalid subsection_id"}
		return reply
	}

	switch msg.Action {
	case "start":
		if err := h.guard.CheckSubsection(ctx, userID, msg.SubsectionID); err != nil {
			return wsError(reply, err)
		}
		status, err := h.tracker.StartSession(ctx, userID, msg.SubsectionID)
		if err != nil {
			return wsError(reply, err)
		}
		reply.Status = status
	case "heartbeat":
		if err := h.guard.CheckSubsection(ctx, userID, msg.SubsectionID); err != nil {
			return wsError(reply, err)
		}
		result, err := h.tracker.Heartbeat(ctx, userID, msg.SubsectionID)
		if err != nil {
			return wsError(reply, err)
		}
		reply.Heartbeat = result
	case "end":
		status, err := h.tracker.EndSession(ctx, userID, msg.SubsectionID)
		if err != nil {
			return wsError(reply, err)
		}
		reply.Status = status
	default:
		reply.Error = &errorBody{Code: errs.CodeInternal, Message: "unknown action"}
	}
	return reply
}

func wsError(reply trackReply, err error) trackReply {
	body := errorBody{Code: errs.CodeOf(err), Message: "internal error"}
	var domainErr *errs.Error
	if errors.As(err, &domainErr) && domainErr.Code != errs.CodeInternal {
		body.Message = domainErr.Message
		body.Details = domainErr.Details
	}
	reply.Error = &body
	return reply
}
