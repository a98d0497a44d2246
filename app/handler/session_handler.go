package handler

import (
	"context"
	"net/http"
	"time"

	"clawbernetes/app/middleware"
	"clawbernetes/internal/admission"
	"clawbernetes/internal/session"
	"clawbernetes/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// SessionHandler upgrades node connections and runs their sessions.
type SessionHandler struct {
	ctx       context.Context
	admission *admission.Admission
	handler   session.Handler
	opts      session.Options
	upgrader  websocket.Upgrader
}

// NewSessionHandler creates a session handler. Sessions live until ctx ends
// or their connection closes; adm may be nil.
func NewSessionHandler(ctx context.Context, adm *admission.Admission, h session.Handler, opts session.Options) *SessionHandler {
	return &SessionHandler{
		ctx:       ctx,
		admission: adm,
		handler:   h,
		opts:      opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   64 << 10,
			WriteBufferSize:  64 << 10,
			// nodes are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve GET / with a websocket upgrade.
func (h *SessionHandler) Serve(c *gin.Context) {
	ip := c.ClientIP()

	var guard session.Guard
	if h.admission != nil {
		g, v := h.admission.AdmitConnection(c.Request.Context(), ip)
		if !v.Allowed() {
			logger.WarnCtx(c.Request.Context(), "connection from %s refused: %s", ip, v)
			middleware.AbortVerdict(c, v)
			return
		}
		guard = g
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		logger.WarnCtx(c.Request.Context(), "websocket upgrade from %s failed: %v", ip, err)
		if guard != nil {
			guard.Release()
		}
		return
	}

	session.New(session.NewWSConn(ws, ip), h.handler, guard, h.opts).Run(h.ctx)
}
