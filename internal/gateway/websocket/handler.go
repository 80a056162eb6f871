// Package websocket exposes the JSON-RPC execution protocol over a
// /ws/mcp websocket endpoint.
package websocket

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cc-executor/cc-executor/internal/common/config"
	apperrors "github.com/cc-executor/cc-executor/internal/common/errors"
	"github.com/cc-executor/cc-executor/internal/common/logger"
	"github.com/cc-executor/cc-executor/internal/session"
	v1 "github.com/cc-executor/cc-executor/pkg/api/v1"
)

// Handler upgrades connections and binds each to a session.
type Handler struct {
	cfg      *config.Config
	registry *session.Registry
	upgrader websocket.Upgrader
	version  string
	log      *logger.Logger
}

// NewHandler creates the websocket handler.
func NewHandler(cfg *config.Config, registry *session.Registry, version string, log *logger.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The service fronts trusted automation, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		version: version,
		log:     log.WithFields(zap.String("component", "ws-gateway")),
	}
}

// Handle is the gin handler for GET /ws/mcp. On admission the client receives
// a connected notification with the session id and effective limits; when the
// session cap is reached the socket is closed with a try-again-later close
// code before any session state exists.
func (h *Handler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed",
			zap.String("remote", c.Request.RemoteAddr),
			zap.Error(err))
		return
	}

	client := newClient(conn, h.cfg, h.registry, h.log)
	sess, appErr := h.registry.Open(client)
	if appErr != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, rejectionBody(appErr)))
		_ = conn.Close()
		return
	}
	client.session = sess
	client.log = h.log.WithSessionID(sess.ID)

	client.Notify(v1.NotificationConnected, &v1.ConnectedParams{
		SessionID:     sess.ID,
		ServerVersion: h.version,
		Limits: v1.Limits{
			MaxMessageBytes: h.cfg.Server.MaxMessageBytes,
			MaxTotalBytes:   h.cfg.Execution.MaxTotalBytes,
			MaxLineBytes:    h.cfg.Execution.MaxLineBytes,
			TotalTimeoutS:   h.cfg.Execution.DefaultTotalTimeoutS,
			StallTimeoutS:   h.cfg.Execution.DefaultStallTimeoutS,
		},
	})

	client.serve()
}

// rejectionBody serializes a rejection as a JSON close reason. Close payloads
// are limited to 123 bytes of reason, so the message is trimmed to fit.
func rejectionBody(appErr *apperrors.AppError) string {
	const maxReasonBytes = 123

	marshal := func(msg string) []byte {
		body, err := json.Marshal(struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}{appErr.Code, msg})
		if err != nil {
			return []byte(`{"code":"` + appErr.Code + `"}`)
		}
		return body
	}

	body := marshal(appErr.Message)
	if len(body) > maxReasonBytes {
		over := len(body) - maxReasonBytes
		msg := ""
		if over < len(appErr.Message) {
			msg = appErr.Message[:len(appErr.Message)-over]
		}
		body = marshal(msg)
	}
	return string(body)
}
