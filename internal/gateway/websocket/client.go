package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cc-executor/cc-executor/internal/common/config"
	apperrors "github.com/cc-executor/cc-executor/internal/common/errors"
	"github.com/cc-executor/cc-executor/internal/common/logger"
	"github.com/cc-executor/cc-executor/internal/session"
	"github.com/cc-executor/cc-executor/pkg/jsonrpc"
	v1 "github.com/cc-executor/cc-executor/pkg/api/v1"
)

// sendQueueDepth bounds outbound frames awaiting the write pump. A full queue
// blocks the producer; for output chunks that back-pressure reaches the
// child's pipe.
const sendQueueDepth = 256

// Client is one websocket connection with its session. All writes to the
// socket go through the write pump so frames never interleave.
type Client struct {
	conn     *websocket.Conn
	cfg      *config.Config
	registry *session.Registry
	log      *logger.Logger

	session *session.Session

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	mu          sync.Mutex
	closeReason string
}

func newClient(conn *websocket.Conn, cfg *config.Config, registry *session.Registry, log *logger.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:     conn,
		cfg:      cfg,
		registry: registry,
		log:      log,
		send:     make(chan []byte, sendQueueDepth),
		closed:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Notify sends a JSON-RPC notification to the client. It blocks when the send
// queue is full and becomes a no-op once the socket is gone.
func (c *Client) Notify(method string, params interface{}) {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		c.log.Error("notification marshal failed",
			zap.String("method", method),
			zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("notification marshal failed",
			zap.String("method", method),
			zap.Error(err))
		return
	}
	c.enqueue(data)
}

// Shutdown sends a close notification and tears the socket down. Session
// teardown then follows the normal socket-close path in serve.
func (c *Client) Shutdown(reason string) {
	c.mu.Lock()
	if c.closeReason == "" {
		c.closeReason = reason
	}
	c.mu.Unlock()

	c.Notify(v1.NotificationClose, &v1.CloseParams{Reason: reason})
	// Give the write pump a moment to flush before the close frame.
	time.Sleep(50 * time.Millisecond)
	c.close()
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
	})
}

func (c *Client) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeReason == "" {
		return "socket_closed"
	}
	return c.closeReason
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.closed:
	}
}

// respond sends a JSON-RPC response.
func (c *Client) respond(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Error("response marshal failed", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) respondError(id string, appErr *apperrors.AppError) {
	c.respond(jsonrpc.NewErrorResponse(id, appErr.RPCCode(), appErr.Message))
}

// serve runs the write pump in the background and the read pump in the
// calling goroutine. It returns once the socket is closed and the session has
// been torn down.
func (c *Client) serve() {
	go c.writePump()
	c.readPump()

	c.close()
	c.registry.Remove(c.session.ID, c.reason())
}

// readPump consumes client frames and dispatches JSON-RPC requests
// sequentially. Dispatch order on a session is therefore the arrival order.
func (c *Client) readPump() {
	defer func() { _ = c.conn.Close() }()

	c.conn.SetReadLimit(c.cfg.Server.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.Server.PongTimeout()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.Server.PongTimeout()))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		// The protocol is JSON-RPC over text frames only; anything else is
		// out-of-protocol and ends the connection.
		if msgType != websocket.TextMessage {
			c.log.Warn("closing on non-text frame", zap.Int("frame_type", msgType))
			c.mu.Lock()
			if c.closeReason == "" {
				c.closeReason = "unsupported_frame"
			}
			c.mu.Unlock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "text frames only"),
				time.Now().Add(c.cfg.Server.WriteTimeout()))
			return
		}
		c.dispatch(data)
	}
}

// writePump owns all socket writes: queued frames, keepalive pings, and the
// final close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.Server.PingInterval())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Server.WriteTimeout()))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Server.WriteTimeout()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			// Flush whatever is already queued, then say goodbye.
			for {
				select {
				case data := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Server.WriteTimeout()))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Server.WriteTimeout()))
					_ = c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason()))
					return
				}
			}
		}
	}
}

// dispatch routes one inbound frame.
func (c *Client) dispatch(data []byte) {
	var req jsonrpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.respond(jsonrpc.NewErrorResponse("", jsonrpc.CodeParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		c.respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidRequest, "not a JSON-RPC 2.0 request"))
		return
	}
	if req.IsNotification() {
		c.log.Debug("ignoring client notification", zap.String("method", req.Method))
		return
	}

	switch req.Method {
	case v1.MethodExecute:
		c.handleExecute(&req)
	case v1.MethodControl:
		c.handleControl(&req)
	case v1.MethodPing:
		c.respondResult(req.ID, c.session.Ping())
	default:
		c.respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, "unknown method "+req.Method))
	}
}

func (c *Client) handleExecute(req *jsonrpc.Request) {
	var params v1.ExecuteParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "bad execute params: "+err.Error()))
		return
	}
	result, appErr := c.session.Execute(c.ctx, &params)
	if appErr != nil {
		c.respondError(req.ID, appErr)
		return
	}
	c.respondResult(req.ID, result)
}

func (c *Client) handleControl(req *jsonrpc.Request) {
	var params v1.ControlParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "bad control params: "+err.Error()))
		return
	}
	result, appErr := c.session.Control(&params)
	if appErr != nil {
		c.respondError(req.ID, appErr)
		return
	}
	c.respondResult(req.ID, result)
}

func (c *Client) respondResult(id string, result interface{}) {
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		c.respond(jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "result marshal failed"))
		return
	}
	c.respond(resp)
}
