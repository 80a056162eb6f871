package websocket

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cc-executor/cc-executor/internal/common/config"
	"github.com/cc-executor/cc-executor/internal/common/logger"
	"github.com/cc-executor/cc-executor/internal/session"
)

// Server hosts the websocket endpoint and the health probe.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	version  string
	log      *logger.Logger

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the gin router with the /ws/mcp and /health routes.
func NewServer(cfg *config.Config, registry *session.Registry, version string, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		version:   version,
		log:       log,
		startedAt: time.Now(),
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log))

	handler := NewHandler(cfg, registry, version, log)
	router.GET("/ws/mcp", handler.Handle)
	router.GET("/health", s.healthCheck)

	s.httpServer = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router,
	}
	return s
}

// healthCheck reports liveness, the session count and uptime.
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"version":  s.version,
		"sessions": s.registry.Count(),
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

// Listen binds the configured address. A bind failure is returned so the
// caller can exit with a distinct code.
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.cfg.Server.ListenAddr)
}

// Serve accepts connections until Shutdown. Returns http.ErrServerClosed on
// clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// Shutdown stops accepting new connections and waits for in-flight HTTP
// exchanges. Open websockets are torn down separately via the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
