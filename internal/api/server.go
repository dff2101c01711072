// Package api exposes the daemon's HTTP surface: session status, event
// history, force checks, and the dashboard WebSocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	ws "github.com/kestrelhq/kestrel/internal/gateway/websocket"
	"github.com/kestrelhq/kestrel/internal/history"
	"github.com/kestrelhq/kestrel/internal/session"
)

// Checker is the engine surface the API needs.
type Checker interface {
	Check(ctx context.Context, sessionID string) error
	States() map[string]session.Status
}

// Server is the HTTP API server.
type Server struct {
	engine  Checker
	manager session.Manager
	history *history.Store // nil when history is disabled
	hub     *ws.Hub
	logger  *logger.Logger
	srv     *http.Server
}

// NewServer wires the routes and returns an unstarted server.
func NewServer(cfg *config.Config, engine Checker, manager session.Manager, hist *history.Store, hub *ws.Hub, log *logger.Logger) *Server {
	s := &Server{
		engine:  engine,
		manager: manager,
		history: hist,
		hub:     hub,
		logger:  log.WithFields(zap.String("component", "api")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	v1 := router.Group("/v1")
	{
		v1.GET("/sessions", s.handleListSessions)
		v1.POST("/sessions/:id/check", s.handleCheckSession)
		v1.GET("/events", s.handleListEvents)
	}
	router.GET("/ws", func(c *gin.Context) {
		ws.ServeWS(s.hub, c.Writer, c.Request)
	})

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

type sessionView struct {
	*session.Session
	EngineStatus session.Status `json:"engine_status,omitempty"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.manager.List(c.Request.Context(), c.Query("project"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	states := s.engine.States()
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView{Session: sess, EngineStatus: states[sess.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) handleCheckSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Check(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "status": s.engine.States()[id]})
}

func (s *Server) handleListEvents(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event history is disabled"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	evts, err := s.history.List(c.Request.Context(), history.Filter{
		SessionID: c.Query("session"),
		ProjectID: c.Query("project"),
		Type:      c.Query("type"),
		Limit:     limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts})
}
