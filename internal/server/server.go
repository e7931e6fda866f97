// Package server wires the HTTP ingress: the gin router, the WebSocket
// upgrade endpoint that hands accepted connections to the transport layer,
// and the health/metrics surfaces, plus the process's graceful-shutdown
// sequence.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matthewcorven/synckit-sub003/internal/awareness"
	"github.com/matthewcorven/synckit-sub003/internal/config"
	"github.com/matthewcorven/synckit-sub003/internal/dispatcher"
	"github.com/matthewcorven/synckit-sub003/internal/docsync"
	"github.com/matthewcorven/synckit-sub003/internal/logger"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/registry"
	"github.com/matthewcorven/synckit-sub003/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server owns the HTTP listener and every long-lived component reachable
// from an accepted connection.
type Server struct {
	cfg        config.Config
	httpServer *http.Server

	registry *registry.Registry
	docs     *docsync.Manager
	presence *awareness.Store
	dispatch *dispatcher.Dispatcher

	sweepStop chan struct{}
}

// New assembles the router and the underlying net/http.Server. The caller
// still owns starting it via ListenAndServe and stopping it via Shutdown.
func New(cfg config.Config, reg *registry.Registry, docs *docsync.Manager, presence *awareness.Store, dispatch *dispatcher.Dispatcher) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	s := &Server{
		cfg:       cfg,
		registry:  reg,
		docs:      docs,
		presence:  presence,
		dispatch:  dispatch,
		sweepStop: make(chan struct{}),
	}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.registry.Count(),
		"documents":   s.docs.Len(),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.HTTP().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if s.cfg.MaxConnections > 0 && s.registry.Count() >= s.cfg.MaxConnections {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "at capacity"),
			time.Now().Add(5*time.Second))
		_ = conn.Close()
		return
	}

	connID := uuid.NewString()
	tcfg := transport.Config{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		HeartbeatTimeout:  s.cfg.HeartbeatTimeout,
		AuthTimeout:       s.cfg.AuthTimeout,
		SendQueueDepth:    s.cfg.SendQueueDepth,
		MaxFrameBytes:     s.cfg.MaxFrameBytes,
	}
	tconn := transport.New(connID, conn, tcfg, s.dispatch)
	go tconn.Start()
}

// RunAwarenessSweep runs the awareness expiry sweep until ctx is
// cancelled. Intended to be started as its own goroutine.
func (s *Server) RunAwarenessSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.presence.Expire(now)
		case <-ctx.Done():
			return
		case <-s.sweepStop:
			return
		}
	}
}

// ListenAndServe starts the HTTP server. Blocks until it stops.
func (s *Server) ListenAndServe() error {
	logger.HTTP().Info().Str("addr", s.httpServer.Addr).Msg("sync server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections, drains resident document
// coordinators, and returns once both complete or ctx is exceeded.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.sweepStop)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.HTTP().Warn().Err(err).Msg("http server forced to shutdown")
	}

	grace := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}
	s.docs.Shutdown(grace)
	metrics.CoordinatorsLoaded.Set(0)
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.HTTP().Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
