// Package api exposes a mesh node's status and control surface over HTTP:
// node identity, counters and neighbor introspection, energy ledger
// balances, and a
// POST endpoint to originate a message through the Node Coordinator.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zentalk/meshphone/pkg/meshcore"
)

// Server is the HTTP API server fronting a single Node Coordinator.
type Server struct {
	node       *meshcore.Node
	router     *gin.Engine
	port       int
	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:         8765,
		EnableCORS:   true,
		RateLimit:    120,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates an HTTP API server over node.
func NewServer(node *meshcore.Node, config *Config) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("api: node is required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	server := &Server{
		node:   node,
		router: router,
		port:   config.Port,
	}

	server.setupMiddleware(config)
	server.setupRoutes()

	return server, nil
}

func (s *Server) setupMiddleware(config *Config) {
	if config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	s.router.Use(RateLimitMiddleware(config.RateLimit))
	s.router.Use(LoggingMiddleware())
	s.router.Use(gin.Recovery())
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		node := v1.Group("/node")
		{
			node.GET("/info", s.handleNodeInfo)
			node.GET("/stats", s.handleNodeStats)
			node.GET("/neighbors", s.handleNeighbors)
		}

		energy := v1.Group("/energy")
		{
			energy.GET("/balance", s.handleEnergyBalance)
			energy.GET("/network", s.handleEnergyNetwork)
		}

		messages := v1.Group("/messages")
		{
			messages.POST("/send", s.handleSend)
		}
	}

	s.router.GET("/health", s.handleHealth)
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log := fmt.Sprintf("🌐 mesh api listening on port %d", s.port)
		fmt.Println(log)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("❌ api server error: %v\n", err)
		}
	}()

	<-ctx.Done()

	fmt.Println("🛑 shutting down mesh api...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop shuts the server down gracefully with a 5-second deadline, outside
// the Start/ctx lifecycle.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
