// Package api implements the local REST API used to inspect and steer the
// bridge: server status, delivery statistics, relay messages and console
// commands.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/qqbridge-project/qqbridge/internal/config"
	"github.com/qqbridge-project/qqbridge/internal/db"
	"github.com/qqbridge-project/qqbridge/internal/plugin"
	"github.com/qqbridge-project/qqbridge/internal/server"
	"github.com/qqbridge-project/qqbridge/internal/util"
)

// GameServer is the managed game server. *server.ProcessManager
// satisfies it.
type GameServer interface {
	State() server.GameStateSnapshot
	IsRunning() bool
	PID() int
	Uptime() time.Duration
	Start(ctx context.Context) error
	Stop() error
	Execute(command string) error
}

// Link reports whether one side of the bot connection is up.
// *connector.Sender and *connector.Listener satisfy it.
type Link interface {
	Connected() bool
}

// Relay runs the !!qq command on behalf of a source. *plugin.Plugin
// satisfies it.
type Relay interface {
	HandleRelayCommand(ctx context.Context, src plugin.CommandSource, message string) bool
}

// StatsSource exposes delivery counters. *db.StatsStore satisfies it.
type StatsSource interface {
	Snapshot() ([]db.DeliveryStats, error)
	Reset() error
}

// Server is the REST API server.
type Server struct {
	cfg   *config.Config
	game  GameServer
	relay Relay
	stats StatsSource

	linkMu sync.RWMutex
	links  map[string]Link

	startedAt time.Time
	logger    zerolog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates an API server. game, relay and stats may be nil; the
// routes that need them then answer 503.
func NewServer(cfg *config.Config, game GameServer, relay Relay, stats StatsSource) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:       cfg,
		game:      game,
		relay:     relay,
		stats:     stats,
		links:     make(map[string]Link),
		startedAt: time.Now(),
		logger:    util.ComponentLogger("api"),
	}
}

// AddLink registers a connection whose state is reported under name.
func (s *Server) AddLink(name string, l Link) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	s.links[name] = l
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	apiCfg := s.cfg.GetApplicationData().API
	return net.JoinHostPort(apiCfg.Host, strconv.Itoa(apiCfg.Port))
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := s.Addr()
	lc := listenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("REST API server starting")

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	apiCfg := s.cfg.GetApplicationData().API

	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	origins := apiCfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/status", s.handleStatus)
		api.GET("/host", s.handleHost)
		api.GET("/stats", s.handleGetStats)
		api.DELETE("/stats", s.handleResetStats)
		api.POST("/message", s.handleMessage)
		api.POST("/command", s.handleCommand)
		api.POST("/server/start", s.handleStartServer)
		api.POST("/server/stop", s.handleStopServer)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "qqbridge API is running"})
	})

	return router
}

func (s *Server) linkStates() map[string]bool {
	s.linkMu.RLock()
	defer s.linkMu.RUnlock()
	states := make(map[string]bool, len(s.links))
	for name, l := range s.links {
		states[name] = l.Connected()
	}
	return states
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not available"})
}
