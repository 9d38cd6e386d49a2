package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/qqbridge-project/qqbridge/internal/server"
)

// SourceName is the default command source name for API requests.
const SourceName = "API"

type messageRequest struct {
	Message string `json:"message"`
	Source  string `json:"source"`
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

// replySource collects the replies a relay command produces.
type replySource struct {
	name    string
	mu      sync.Mutex
	replies []string
}

func (r *replySource) Name() string   { return r.name }
func (r *replySource) IsPlayer() bool { return false }

func (r *replySource) Reply(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, message)
}

func (r *replySource) Replies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.replies...)
}

// handleMessage sends a message to the group exactly as !!qq would.
func (s *Server) handleMessage(c *gin.Context) {
	if s.relay == nil {
		unavailable(c, "relay")
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	src := &replySource{name: strings.TrimSpace(req.Source)}
	if src.name == "" {
		src.name = SourceName
	}

	sent := s.relay.HandleRelayCommand(c.Request.Context(), src, strings.TrimSpace(req.Message))
	status := http.StatusOK
	if !sent {
		status = http.StatusBadGateway
		if strings.TrimSpace(req.Message) == "" || s.cfg.SyncAllMessages() {
			status = http.StatusUnprocessableEntity
		}
	}
	s.logger.Info().Str("source", src.name).Bool("sent", sent).Msg("API relay message")
	c.JSON(status, gin.H{"sent": sent, "replies": src.Replies()})
}

// handleCommand writes a line to the game server console.
func (s *Server) handleCommand(c *gin.Context) {
	if s.game == nil {
		unavailable(c, "game server")
		return
	}
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}
	if err := s.game.Execute(strings.TrimSpace(req.Command)); err != nil {
		s.writeServerError(c, err)
		return
	}
	s.logger.Info().Str("command", req.Command).Msg("API console command")
	c.JSON(http.StatusOK, gin.H{"status": "executed"})
}

func (s *Server) handleStartServer(c *gin.Context) {
	if s.game == nil {
		unavailable(c, "game server")
		return
	}
	if s.game.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": "server already running"})
		return
	}
	// the game server must outlive the request
	if err := s.game.Start(context.Background()); err != nil {
		s.writeServerError(c, err)
		return
	}
	s.logger.Info().Int("pid", s.game.PID()).Msg("API: server started")
	c.JSON(http.StatusOK, gin.H{"status": "started", "pid": s.game.PID()})
}

func (s *Server) handleStopServer(c *gin.Context) {
	if s.game == nil {
		unavailable(c, "game server")
		return
	}
	if !s.game.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": "server not running"})
		return
	}
	if err := s.game.Stop(); err != nil {
		s.writeServerError(c, err)
		return
	}
	s.logger.Info().Msg("API: server stopped")
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) writeServerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, server.ErrNotRunning), errors.Is(err, server.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Msg("game server request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
