package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qqbridge-project/qqbridge/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus reports the game server, bot links and bridge settings.
func (s *Server) handleStatus(c *gin.Context) {
	bot := s.cfg.GetBot()
	resp := gin.H{
		"name":              bot.Name,
		"bot_uri":           bot.URI,
		"sync_all_messages": s.cfg.SyncAllMessages(),
		"links":             s.linkStates(),
		"uptime":            time.Since(s.startedAt).Round(time.Second).String(),
	}

	if s.game != nil {
		game := gin.H{
			"running": s.game.IsRunning(),
			"state":   s.game.State(),
		}
		if s.game.IsRunning() {
			game["pid"] = s.game.PID()
			game["uptime"] = s.game.Uptime().Round(time.Second).String()
		}
		resp["server"] = game
	}

	c.JSON(http.StatusOK, resp)
}

// handleHost reports machine information and current load.
func (s *Server) handleHost(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"usage":  util.GetHostUsage(s.cfg.GetServer().WorkDir),
	})
}

func (s *Server) handleGetStats(c *gin.Context) {
	if s.stats == nil {
		unavailable(c, "statistics")
		return
	}
	stats, err := s.stats.Snapshot()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read delivery stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": stats})
}

func (s *Server) handleResetStats(c *gin.Context) {
	if s.stats == nil {
		unavailable(c, "statistics")
		return
	}
	if err := s.stats.Reset(); err != nil {
		s.logger.Error().Err(err).Msg("failed to reset delivery stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Msg("delivery stats reset")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}
