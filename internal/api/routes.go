package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/gamestore-project/gamestored/internal/room"
	"github.com/gamestore-project/gamestored/internal/store"
	"github.com/gamestore-project/gamestored/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "gamestored",
		"version": "1.0.0",
	})
}

// handleStatus returns a daemon overview including host resource usage.
func (s *Server) handleStatus(c *gin.Context) {
	sysInfo := util.GetSystemInfo()

	games, err := s.catalog.ListAllGames()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"platform":        sysInfo.OS,
		"hostname":        sysInfo.Hostname,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
		"games":           len(games),
		"active_rooms":    s.rooms.Count(),
	}

	if cpuPct, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpuPct
	}
	if memUsage, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = memUsage
	}
	if diskUsage, err := util.GetDiskUsage(s.cfg.GetStorage().ArtifactsDir); err == nil {
		resp["disk"] = diskUsage
	}

	c.JSON(http.StatusOK, resp)
}

// handleListGames returns the whole catalog.
func (s *Server) handleListGames(c *gin.Context) {
	games, err := s.catalog.ListAllGames()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"games": games})
}

// handleGetGame returns one game with its aggregate rating.
func (s *Server) handleGetGame(c *gin.Context) {
	name := c.Param("name")

	game, err := s.catalog.GetGame(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "game not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	rating, err := s.catalog.GameRating(name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"game":         game,
		"rating":       rating.Average,
		"review_count": rating.Count,
	})
}

// handleListRooms returns every registered room.
func (s *Server) handleListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": s.rooms.ListRooms()})
}

// handleCloseRoom stops a room's server process and removes it from the
// registry.
func (s *Server) handleCloseRoom(c *gin.Context) {
	roomID := c.Param("id")

	if err := s.rooms.CloseRoom(c.Request.Context(), roomID); err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("room_id", roomID).Msg("room closed via api")
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "closed": true})
}
