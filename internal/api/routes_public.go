package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lighthouse-project/lighthouse/internal/registry"
	"github.com/lighthouse-project/lighthouse/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "lighthouse",
		"version": "1.0.0",
	})
}

// handleInfo returns master identity and a summary of the registry.
func (s *Server) handleInfo(c *gin.Context) {
	md := s.cfg.GetMasterData()
	sysInfo := util.GetSystemInfo()
	stats := s.registry.Stats()

	c.JSON(http.StatusOK, gin.H{
		"master_name":     md.Name,
		"master_region":   md.Region,
		"listen_port":     md.Port,
		"ipv4_enabled":    md.EnableIPv4,
		"ipv6_enabled":    md.EnableIPv6,
		"default_game":    md.DefaultGame,
		"policy_mode":     md.GamePolicy.Mode,
		"policy_games":    md.GamePolicy.Games,
		"uptime_sec":      int64(time.Since(s.started).Seconds()),
		"active_servers":  stats.Active,
		"capacity":        stats.Capacity,
		"platform":        sysInfo.Platform,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	})
}

// handleServers returns every live record, optionally filtered by game.
func (s *Server) handleServers(c *gin.Context) {
	servers := s.registry.Snapshot()

	if game := c.Query("game"); game != "" {
		filtered := make([]registry.ServerInfo, 0, len(servers))
		for _, sv := range servers {
			if sv.Game == game {
				filtered = append(filtered, sv)
			}
		}
		servers = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(servers),
		"servers": servers,
	})
}

// handleStats returns current occupancy and wire counters.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"registry": s.registry.Stats(),
		"wire":     s.mst.CounterValues(),
	})
}

// handleStatsHistory returns archived samples, newest first.
func (s *Server) handleStatsHistory(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats archive is disabled"})
		return
	}

	limit := 60
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	if limit > 1440 {
		limit = 1440
	}

	samples, err := s.archive.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read stats archive"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(samples),
		"samples": samples,
	})
}

// handleUsage returns current host resource usage.
func (s *Server) handleUsage(c *gin.Context) {
	resp := gin.H{}

	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}
	if disk, err := util.GetDiskUsage("."); err == nil {
		resp["disk"] = disk
	}

	c.JSON(http.StatusOK, resp)
}
