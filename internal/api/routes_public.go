package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/partyline-project/partyline/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "partyline",
		"version": "1.0.0",
	})
}

// handleGetVersion returns the Partyline version.
func (s *Server) handleGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": "1.0.0",
		"name":    "Partyline",
	})
}

// handleGetSystemInfo returns basic host information.
func (s *Server) handleGetSystemInfo(c *gin.Context) {
	sysInfo := util.GetSystemInfo()
	localIP, _ := util.GetLocalIP()

	c.JSON(http.StatusOK, gin.H{
		"platform":        sysInfo.Platform,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
		"local_ip":        localIP,
		"uptime_sec":      int(time.Since(s.startedAt).Seconds()),
	})
}
