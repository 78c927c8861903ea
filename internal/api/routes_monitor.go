package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/partyline-project/partyline/internal/util"
)

// handleGetMediatorStatus returns the mediator lifecycle state and queue totals.
func (s *Server) handleGetMediatorStatus(c *gin.Context) {
	stats := s.med.Stats()
	c.JSON(http.StatusOK, gin.H{
		"initialized":      stats.Initialized,
		"local_user_id":    s.med.LocalUserID(),
		"sockets":          stats.Sockets,
		"total_queued":     stats.TotalQueued,
		"queue_limit":      stats.QueueLimit,
		"pending_requests": stats.PendingRequests,
		"uptime_sec":       int(time.Since(s.startedAt).Seconds()),
	})
}

// handleGetSockets returns status of all socket sessions.
func (s *Server) handleGetSockets(c *gin.Context) {
	sockets := s.peers.GetAllInfo()
	c.JSON(http.StatusOK, gin.H{
		"sockets":    sockets,
		"total":      len(sockets),
		"registered": s.peers.RegisteredCount(),
	})
}

// handleGetSocket returns detailed status for one socket session.
func (s *Server) handleGetSocket(c *gin.Context) {
	socketID := c.Param("socket_id")

	sess, ok := s.peers.GetSession(socketID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "socket not found", "socket_id": socketID})
		return
	}

	c.JSON(http.StatusOK, sess.GetInfo())
}

// handleGetPendingRequests returns connection requests awaiting a socket.
func (s *Server) handleGetPendingRequests(c *gin.Context) {
	pending := s.med.PendingRequests()

	requests := make([]gin.H, 0, len(pending))
	for _, req := range pending {
		requests = append(requests, gin.H{
			"request_id":     req.ID.String(),
			"socket_id":      req.SocketID,
			"local_user_id":  req.LocalUserID,
			"remote_user_id": req.RemoteUserID,
			"received_at":    req.ReceivedAt,
			"age_sec":        int(time.Since(req.ReceivedAt).Seconds()),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"requests": requests,
		"total":    len(requests),
	})
}

// handleGetJournalEvents returns recent journal entries, optionally
// filtered by event type.
func (s *Server) handleGetJournalEvents(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}

	countStr := c.DefaultQuery("count", "100")
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	entries, err := s.journal.RecentEvents(count, c.Query("event"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleGetJournalSummary returns journal entry counts per event type.
func (s *Server) handleGetJournalSummary(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}

	counts, err := s.journal.CountByEvent()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": counts})
}

// handleGetCPUUsage returns current system CPU usage.
func (s *Server) handleGetCPUUsage(c *gin.Context) {
	usage, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cpu_percent": usage,
	})
}

// handleGetMemoryUsage returns current system memory usage.
func (s *Server) handleGetMemoryUsage(c *gin.Context) {
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_mb":     mem.Total,
		"used_mb":      mem.Used,
		"available_mb": mem.Available,
		"used_percent": mem.UsedPercent,
	})
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	countStr := c.DefaultQuery("count", "100")
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	logDir := s.cfg.ApplicationData.Logging.Directory
	entries, err := readRecentLogEntries(logDir, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries reads and parses the most recent log entries from log files.
// Zerolog writes JSON lines; we parse them into structured objects for API consumers.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	if len(dirEntries) == 0 {
		return []logEntry{}, nil
	}

	// Find the most recent log file
	var latestFile string
	for i := len(dirEntries) - 1; i >= 0; i-- {
		if !dirEntries[i].IsDir() && filepath.Ext(dirEntries[i].Name()) == ".log" {
			latestFile = filepath.Join(logDir, dirEntries[i].Name())
			break
		}
	}

	if latestFile == "" {
		return []logEntry{}, nil
	}

	// Read file content
	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")

	// Take last N lines
	start := len(lines) - count
	if start < 0 {
		start = 0
	}

	// Known zerolog internal fields to exclude from "fields"
	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Parse the JSON line
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			// Not valid JSON, keep it as a plain message
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}

		// Parse timestamp (zerolog uses "time" field)
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		// Collect remaining fields
		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}

	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
