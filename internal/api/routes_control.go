package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/mediator"
)

// handleOpenSocket creates and registers a new socket session.
func (s *Server) handleOpenSocket(c *gin.Context) {
	socketID := c.Param("socket_id")

	if _, ok := s.peers.GetSession(socketID); ok {
		c.JSON(http.StatusConflict, gin.H{"error": "socket already open", "socket_id": socketID})
		return
	}

	if err := s.peers.Open(socketID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	username, _ := c.Get("token_name")
	log.Info().Interface("user", username).Str("socket", socketID).Msg("API: socket opened")

	c.JSON(http.StatusOK, gin.H{
		"status":    "opened",
		"socket_id": socketID,
	})
}

// handleCloseSocket unregisters and removes a socket session.
func (s *Server) handleCloseSocket(c *gin.Context) {
	socketID := c.Param("socket_id")

	if _, ok := s.peers.GetSession(socketID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "socket not found", "socket_id": socketID})
		return
	}

	if err := s.peers.Close(socketID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	username, _ := c.Get("token_name")
	log.Info().Interface("user", username).Str("socket", socketID).Msg("API: socket closed")

	c.JSON(http.StatusOK, gin.H{
		"status":    "closed",
		"socket_id": socketID,
	})
}

// handleClearQueue drops all queued packets for a socket.
func (s *Server) handleClearQueue(c *gin.Context) {
	socketID := c.Param("socket_id")

	if err := s.med.ClearPacketQueue(socketID); err != nil {
		if errors.Is(err, mediator.ErrSocketNotRegistered) {
			c.JSON(http.StatusNotFound, gin.H{"error": "socket not registered", "socket_id": socketID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	username, _ := c.Get("token_name")
	log.Info().Interface("user", username).Str("socket", socketID).Msg("API: packet queue cleared")

	c.JSON(http.StatusOK, gin.H{
		"status":    "cleared",
		"socket_id": socketID,
	})
}

// handleClearRemote drops queued packets from one remote user on a socket.
func (s *Server) handleClearRemote(c *gin.Context) {
	socketID := c.Param("socket_id")

	var body struct {
		RemoteUserID string `json:"remote_user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "remote_user_id is required"})
		return
	}

	if err := s.med.ClearPacketsFromRemoteUser(socketID, body.RemoteUserID); err != nil {
		if errors.Is(err, mediator.ErrSocketNotRegistered) {
			c.JSON(http.StatusNotFound, gin.H{"error": "socket not registered", "socket_id": socketID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "cleared",
		"socket_id":      socketID,
		"remote_user_id": body.RemoteUserID,
	})
}

// handleSetQueueLimit changes the per-socket queue size limit at runtime.
// The configured limit is unchanged; use set_mediator_data to persist.
func (s *Server) handleSetQueueLimit(c *gin.Context) {
	var body struct {
		Limit int `json:"limit" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	s.med.SetQueueSizeLimit(body.Limit)

	username, _ := c.Get("token_name")
	log.Info().Interface("user", username).Int("limit", body.Limit).Msg("API: queue limit changed")

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"limit":  body.Limit,
	})
}

// handleExpireRequests removes pending connection requests older than the
// given age.
func (s *Server) handleExpireRequests(c *gin.Context) {
	var body struct {
		MaxAgeSec int `json:"max_age_sec" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_age_sec must be a positive integer"})
		return
	}

	removed := s.med.ExpirePendingRequests(time.Duration(body.MaxAgeSec) * time.Second)

	username, _ := c.Get("token_name")
	log.Info().Interface("user", username).Int("removed", removed).Msg("API: pending requests expired")

	c.JSON(http.StatusOK, gin.H{
		"status":  "expired",
		"removed": removed,
	})
}
