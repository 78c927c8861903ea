package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/config"
	"github.com/partyline-project/partyline/internal/events"
)

// handleGetConfig returns the full current configuration. The identity
// provider password is redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	medData := s.cfg.GetMediatorData()
	if medData.Password != "" {
		medData.Password = "********"
	}

	c.JSON(http.StatusOK, gin.H{
		"mediator_data":    medData,
		"application_data": s.cfg.GetApplicationData(),
	})
}

// handleSetMediatorData updates the mediator configuration.
func (s *Server) handleSetMediatorData(c *gin.Context) {
	var medData config.MediatorData
	if err := c.ShouldBindJSON(&medData); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Apply, validate, revert on failure
	previous := s.cfg.GetMediatorData()
	s.cfg.SetMediatorData(medData)
	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetMediatorData(previous)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation failed",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "mediator_data",
		},
	})

	username, _ := c.Get("token_name")
	log.Info().Interface("user", username).Msg("API: mediator data updated")

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"data":   s.cfg.GetMediatorData(),
	})
}

// handleSetAppData updates application configuration.
func (s *Server) handleSetAppData(c *gin.Context) {
	var appData config.ApplicationData
	if err := c.ShouldBindJSON(&appData); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetApplicationData()
	s.cfg.SetApplicationData(appData)
	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetApplicationData(previous)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation failed",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "application_data",
		},
	})

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
	})
}

// handleGetTokens returns all issued API tokens (never their secrets).
func (s *Server) handleGetTokens(c *gin.Context) {
	tokens, err := s.tokens.GetAllTokens()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens, "total": len(tokens)})
}

// handleCreateToken issues a new API token. The plaintext secret is
// returned exactly once; only its hash is stored.
func (s *Server) handleCreateToken(c *gin.Context) {
	var body struct {
		Name string `json:"name" binding:"required"`
		Role string `json:"role"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if body.Role == "" {
		body.Role = "user"
	}

	secret, err := s.tokens.CreateToken(body.Name, body.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	username, _ := c.Get("token_name")
	log.Info().Interface("user", username).Str("name", body.Name).Str("role", body.Role).
		Msg("API: token created")

	c.JSON(http.StatusCreated, gin.H{
		"status": "created",
		"name":   body.Name,
		"role":   body.Role,
		"token":  secret,
		"note":   "store this token now, it cannot be retrieved again",
	})
}

// handleDeleteToken revokes an API token.
func (s *Server) handleDeleteToken(c *gin.Context) {
	name := c.Param("name")

	if err := s.tokens.DeleteToken(name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.auth.FlushCache()

	username, _ := c.Get("token_name")
	log.Info().Interface("user", username).Str("name", name).Msg("API: token deleted")

	c.JSON(http.StatusOK, gin.H{
		"status": "deleted",
		"name":   name,
	})
}

// handleGetRoles returns all available roles.
func (s *Server) handleGetRoles(c *gin.Context) {
	roles, err := s.tokens.GetAllRoles()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roles": roles})
}

// handleAssignRole assigns a role to a token.
func (s *Server) handleAssignRole(c *gin.Context) {
	name := c.Param("name")

	var body struct {
		Role string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.tokens.AssignRole(name, body.Role); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.auth.FlushCache()

	c.JSON(http.StatusOK, gin.H{
		"status": "assigned",
		"name":   name,
		"role":   body.Role,
	})
}

// handleRemoveRole removes a role from a token.
func (s *Server) handleRemoveRole(c *gin.Context) {
	name := c.Param("name")
	role := c.Param("role")

	if err := s.tokens.RemoveRole(name, role); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.auth.FlushCache()

	c.JSON(http.StatusOK, gin.H{
		"status": "removed",
		"name":   name,
		"role":   role,
	})
}
