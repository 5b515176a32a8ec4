// Package api is the HTTP surface of the orchestrator.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/auth"
	"github.com/devharbor/devharbor/internal/common/crypto"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/environment"
	"github.com/devharbor/devharbor/internal/gitops"
	"github.com/devharbor/devharbor/internal/store"
)

// Handler contains the HTTP handlers for environments, sessions and git
// operations.
type Handler struct {
	envs   *environment.Service
	git    *gitops.Facade
	auth   *auth.Service
	db     store.Store
	sealer crypto.Sealer
	log    *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(envs *environment.Service, git *gitops.Facade, authSvc *auth.Service, db store.Store, sealer crypto.Sealer, log *logger.Logger) *Handler {
	return &Handler{
		envs:   envs,
		git:    git,
		auth:   authSvc,
		db:     db,
		sealer: sealer,
		log:    log,
	}
}

// Environment endpoints

// CreateEnvironment handles POST /api/environments.
func (h *Handler) CreateEnvironment(c *gin.Context) {
	var req CreateEnvironmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, apperrors.UserInput(err.Error()))
		return
	}

	env, err := h.envs.CreateEnvironment(c.Request.Context(), auth.GetUserID(c), environment.CreateEnvironmentParams{
		Name:          req.Name,
		RepositoryURL: req.RepositoryURL,
		Branch:        req.Branch,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

// ListEnvironments handles GET /api/environments/user/:userId.
func (h *Handler) ListEnvironments(c *gin.Context) {
	userID := c.Param("userId")
	if userID != auth.GetUserID(c) {
		respondError(c, h.log, apperrors.NotFound("user", userID))
		return
	}

	envs, err := h.envs.ListEnvironments(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, envs)
}

// GetEnvironment handles GET /api/environments/:id.
func (h *Handler) GetEnvironment(c *gin.Context) {
	env, err := h.envs.GetEnvironment(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

// DeleteEnvironment handles DELETE /api/environments/:id.
func (h *Handler) DeleteEnvironment(c *gin.Context) {
	id := c.Param("id")
	if err := h.envs.DeleteEnvironment(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": id})
}

// CheckEnvironmentName handles GET /api/environments/check-name?name=.
func (h *Handler) CheckEnvironmentName(c *gin.Context) {
	result, err := h.envs.CheckNameAvailability(c.Request.Context(), auth.GetUserID(c), c.Query("name"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Session endpoints

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, apperrors.UserInput(err.Error()))
		return
	}

	session, err := h.envs.CreateSession(c.Request.Context(), auth.GetUserID(c), environment.CreateSessionParams{
		EnvironmentID:    req.EnvironmentID,
		Name:             req.Name,
		WorkingDirectory: req.WorkingDirectory,
		Kind:             req.SessionType,
		AgentID:          req.AgentID,
		Branch:           req.Branch,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// ListSessions handles GET /api/sessions/environment/:envId.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.envs.ListSessions(c.Request.Context(), auth.GetUserID(c), c.Param("envId"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// GetSession handles GET /api/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.envs.GetSession(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// DeleteSession handles DELETE /api/sessions/:id.
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.envs.DeleteSession(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": id})
}

// CheckSessionName handles GET /api/sessions/check-name?environmentId=&name=.
func (h *Handler) CheckSessionName(c *gin.Context) {
	result, err := h.envs.CheckSessionName(c.Request.Context(), auth.GetUserID(c),
		c.Query("environmentId"), c.Query("name"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CheckBranch handles GET /api/sessions/check-branch?environmentId=&branch=.
func (h *Handler) CheckBranch(c *gin.Context) {
	result, err := h.envs.CheckBranch(c.Request.Context(), auth.GetUserID(c),
		c.Query("environmentId"), c.Query("branch"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Auth endpoints

// Token handles POST /api/auth/token.
func (h *Handler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, apperrors.UserInput(err.Error()))
		return
	}

	user, pair, err := h.auth.Token(c.Request.Context(), req.Username)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":          user,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.ExpiresAt,
	})
}

// Refresh handles POST /api/auth/refresh.
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, apperrors.UserInput(err.Error()))
		return
	}

	pair, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.log.Warn("Refresh rejected", zap.Error(err))
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}
