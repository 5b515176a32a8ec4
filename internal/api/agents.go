package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/devharbor/devharbor/internal/auth"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/store"
)

// CreateAgent handles POST /api/agents. The credential, when given, is
// sealed before it reaches the store.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, apperrors.UserInput(err.Error()))
		return
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:        uuid.New().String(),
		UserID:    auth.GetUserID(c),
		Name:      req.Name,
		Kind:      req.Kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.db.CreateAgent(c.Request.Context(), agent); err != nil {
		respondError(c, h.log, err)
		return
	}

	if req.Credential != "" {
		sealed, err := h.sealer.Seal([]byte(req.Credential))
		if err != nil {
			respondError(c, h.log, apperrors.Runtime("sealing credential", err))
			return
		}
		cred := &store.AgentCredential{AgentID: agent.ID, Sealed: sealed, UpdatedAt: now}
		if err := h.db.UpsertAgentCredential(c.Request.Context(), cred); err != nil {
			respondError(c, h.log, err)
			return
		}
	}

	c.JSON(http.StatusOK, agent)
}

// ListAgents handles GET /api/agents.
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.db.ListAgentsByUser(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}

// GetAgent handles GET /api/agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DeleteAgent handles DELETE /api/agents/:id.
func (h *Handler) DeleteAgent(c *gin.Context) {
	agent, ok := h.ownedAgent(c)
	if !ok {
		return
	}
	if err := h.db.DeleteAgent(c.Request.Context(), agent.ID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": agent.ID})
}

func (h *Handler) ownedAgent(c *gin.Context) (*store.Agent, bool) {
	id := c.Param("id")
	agent, err := h.db.GetAgent(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return nil, false
	}
	if agent.UserID != auth.GetUserID(c) {
		respondError(c, h.log, apperrors.NotFound("agent", id))
		return nil, false
	}
	return agent, true
}
