package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/devharbor/devharbor/internal/auth"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/store"
)

// resolveSession loads the session and its environment for a git endpoint.
func (h *Handler) resolveSession(c *gin.Context) (*store.Environment, *store.Session, bool) {
	userID := auth.GetUserID(c)
	session, err := h.envs.GetSession(c.Request.Context(), userID, c.Param("sessionId"))
	if err != nil {
		respondError(c, h.log, err)
		return nil, nil, false
	}
	env, err := h.envs.GetEnvironment(c.Request.Context(), userID, session.EnvironmentID)
	if err != nil {
		respondError(c, h.log, err)
		return nil, nil, false
	}
	return env, session, true
}

// GitStatus handles GET /api/git/status/:sessionId.
func (h *Handler) GitStatus(c *gin.Context) {
	env, session, ok := h.resolveSession(c)
	if !ok {
		return
	}
	status, err := h.git.Status(c.Request.Context(), env, session)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GitDiff handles GET /api/git/diff/:sessionId?file=&staged=.
func (h *Handler) GitDiff(c *gin.Context) {
	env, session, ok := h.resolveSession(c)
	if !ok {
		return
	}
	staged, _ := strconv.ParseBool(c.DefaultQuery("staged", "false"))
	diff, err := h.git.Diff(c.Request.Context(), env, session, c.Query("file"), staged)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": diff})
}

// GitLog handles GET /api/git/log/:sessionId?limit=&offset=.
func (h *Handler) GitLog(c *gin.Context) {
	env, session, ok := h.resolveSession(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	commits, err := h.git.Log(c.Request.Context(), env, session, limit, offset)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits})
}

// GitCommit handles POST /api/git/commit/:sessionId.
func (h *Handler) GitCommit(c *gin.Context) {
	env, session, ok := h.resolveSession(c)
	if !ok {
		return
	}
	var req CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, apperrors.UserInput(err.Error()))
		return
	}
	result, err := h.git.Commit(c.Request.Context(), env, session, req.Message, req.Files)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GitPush handles POST /api/git/push/:sessionId.
func (h *Handler) GitPush(c *gin.Context) {
	env, session, ok := h.resolveSession(c)
	if !ok {
		return
	}
	var req PushRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, h.log, apperrors.UserInput(err.Error()))
		return
	}
	result, err := h.git.Push(c.Request.Context(), env, session, req.Remote, req.Branch)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GitRepo handles GET /api/git/repo/:envId.
func (h *Handler) GitRepo(c *gin.Context) {
	env, err := h.envs.GetEnvironment(c.Request.Context(), auth.GetUserID(c), c.Param("envId"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	info, err := h.git.Repo(c.Request.Context(), env)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
