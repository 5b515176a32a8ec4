package api

import (
	"github.com/gin-gonic/gin"

	"github.com/devharbor/devharbor/internal/auth"
	"github.com/devharbor/devharbor/internal/common/logger"
)

// SetupRoutes wires the HTTP surface. terminalWS is the streaming handler for
// /api/terminal/ws/:sessionId; auth covers everything except token issuance.
func SetupRoutes(router *gin.Engine, handler *Handler, issuer *auth.Issuer, terminalWS gin.HandlerFunc, log *logger.Logger) {
	router.Use(RequestLogger(log), Tracing("devharbor-api"), CORS())

	api := router.Group("/api")

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/token", handler.Token)
		authGroup.POST("/refresh", handler.Refresh)
	}

	protected := api.Group("")
	protected.Use(auth.Middleware(issuer))
	{
		environments := protected.Group("/environments")
		{
			environments.POST("", handler.CreateEnvironment)
			environments.GET("/user/:userId", handler.ListEnvironments)
			environments.GET("/check-name", handler.CheckEnvironmentName)
			environments.GET("/:id", handler.GetEnvironment)
			environments.DELETE("/:id", handler.DeleteEnvironment)
		}

		sessions := protected.Group("/sessions")
		{
			sessions.POST("", handler.CreateSession)
			sessions.GET("/environment/:envId", handler.ListSessions)
			sessions.GET("/check-name", handler.CheckSessionName)
			sessions.GET("/check-branch", handler.CheckBranch)
			sessions.GET("/:id", handler.GetSession)
			sessions.DELETE("/:id", handler.DeleteSession)
		}

		git := protected.Group("/git")
		{
			git.GET("/status/:sessionId", handler.GitStatus)
			git.GET("/diff/:sessionId", handler.GitDiff)
			git.GET("/log/:sessionId", handler.GitLog)
			git.POST("/commit/:sessionId", handler.GitCommit)
			git.POST("/push/:sessionId", handler.GitPush)
			git.GET("/repo/:envId", handler.GitRepo)
		}

		agents := protected.Group("/agents")
		{
			agents.POST("", handler.CreateAgent)
			agents.GET("", handler.ListAgents)
			agents.GET("/:id", handler.GetAgent)
			agents.DELETE("/:id", handler.DeleteAgent)
		}

		protected.GET("/terminal/ws/:sessionId", terminalWS)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}
