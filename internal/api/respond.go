package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/common/logger"
)

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Success     bool     `json:"success"`
	Error       string   `json:"error"`
	Message     string   `json:"message,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// respondError writes err as the error envelope with its mapped status.
// Non-AppError values are logged and reported as runtime failures.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		log.Error("Unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorEnvelope{
			Error:   apperrors.KindRuntime,
			Message: "internal error",
		})
		return
	}

	status := appErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, errorEnvelope{
		Error:       appErr.Kind,
		Message:     appErr.Message,
		Suggestions: appErr.Suggestions,
	})
}
