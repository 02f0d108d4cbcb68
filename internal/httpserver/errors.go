package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vipul43/subtrack/internal/agent"
	"github.com/vipul43/subtrack/internal/repository"
	"github.com/vipul43/subtrack/internal/service"
)

func errorStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrConnectionNotFound),
		errors.Is(err, repository.ErrImportNotFound),
		errors.Is(err, repository.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrImportInProgress),
		errors.Is(err, repository.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, service.ErrUnauthorized),
		errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, agent.ErrDisabled),
		errors.Is(err, service.ErrGmailDisabled),
		errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError is the only place service errors become HTTP responses.
// Unclassified errors are logged and answered with a generic message.
func (h *handler) writeError(c *gin.Context, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("user_id", userID(c)),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func (h *handler) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
