package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/notevault/internal/errs"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusForKind maps service error kinds onto HTTP statuses.
func statusForKind(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": reason, "code": code} for service errors and a generic 500 otherwise.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var serviceErr *errs.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	status := statusForKind(serviceErr)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("code", serviceErr.Code()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": serviceErr.Reason(), "code": serviceErr.Code()})
}

func respondBadRequest(c *gin.Context, reason string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": reason})
}
