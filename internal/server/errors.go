package server

import (
	"errors"
	"net/http"

	"skyquery/internal/domain"

	"github.com/gin-gonic/gin"
)

// MapErrorToHTTP maps a service error to a status code and a client-facing reason
func MapErrorToHTTP(err error) (int, string) {
	var authErr *domain.AuthError
	var validationErr *domain.ValidationError

	switch {
	case errors.As(err, &authErr):
		if authErr.Insufficient {
			return http.StatusForbidden, authErr.Error()
		}
		return http.StatusUnauthorized, authErr.Error()
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error()
	case errors.Is(err, domain.ErrFeatureDisabled):
		return http.StatusNotFound, "this feature is not enabled"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// JSONError writes the error body {"success": false, "reason": ...}
func JSONError(c *gin.Context, err error) {
	status, reason := MapErrorToHTTP(err)
	if status == http.StatusInternalServerError {
		c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"reason":  reason,
	})
}
