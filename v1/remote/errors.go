package remote

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
)

// statusOf maps gateway errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, tserrors.ErrUnknownThing), errors.Is(err, tserrors.ErrUnknownProperty):
		return http.StatusNotFound
	case errors.Is(err, tserrors.ErrNotLockHolder), errors.Is(err, tserrors.ErrSequenceMismatch):
		return http.StatusConflict
	case errors.Is(err, tserrors.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, tserrors.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.Error(err)
	c.JSON(statusOf(err), gin.H{"message": err.Error()})
}
