package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lia-systems/vm-api/internal/apperr"
)

// statusFor maps an apperr.Kind to its HTTP status with an explicit, total
// switch over the typed taxonomy.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindBadRequest:
		return http.StatusBadRequest
	case apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindAllocation:
		return http.StatusServiceUnavailable
	case apperr.KindVmLaunch, apperr.KindRelayHandshake, apperr.KindStorage, apperr.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: status})
}

func respondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: http.StatusBadRequest})
}
