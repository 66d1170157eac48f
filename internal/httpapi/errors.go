package httpapi

import (
	"errors"
	"net/http"

	"callsync/internal/backend"
	"callsync/internal/callerr"
	"callsync/internal/reporting"
	"callsync/pkg/logger"

	"github.com/gin-gonic/gin"
)

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, backend.ErrorResponse{Error: msg, Code: callerr.CodeInvalidArgument})
}

// writeError maps service errors onto the status codes the HTTP client classifies.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	if errors.Is(err, reporting.ErrInvalidRequest) {
		badRequest(c, err.Error())
		return
	}

	var ce *callerr.Error
	if !errors.As(err, &ce) {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, backend.ErrorResponse{Error: "internal error"})
		return
	}

	switch ce.Kind {
	case callerr.KindValidation:
		msg := ce.Code
		if ce.Err != nil {
			msg = ce.Err.Error()
		}
		c.AbortWithStatusJSON(validationStatus(ce.Code), backend.ErrorResponse{Error: msg, Code: ce.Code})
	case callerr.KindAuth:
		c.AbortWithStatusJSON(http.StatusForbidden, backend.ErrorResponse{Error: "forbidden", Code: ce.Code})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, backend.ErrorResponse{Error: "temporarily unavailable"})
	}
}

func validationStatus(code string) int {
	switch code {
	case callerr.CodeNotFound:
		return http.StatusNotFound
	case callerr.CodeInvalidArgument:
		return http.StatusBadRequest
	case callerr.CodeBlocked, callerr.CodeUnavailable, callerr.CodeCallInProgress,
		callerr.CodeAlreadyAnswered, callerr.CodeNotCalling:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}
