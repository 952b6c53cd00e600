package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arloliu/chatroute/types"
)

// Error codes returned in the error envelope.
const (
	CodeBadRequest          = "bad_request"
	CodeNotFound            = "not_found"
	CodeAlreadyHandled      = "already_handled"
	CodeCapacityExceeded    = "capacity_exceeded"
	CodeOperatorUnavailable = "operator_unavailable"
	CodeConflict            = "conflict"
	CodeStoreUnavailable    = "store_unavailable"
	CodeNotReady            = "not_ready"
	CodeInternal            = "internal"
)

var errInvalidLimit = errors.New("limit must be a positive integer")

// APIError is the body of a failed request.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ErrorEnvelope wraps APIError.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// classify maps an engine error to a status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, types.ErrAlreadyHandled):
		return http.StatusConflict, CodeAlreadyHandled
	case errors.Is(err, types.ErrCapacityExceeded):
		return http.StatusConflict, CodeCapacityExceeded
	case errors.Is(err, types.ErrOperatorUnavailable):
		return http.StatusConflict, CodeOperatorUnavailable
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, types.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, CodeStoreUnavailable
	case errors.Is(err, types.ErrNotStarted):
		return http.StatusServiceUnavailable, CodeNotReady
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorEnvelope{Error: APIError{Message: err.Error(), Code: code}})
}

func respondBadRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorEnvelope{Error: APIError{Message: err.Error(), Code: CodeBadRequest}})
}
