package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/carewire/booking-api/pkg/errors"
)

type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}

// WriteError maps an application error to its HTTP status. Unclassified
// errors are reported as 500 without leaking internals to the client.
func WriteError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)

	var status int
	switch code {
	case apperrors.ErrValidation, apperrors.ErrSlotUnavailable, apperrors.ErrConflict:
		status = http.StatusBadRequest
	case apperrors.ErrForbidden:
		status = http.StatusForbidden
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrUpstreamUnavailable:
		status = http.StatusServiceUnavailable
	default:
		c.JSON(http.StatusInternalServerError, NewErrorResponse("internal server error"))
		return
	}

	c.JSON(status, NewErrorResponse(err.Error()))
}
