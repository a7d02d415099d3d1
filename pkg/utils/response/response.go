// Package response defines the JSON envelope shared by every control
// API endpoint.
package response

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Response is the envelope wrapping every control API payload
type Response struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	ErrorType string      `json:"error_type,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// SuccessResponse wraps data in the success envelope with HTTP 200
func SuccessResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{
		Status: statusSuccess,
		Data:   data,
	})
}

// ErrorResponse wraps an error type and message in the error envelope
// under the given HTTP status.
func ErrorResponse(c echo.Context, httpStatus int, errorType, message string) error {
	return c.JSON(httpStatus, Response{
		Status:    statusError,
		ErrorType: errorType,
		Message:   message,
	})
}
