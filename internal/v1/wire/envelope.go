package wire

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Envelope is the uniform response shape for every HTTP endpoint.
type Envelope struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Data      any      `json:"data,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	Timestamp string   `json:"timestamp"`
}

func envelope(success bool, message string, data any, errs []string) Envelope {
	return Envelope{
		Success:   success,
		Message:   message,
		Data:      data,
		Errors:    errs,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// OK writes a 200 success envelope.
func OK(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, envelope(true, message, data, nil))
}

// Created writes a 201 success envelope.
func Created(c *gin.Context, message string, data any) {
	c.JSON(http.StatusCreated, envelope(true, message, data, nil))
}

// Fail classifies err and writes the failure envelope with the mapped status.
func Fail(c *gin.Context, err error) {
	kind := KindOf(err)

	message := "internal server error"
	var errs []string
	var we *Error
	if errors.As(err, &we) {
		message = we.Message
		errs = we.Errs
	}
	if kind == KindInternal {
		// Never leak internals to the client.
		message = "internal server error"
		errs = nil
	}

	c.AbortWithStatusJSON(StatusOf(kind), envelope(false, message, nil, errs))
}
