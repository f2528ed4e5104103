package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/ragchat/internal/chat"
	"github.com/fyrsmithlabs/ragchat/internal/conversation"
	"github.com/fyrsmithlabs/ragchat/internal/generation"
	"github.com/fyrsmithlabs/ragchat/internal/ingest"
	"github.com/fyrsmithlabs/ragchat/internal/jobqueue"
	"github.com/labstack/echo/v4"
)

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	var genErr *generation.Error
	switch {
	case errors.Is(err, chat.ErrInvalidRequest),
		errors.Is(err, conversation.ErrInvalidNickname),
		errors.Is(err, conversation.ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingest.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, jobqueue.ErrJobTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, jobqueue.ErrJobFailed), errors.As(err, &genErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// toHTTPError converts err for the client. Internal errors are logged by
// the caller and reported without detail.
func toHTTPError(err error) *echo.HTTPError {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		return echo.NewHTTPError(code, http.StatusText(code)).SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}
