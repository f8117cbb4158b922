package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/uniassist/gateway/pkg/ingest"
	"github.com/uniassist/gateway/pkg/store"
)

// Wire error codes.
const (
	codeInvalidRequest       = "INVALID_REQUEST"
	codeInvalidSignature     = "INVALID_SIGNATURE"
	codeInvalidProviderToken = "INVALID_PROVIDER_TOKEN"
	codeMissingScope         = "MISSING_SCOPE"
	codeSessionNotFound      = "session_not_found"
	codeInternal             = "INTERNAL"
)

// errorBody is the JSON error shape: {"error": {"code", "message"}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newErrorBody(code, message string) errorBody {
	return errorBody{Error: errorDetail{Code: code, Message: message}}
}

func respondError(c *echo.Context, status int, code, message string) error {
	return c.JSON(status, newErrorBody(code, message))
}

// mapPipelineError translates pipeline errors into the wire taxonomy.
func mapPipelineError(c *echo.Context, err error) error {
	var validErr *ingest.ValidationError
	if errors.As(err, &validErr) {
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, validErr.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return respondError(c, http.StatusNotFound, codeSessionNotFound, "session not found")
	}

	slog.Error("Unexpected pipeline error", "error", err)
	return respondError(c, http.StatusInternalServerError, codeInternal, "internal server error")
}
