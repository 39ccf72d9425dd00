package errorhandler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/garyvish82-droid/hoodcup/internal/pkg/logger"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/response"
)

// HandleError logs the failure with the request-scoped logger and sends the
// error envelope. The underlying error is never sent to the client.
func HandleError(ctx context.Context, w http.ResponseWriter, status int, code, message string, err error) {
	l := logger.FromContext(ctx)
	event := l.Warn()
	if status >= http.StatusInternalServerError {
		event = l.Error()
	}
	event = event.
		Str("error_code", code).
		Str("error_message", message).
		Int("status_code", status)

	if err != nil {
		event = event.Err(err)
	}

	event.Msg("Request error")

	response.Error(w, status, code, message)
}

// LogValidationError logs validation errors with details
func LogValidationError(ctx context.Context, fieldErrors map[string]string) {
	errJSON, _ := json.Marshal(fieldErrors)
	logger.FromContext(ctx).Warn().
		RawJSON("validation_errors", errJSON).
		Msg("Validation error")
}
