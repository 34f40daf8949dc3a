package provider

import (
	"fmt"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of a failed response body ends up in an
// error message.
const maxErrorBody = 512

// HTTPError classifies a non-2xx response from an HTTP email API.
// Client errors are permanent, except 408 and 429 which are worth retrying.
func HTTPError(backend string, status int, body []byte) *Error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorBody {
		detail = detail[:maxErrorBody] + "..."
	}
	err := &Error{
		Backend: backend,
		Cause:   fmt.Errorf("HTTP %d: %s", status, detail),
	}
	if status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		err.Permanent = true
	}
	return err
}
