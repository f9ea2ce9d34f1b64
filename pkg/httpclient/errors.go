package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/cinephile/accountsync/pkg/errors"
)

// BackendErrorResponse mirrors the error envelope returned by Google-style
// REST backends. Both the identity platform and the document store wrap
// failures in an "error" object; the identity platform carries its error
// code in the message field ("EMAIL_EXISTS"), the document store in the
// status field ("NOT_FOUND").
type BackendErrorResponse struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ParseResponseError reads the body of a non-2xx HTTP response and translates
// it into an appropriate AppError. A well-formed error envelope becomes a
// remote rejection that preserves the backend's code and message. Anything
// else is a protocol violation: the backend answered, but not in the shape
// the contract promises.
//
// The caller should only invoke this when resp.StatusCode indicates an error
// (i.e., not 2xx). The response body is fully consumed and closed.
func ParseResponseError(resp *http.Response, backend string) error {
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return apperrors.Protocol(fmt.Sprintf("%s returned status %d with unreadable body: %v", backend, resp.StatusCode, err))
	}

	var envelope BackendErrorResponse
	if json.Unmarshal(bodyBytes, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
		code := envelope.Error.Status
		if code == "" {
			code = envelope.Error.Message
		}
		return apperrors.Remote(code, fmt.Sprintf("%s: %s", backend, envelope.Error.Message))
	}

	// The backend answered outside its own error contract.
	return apperrors.Protocol(fmt.Sprintf("%s returned status %d with malformed error body: %s", backend, resp.StatusCode, truncate(bodyBytes, 256)))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// IsClientError returns true if the HTTP status code is a 4xx client error.
// Client errors are deterministic rejections and must not be retried.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
