// Package httpapi exposes the coordination core's HTTP surface (spec
// §6): project/agent/session CRUD, send-message, the ndjson event
// stream, approval resolution, and tool-execution-result ingestion,
// mounted behind internal/tenant's Isolation Middleware. The router
// shape — chi route groups layered with middleware, a Server struct
// bundling every dependency as fields — follows
// other_examples/erauner12-toolbridge-api's internal/httpapi/router.go
// almost directly; this codebase has no chi-based file of its own to
// draw from, so that file is this package's primary grounding source.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/agentcore/platform/internal/apperror"
)

// timeLayout is the wire format every timestamp field in this API uses.
const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// validationError builds a CodeValidation error from a plain message,
// for request-shape checks that happen before any store call.
func validationError(msg string) error {
	return apperror.New("httpapi", apperror.CodeValidation, msg)
}

// notFoundError builds a CodeNotFound error for a resource that exists
// but does not belong to the scope (e.g. project) the request path
// implies — a cross-tenant or cross-project reference, reported the
// same as a missing row so neither leaks existence information.
func notFoundError(resource string) error {
	return apperror.New("httpapi", apperror.CodeNotFound, resource)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps err's apperror.Code to an HTTP status and writes a
// standard {error, code} body.
func writeError(w http.ResponseWriter, err error) {
	code := apperror.CodeOf(err)
	writeJSON(w, statusFor(code), errorBody{Error: err.Error(), Code: string(code)})
}

func statusFor(code apperror.Code) int {
	switch code {
	case apperror.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperror.CodeForbidden:
		return http.StatusForbidden
	case apperror.CodeNotFound:
		return http.StatusNotFound
	case apperror.CodeValidation:
		return http.StatusBadRequest
	case apperror.CodeBackpressure, apperror.CodeMaxRetriesExceeded:
		return http.StatusTooManyRequests
	case apperror.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperror.CodeTransient, apperror.CodeWorkerSpaceCleanup:
		return http.StatusServiceUnavailable
	case apperror.CodeAlreadyResolved:
		return http.StatusConflict
	case apperror.CodeCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperror.Wrap("httpapi.decodeJSON", apperror.CodeValidation, err)
	}
	return nil
}
