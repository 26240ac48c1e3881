package circulation

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Error codes returned in API error bodies.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeForbidden       = "FORBIDDEN"
	CodeDenied          = "UNPROCESSABLE_ENTITY"
	CodeUnavailable     = "UNAVAILABLE"
	CodeRateLimited     = "RESOURCE_EXHAUSTED"
	CodeInternal        = "INTERNAL"
)

// HTTPStatus maps an error from this package's taxonomy to a status code and
// API error code.
func HTTPStatus(err error) (int, string) {
	if reason, ok := ReasonOf(err); ok {
		if reason == ReasonUnauthorized {
			return http.StatusForbidden, CodeForbidden
		}
		return http.StatusUnprocessableEntity, CodeDenied
	}
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable, CodeUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Reason  string `json:"reason,omitempty"`
	} `json:"error"`
}

// WriteError writes err as a JSON error body. Store failures are reported
// without their cause.
func WriteError(w http.ResponseWriter, err error) {
	status, code := HTTPStatus(err)

	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	if reason, ok := ReasonOf(err); ok {
		body.Error.Reason = string(reason)
	}
	switch status {
	case http.StatusInternalServerError:
		body.Error.Message = "internal error"
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case http.StatusTooManyRequests:
		retryAfter := int64(1)
		var limited *RateLimitError
		if errors.As(err, &limited) {
			retryAfter = limited.RetryAfterSeconds()
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	}
	WriteJSON(w, status, body)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// DecodeJSON reads the request body into v, reporting malformed input as a
// validation error.
func DecodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return Invalid("malformed request body: %v", err)
	}
	return nil
}

// Invalid builds an error wrapping ErrValidation.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
