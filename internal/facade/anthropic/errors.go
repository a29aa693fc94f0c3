package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"claude-bridge/internal/apierr"
	"claude-bridge/internal/credentials"
)

const (
	errInvalidRequest = "invalid_request_error"
	errAuthentication = "authentication_error"
	errPermission     = "permission_error"
	errNotFound       = "not_found_error"
	errTooLarge       = "request_too_large"
	errRateLimit      = "rate_limit_error"
	errAPI            = "api_error"
	errOverloaded     = "overloaded_error"
)

// statusClientClosed is logged and recorded when the client went away; it is
// never written.
const statusClientClosed = 499

type apiErrorResponse struct {
	Type  string      `json:"type"`
	Error apiErrorObj `json:"error"`
}

type apiErrorObj struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, typ string, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErrorResponse{
		Type: "error",
		Error: apiErrorObj{
			Type:    typ,
			Message: msg,
		},
	})
}

// classify maps an error to the HTTP status, Anthropic error type and message
// the client sees.
func classify(err error) (int, string, string) {
	var (
		valErr    *apierr.ValidationError
		authErr   *apierr.UpstreamAuthError
		rateErr   *apierr.UpstreamRateLimited
		upErr     *apierr.UpstreamError
		streamErr *apierr.StreamError
		inlineErr *apierr.InlineError
		frameErr  *apierr.FrameDecodeError
	)
	switch {
	case errors.As(err, &valErr):
		return http.StatusBadRequest, errInvalidRequest, valErr.Error()
	case errors.Is(err, credentials.ErrNoAccount):
		return http.StatusNotFound, errNotFound, err.Error()
	case errors.Is(err, credentials.ErrAllCoolingOff):
		return http.StatusServiceUnavailable, errOverloaded, err.Error()
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, errAuthentication, upstreamMessage(authErr.Body, "upstream rejected the gateway credentials")
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, errRateLimit, upstreamMessage(rateErr.Body, "upstream rate limit exceeded")
	case errors.As(err, &upErr):
		return upErr.Status, typeForStatus(upErr.Status), upstreamMessage(upErr.Body, http.StatusText(upErr.Status))
	case errors.As(err, &streamErr):
		typ := errAPI
		if strings.Contains(streamErr.Type, "rate_limit") {
			typ = errRateLimit
		} else if strings.Contains(streamErr.Type, "overloaded") {
			typ = errOverloaded
		}
		return http.StatusBadGateway, typ, streamErr.Error()
	case errors.As(err, &inlineErr), errors.As(err, &frameErr), errors.Is(err, apierr.ErrTruncatedStream):
		return http.StatusBadGateway, errAPI, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errAPI, "upstream request timed out"
	case errors.Is(err, context.Canceled):
		return statusClientClosed, errAPI, "request canceled"
	default:
		return http.StatusBadGateway, errAPI, "upstream request failed"
	}
}

func typeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errInvalidRequest
	case http.StatusUnauthorized:
		return errAuthentication
	case http.StatusForbidden:
		return errPermission
	case http.StatusNotFound:
		return errNotFound
	case http.StatusRequestEntityTooLarge:
		return errTooLarge
	case http.StatusTooManyRequests:
		return errRateLimit
	case http.StatusServiceUnavailable, 529:
		return errOverloaded
	default:
		return errAPI
	}
}

func upstreamMessage(body []byte, fallback string) string {
	for _, path := range []string{"error.message", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return v.String()
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" && !gjson.ValidBytes(body) {
		if len(s) > 512 {
			s = s[:512]
		}
		return s
	}
	return fallback
}

// writeAPIError writes the envelope for err and returns the status used.
func writeAPIError(w http.ResponseWriter, err error) int {
	status, typ, msg := classify(err)
	if status == statusClientClosed {
		return status
	}
	var rateErr *apierr.UpstreamRateLimited
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rateErr.RetryAfter.Seconds()))))
	}
	writeError(w, status, typ, msg)
	return status
}
