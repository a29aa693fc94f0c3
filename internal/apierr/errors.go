package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	ErrValidation      = errors.New("invalid request")
	ErrTruncatedStream = errors.New("upstream stream ended without a terminal event")
)

// DefaultRetryAfter is used when a 429 carries no usable Retry-After hint.
const DefaultRetryAfter = 60 * time.Second

const maxBodySnippet = 512

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Msg
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

type UpstreamAuthError struct {
	Status int
	Body   []byte
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("upstream unauthorized (%d): %s", e.Status, snippet(e.Body))
}

type UpstreamRateLimited struct {
	RetryAfter time.Duration
	Body       []byte
}

func (e *UpstreamRateLimited) Error() string {
	return fmt.Sprintf("upstream rate limited (retry after %s): %s", e.RetryAfter, snippet(e.Body))
}

type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (%d): %s", e.Status, snippet(e.Body))
}

// FrameDecodeError is only surfaced for the first frame of a stream; later
// undecodable frames are skipped by the reader.
type FrameDecodeError struct {
	Frame   int
	Payload string
	Err     error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("decode stream frame %d: %v", e.Frame, e.Err)
}

func (e *FrameDecodeError) Unwrap() error { return e.Err }

// InlineError is a bare JSON document received where an SSE frame was expected.
type InlineError struct {
	Body []byte
}

func (e *InlineError) Error() string {
	if msg := gjson.GetBytes(e.Body, "error.message").String(); msg != "" {
		return "upstream error during stream: " + msg
	}
	return "upstream error during stream: " + snippet(e.Body)
}

// StreamError is an error-typed event delivered inside a well-formed stream.
type StreamError struct {
	Type    string
	Message string
	Raw     []byte
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return "upstream stream error: " + e.Message
	}
	return fmt.Sprintf("upstream stream error (%s): %s", e.Type, e.Message)
}

// FromResponse classifies a non-2xx upstream reply. It returns nil for status < 400.
func FromResponse(status int, header http.Header, body []byte) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized:
		return &UpstreamAuthError{Status: status, Body: body}
	case status == http.StatusTooManyRequests:
		return &UpstreamRateLimited{RetryAfter: retryAfter(header, body, time.Now()), Body: body}
	default:
		return &UpstreamError{Status: status, Body: body}
	}
}

// Kind is a short, stable label for metrics and logs.
func Kind(err error) string {
	var (
		valErr    *ValidationError
		authErr   *UpstreamAuthError
		rateErr   *UpstreamRateLimited
		upErr     *UpstreamError
		frameErr  *FrameDecodeError
		inlineErr *InlineError
		streamErr *StreamError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &valErr):
		return "validation"
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &rateErr):
		return "rate_limited"
	case errors.As(err, &upErr):
		return "upstream"
	case errors.As(err, &frameErr):
		return "frame_decode"
	case errors.As(err, &inlineErr):
		return "inline_error"
	case errors.As(err, &streamErr):
		return "stream_error"
	case errors.Is(err, ErrTruncatedStream):
		return "truncated"
	default:
		return "internal"
	}
}

func retryAfter(header http.Header, body []byte, now time.Time) time.Duration {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	if v := strings.TrimSpace(header.Get("Retry-After-Ms")); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if secs := gjson.GetBytes(body, "error.retry_after").Float(); secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return DefaultRetryAfter
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxBodySnippet {
		return s[:maxBodySnippet] + "..."
	}
	return s
}
