package http

import (
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// TimingInfo is the wall time of one attempt, body read included.
type TimingInfo struct {
	StartTime time.Time
	TotalTime time.Duration
}

// Response is the outcome of one call. StatusCode is 0 when no response was
// received; Err then holds the transport error.
type Response struct {
	StatusCode int
	Status     string
	Headers    http.Header
	Body       []byte
	Timing     TimingInfo
	Err        error
}

// HTTPStatus returns the status code, 0 for transport failures.
func (r *Response) HTTPStatus() int {
	return r.StatusCode
}

// Duration returns the wall time of the attempt.
func (r *Response) Duration() time.Duration {
	return r.Timing.TotalTime
}

// OK reports whether the status is exactly 200.
func (r *Response) OK() bool {
	return r.StatusCode == http.StatusOK
}

// JSON returns the value at a gjson path in the body. The result does not
// exist when the body is not JSON or the path is absent.
func (r *Response) JSON(path string) gjson.Result {
	if len(r.Body) == 0 || !gjson.ValidBytes(r.Body) {
		return gjson.Result{}
	}
	return gjson.GetBytes(r.Body, path)
}

// Snippet returns at most n bytes of the body for error messages.
func (r *Response) Snippet(n int) string {
	if len(r.Body) <= n {
		return string(r.Body)
	}
	return string(r.Body[:n]) + "..."
}
