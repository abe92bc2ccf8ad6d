package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request represents an HTTP request relative to the client's base URL.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    interface{}
}

// NewRequest creates a new HTTP request
func NewRequest(method, path string) *Request {
	return &Request{
		Method:  method,
		Path:    path,
		Headers: make(map[string]string),
	}
}

// Get is shorthand for NewRequest(GET, path).
func Get(path string) *Request {
	return NewRequest(http.MethodGet, path)
}

// Post is shorthand for NewRequest(POST, path).WithBody(body).
func Post(path string, body interface{}) *Request {
	return NewRequest(http.MethodPost, path).WithBody(body)
}

// WithHeader adds a header to the request
func (r *Request) WithHeader(key, value string) *Request {
	r.Headers[key] = value
	return r
}

// WithBearer sets the authorization header to "bearer <token>".
func (r *Request) WithBearer(token string) *Request {
	return r.WithHeader("Authorization", "bearer "+token)
}

// WithBody sets the body of the request. Strings, byte slices and readers are
// sent as is; anything else is encoded as JSON.
func (r *Request) WithBody(body interface{}) *Request {
	r.Body = body
	return r
}

// Build constructs an http.Request from the Request
func (r *Request) Build(baseURL string) (*http.Request, error) {
	reqURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	if reqURL.Path == "" {
		reqURL.Path = r.Path
	} else {
		reqURL.Path = strings.TrimRight(reqURL.Path, "/") + "/" + strings.TrimLeft(r.Path, "/")
	}

	headers := make(map[string]string, len(r.Headers)+1)
	for k, v := range r.Headers {
		headers[k] = v
	}

	var bodyReader io.Reader
	if r.Body != nil {
		switch body := r.Body.(type) {
		case string:
			bodyReader = strings.NewReader(body)
		case []byte:
			bodyReader = bytes.NewReader(body)
		case io.Reader:
			bodyReader = body
		default:
			jsonBody, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			bodyReader = bytes.NewReader(jsonBody)
			if _, ok := headers["Content-Type"]; !ok {
				headers["Content-Type"] = "application/json"
			}
		}
	}

	req, err := http.NewRequest(r.Method, reqURL.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return req, nil
}
