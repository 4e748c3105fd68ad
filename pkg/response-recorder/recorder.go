package recorder

import (
	"bytes"
	"io"
	"net/http"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer,
// so a handler can stand in for the network.
type ResponseSaver struct {
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// Body returns the recorded response body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
// A handler that never wrote anything responded with 200.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Result returns the recorded response as a http.Response with a readable body.
func (t *ResponseSaver) Result(r *http.Request) *http.Response {
	status := t.StatusCode()
	body := append([]byte(nil), t.b.Bytes()...)
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        t.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

// NewResponseSaver returns a new ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}
