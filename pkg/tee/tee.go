package tee

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that records the
// response while optionally forwarding it to the underlying writer.
// Pass a nil writer to only record, e.g. for background refreshes.
type ResponseSaver struct {
	rw           http.ResponseWriter
	body         *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	err          error
	CreatedAt    time.Time
}

// NewResponseSaver returns a new ResponseSaver.
// If rw is not nil, the response is tee'd to it in addition to being recorded.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		body:      &bytes.Buffer{},
		header:    http.Header{},
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	t.wroteHeaders = true
	t.status = statusCode
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if t.rw != nil {
		t.rw.Write(b)
	}
	return t.body.Write(b)
}

// SetError marks the recorded exchange as failed at the transport level.
// Used by the proxy error handler so a network failure can be told apart
// from an origin error response.
func (t *ResponseSaver) SetError(err error) {
	t.err = err
	if t.status == 0 {
		t.status = http.StatusBadGateway
	}
}

// Err returns the transport error, if any.
func (t *ResponseSaver) Err() error {
	return t.err
}

// StatusCode returns the status code of the recorded response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Body returns the recorded response body.
func (t *ResponseSaver) Body() []byte {
	return t.body.Bytes()
}

// Response assembles the recorded exchange into an http.Response.
func (t *ResponseSaver) Response() *http.Response {
	status := t.status
	if status == 0 {
		status = http.StatusOK
	}
	body := t.body.Bytes()
	return &http.Response{
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        t.header,
		Body:          readCloser(body),
		ContentLength: int64(len(body)),
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func readCloser(b []byte) *nopCloser {
	return &nopCloser{bytes.NewReader(b)}
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }
