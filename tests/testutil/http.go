package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// APIResponse mirrors the JSON envelope written by the HTTP handlers
type APIResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details,omitempty"`
	} `json:"error,omitempty"`
}

// Request describes one call against an http.Handler
type Request struct {
	Method  string
	Path    string
	Body    interface{}
	Raw     []byte
	Headers map[string]string
}

// Do serves req through h and returns the recorder
func Do(t *testing.T, h http.Handler, req Request) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	switch {
	case req.Raw != nil:
		body = bytes.NewReader(req.Raw)
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		require.NoError(t, err, "Failed to marshal request body")
		body = bytes.NewReader(data)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	r := httptest.NewRequest(method, req.Path, body)
	if req.Body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

// DecodeResponse parses the response envelope
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()

	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "Failed to parse JSON response: %s", w.Body.String())
	return resp
}

// DecodeData parses the data member of a successful response into T
func DecodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	resp := DecodeResponse(t, w)
	require.True(t, resp.Success, "Expected success, got %s", w.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

// AssertErrorCode asserts the status and the error code of a failed response
func AssertErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()

	assert.Equal(t, status, w.Code, "Unexpected status code: %s", w.Body.String())
	resp := DecodeResponse(t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error, "Expected error object in response")
	assert.Equal(t, code, resp.Error.Code)
}
