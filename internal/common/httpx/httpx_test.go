package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h RequestHandler) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	WrapHttpRsp(h).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr, body
}

func TestWrapHttpRspSuccess(t *testing.T) {
	rr, body := serve(t, func(r *http.Request) (*Response, error) {
		return &Response{StatusCode: http.StatusCreated, Location: "/jobs/1", Response: map[string]string{"id": "1"}}, nil
	})
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "/jobs/1", rr.Header().Get("Location"))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "1", body["id"])
}

func TestWrapHttpRspErrors(t *testing.T) {
	base := apperrors.New("not here").SetStatusCode(http.StatusNotFound)
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"http error", ErrUnavailable(), http.StatusServiceUnavailable},
		{"app error", base.Msg("collection missing"), http.StatusNotFound},
		{"app error without status", apperrors.New("plain"), http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := serve(t, func(r *http.Request) (*Response, error) { return nil, tt.err })
			assert.Equal(t, tt.status, rr.Code)
			assert.EqualValues(t, Failure, body["result"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestWrapHttpRspNilResponse(t *testing.T) {
	rr, _ := serve(t, func(r *http.Request) (*Response, error) { return nil, nil })
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
