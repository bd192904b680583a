package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushdesk/internal/types"
)

func TestError_AppErrorDeterminesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), "req-1"))

	Error(rec, req, types.NewAppError(types.ErrCodeNotFoundUser, "no matching user", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_found_user", body.Error.Code)
	assert.Equal(t, "no matching user", body.Error.Message)
	assert.Equal(t, "req-1", body.Error.RequestID)
}

func TestError_UnknownErrorIsOpaque500(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(rec, req, errors.New("pq: secret table does not exist"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_unexpected_error", body.Error.Code)
	// The wrapped cause never leaks to the client.
	assert.NotContains(t, rec.Body.String(), "secret table")
}

func TestError_WrappedAppErrorStillMaps(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	inner := types.NewAppError(types.ErrCodeAuthWorkerToken, "invalid worker token", nil)
	Error(rec, req, fmt.Errorf("running worker pass: %w", inner))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	decode := func(body string) error {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		var dst payload
		return DecodeJSON(httptest.NewRecorder(), req, &dst)
	}

	t.Run("valid body", func(t *testing.T) {
		require.NoError(t, decode(`{"name":"ok"}`))
	})

	t.Run("empty body", func(t *testing.T) {
		err := decode("")
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
		assert.Contains(t, appErr.Message, "empty")
	})

	t.Run("malformed json", func(t *testing.T) {
		err := decode(`{"name":`)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		err := decode(`{"name":"ok","extra":true}`)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Contains(t, appErr.Message, "unknown field")
	})

	t.Run("wrong type reports the field", func(t *testing.T) {
		err := decode(`{"name":7}`)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "name", appErr.Details["field"])
	})

	t.Run("trailing second document", func(t *testing.T) {
		err := decode(`{"name":"ok"}{"name":"again"}`)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Contains(t, appErr.Message, "single JSON object")
	})
}

func TestJSON_WritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(rec, req, http.StatusCreated, APIResponse{Data: map[string]int{"id": 7}})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"id":7}}`, rec.Body.String())
}
