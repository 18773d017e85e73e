package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redeemcli/internal/activation"
	"redeemcli/internal/infrastructure"
	"redeemcli/internal/services"
	"redeemcli/internal/shared/testutil"
)

func newHandler() *ErrorHandler {
	return NewErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), false)
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"invalid input", &activation.Error{Kind: activation.KindInvalidInput, Message: "bad"}, http.StatusBadRequest, TypeActivation + "invalidInput"},
		{"invalid key wrapped", fmt.Errorf("resolve: %w", activation.NewError(activation.KindInvalidKey, "resolve", nil)), http.StatusUnprocessableEntity, TypeActivation + "invalidKey"},
		{"unmapped kind", &activation.Error{Kind: activation.KindInternal}, http.StatusInternalServerError, TypeActivation + "internal"},
		{"run not found", services.ErrRunNotFound, http.StatusNotFound, TypeNotFound},
		{"run in progress", services.ErrRunInProgress, http.StatusConflict, TypeConflict},
		{"shutting down", services.ErrShuttingDown, http.StatusServiceUnavailable, TypeServiceDown},
		{"validation", NewValidationErrors([]ValidationError{{Field: "method", Message: "required"}}), http.StatusBadRequest, TypeValidation},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, TypeTimeout},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/activations", nil)
			req = req.WithContext(infrastructure.WithTraceID(req.Context(), "trace-123"))
			rec := httptest.NewRecorder()

			newHandler().HandleError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantType, body["type"])
			assert.EqualValues(t, tt.wantStatus, body["status"])
			assert.Equal(t, "trace-123", body["trace_id"])
			assert.Equal(t, "/api/activations", body["instance"])
		})
	}
}

func TestHandleErrorNil(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler().HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(t, 0, rec.Body.Len())
}

func TestRecoverer(t *testing.T) {
	h := newHandler()
	handler := h.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "kaboom")
}

func TestProblemDetailsExtensionsCannotOverrideFields(t *testing.T) {
	p := NewProblemDetails(http.StatusNotFound, TypeNotFound, "Not Found", "", "").
		WithExtension("status", 200).
		WithExtension("trace_id", "t")
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.EqualValues(t, http.StatusNotFound, body["status"])
	assert.Equal(t, "t", body["trace_id"])
	assert.NotContains(t, body, "detail")
}

func TestHandleErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"run not found", services.ErrRunNotFound, "NOT_FOUND"},
		{"shutting down", fmt.Errorf("start: %w", services.ErrShuttingDown), "SERVICE_UNAVAILABLE"},
		{"empty body", ErrInvalidRequest, "INVALID_REQUEST"},
		{"unknown", fmt.Errorf("boom"), "INTERNAL_SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/activations", nil)
			problem := newHandler().ErrorToProblem(tt.err, req)
			assert.Equal(t, tt.wantCode, problem.Extensions["error_code"])
			assert.NotContains(t, problem.Detail, "boom", "internal errors are not echoed")
		})
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	h := newHandler()

	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_code":"NOT_FOUND"`)

	rec = httptest.NewRecorder()
	h.MethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/api/activations", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "DELETE")
}

func TestValidatorErrorsBecomeFieldErrors(t *testing.T) {
	type request struct {
		Method string   `validate:"required"`
		Keys   []string `validate:"max=2"`
	}
	err := validator.New().Struct(request{Keys: []string{"a", "b", "c"}})
	require.Error(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/activations", nil)
	problem := newHandler().ErrorToProblem(err, req)

	assert.Equal(t, http.StatusBadRequest, problem.Status)
	assert.Equal(t, TypeValidation, problem.Type)
	fields, ok := problem.Extensions["details"].([]ValidationError)
	require.True(t, ok)
	require.Len(t, fields, 2)
	assert.Equal(t, "method", fields[0].Field)
	assert.Equal(t, "failed on 'max'=2", fields[1].Message)
}

func TestHandleErrorLogLevel(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	h := NewErrorHandler(logger, false)

	req := httptest.NewRequest(http.MethodGet, "/api/activations/missing", nil)
	h.HandleError(httptest.NewRecorder(), req, services.ErrRunNotFound)
	rec := testutil.RequireLogged(t, logs, slog.LevelWarn, "request_failed")
	assert.EqualValues(t, http.StatusNotFound, rec.Attrs["status"])
	assert.Equal(t, "error_handler", rec.Attrs["component"])
	testutil.AssertNoErrors(t, logs)

	h.HandleError(httptest.NewRecorder(), req, fmt.Errorf("boom"))
	testutil.RequireLogged(t, logs, slog.LevelError, "request_failed")
}
