package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "redeemcli/internal/errors"
)

type keysRequest struct {
	Method string   `json:"method" validate:"required,method"`
	Keys   []string `json:"keys" validate:"max=2,dive,productkey"`
}

func TestValidatorDecode(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name       string
		body       string
		wantFields []string
	}{
		{"valid", `{"method":"manual_key","keys":["AAAAA-BBBBB-CCCCC-DDDDD-EEEEE"]}`, nil},
		{"unknown method", `{"method":"fax"}`, []string{"method"}},
		{"bad key", `{"method":"manual_key","keys":["AAAAA-BBBBB-CCCCC-DDDDD-EEEEE","nope"]}`, []string{"keys[1]"}},
		{"too many keys", `{"method":"manual_key","keys":["a","b","c"]}`, []string{"keys"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var out keysRequest
			err := v.Decode(req, &out)
			if tt.wantFields == nil {
				require.NoError(t, err)
				return
			}
			var apiErr *apierrors.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, "VALIDATION_FAILED", apiErr.ErrorCode)
			fields := apiErr.Details.([]apierrors.ValidationError)
			var got []string
			for _, f := range fields {
				got = append(got, f.Field)
			}
			assert.Equal(t, tt.wantFields, got)
		})
	}
}

func TestValidatorDecodeMalformed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"method":`))
	var out keysRequest
	err := NewValidator().Decode(req, &out)

	var apiErr *apierrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INVALID_REQUEST", apiErr.ErrorCode)
}

func TestValidatorDecodeEmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	var out keysRequest
	err := NewValidator().Decode(req, &out)

	assert.ErrorIs(t, err, apierrors.ErrInvalidRequest)
}

func TestContentTypeValidator(t *testing.T) {
	handler := ContentTypeValidator(apierrors.NewErrorHandler(discardLogger(), false), "application/json")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=20&bad=x&big=5000", nil)

	n, err := QueryInt(req, "limit", 1, 1000, 50)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = QueryInt(req, "missing", 1, 1000, 50)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	_, err = QueryInt(req, "bad", 1, 1000, 50)
	assert.Error(t, err)
	_, err = QueryInt(req, "big", 1, 1000, 50)
	assert.Error(t, err)
}
