package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"redeemcli/internal/activation"
	apierrors "redeemcli/internal/errors"
)

// DefaultMaxBodySize caps decoded request bodies.
const DefaultMaxBodySize = 1 << 20

// Validator decodes JSON bodies and checks their validate tags.
type Validator struct {
	validate    *validator.Validate
	maxBodySize int64
}

// NewValidator creates a validator with the activation tags registered:
// "productkey" for a single product key and "method" for an entry point.
func NewValidator() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("productkey", isProductKey)
	_ = v.RegisterValidation("method", isMethod)

	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{validate: v, maxBodySize: DefaultMaxBodySize}
}

// Struct validates v, returning an APIError listing every failing field.
func (m *Validator) Struct(v interface{}) error {
	err := m.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apierrors.InvalidRequestWithError(err)
	}
	fields := make([]apierrors.ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apierrors.ValidationError{
			Field:   fieldPath(fe),
			Message: formatValidationError(fe),
		})
	}
	return apierrors.NewValidationErrors(fields)
}

// Decode reads a JSON body into v and validates it.
func (m *Validator) Decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return apierrors.ErrInvalidRequest
	}
	r.Body = io.NopCloser(io.LimitReader(r.Body, m.maxBodySize))
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return apierrors.InvalidRequestWithError(err)
	}
	return m.Struct(v)
}

// ContentTypeValidator ensures requests with a body declare an allowed content type.
func ContentTypeValidator(handler *apierrors.ErrorHandler, contentTypes ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions || r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}

			contentType := r.Header.Get("Content-Type")
			for _, allowed := range contentTypes {
				if strings.HasPrefix(contentType, allowed) {
					next.ServeHTTP(w, r)
					return
				}
			}
			handler.HandleError(w, r, apierrors.NewWithDetails(
				http.StatusUnsupportedMediaType,
				"UNSUPPORTED_MEDIA_TYPE",
				"Unsupported content type",
				map[string]interface{}{
					"content_type": contentType,
					"allowed":      contentTypes,
				},
			))
		})
	}
}

// QueryInt parses an integer query parameter bounded by [min, max].
func QueryInt(r *http.Request, param string, min, max, defaultValue int) (int, error) {
	value := r.URL.Query().Get(param)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < min || n > max {
		return 0, apierrors.NewValidationErrors([]apierrors.ValidationError{{
			Field:   param,
			Message: fmt.Sprintf("%s must be an integer between %d and %d", param, min, max),
		}})
	}
	return n, nil
}

// fieldPath drops the root struct name, leaving e.g. "source.keys[1]".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, param)
	case "max":
		return fmt.Sprintf("%s must have at most %s entries", field, param)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "productkey":
		return fmt.Sprintf("%s must be a 25 character product key", field)
	case "method":
		return fmt.Sprintf("%s is not a known activation method", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}

func isProductKey(fl validator.FieldLevel) bool {
	_, err := activation.NormalizeKey(fl.Field().String())
	return err == nil
}

func isMethod(fl validator.FieldLevel) bool {
	return activation.Method(fl.Field().String()).Valid()
}
