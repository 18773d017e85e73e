package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/go-playground/validator/v10"

	"redeemcli/internal/activation"
	"redeemcli/internal/infrastructure"
	"redeemcli/internal/services"
)

// Common error types following RFC 7807
const (
	TypeValidation  = "/errors/validation"
	TypeNotFound    = "/errors/not-found"
	TypeRateLimit   = "/errors/rate-limit"
	TypeInternal    = "/errors/internal"
	TypeServiceDown = "/errors/service-unavailable"
	TypeTimeout     = "/errors/timeout"
	TypeConflict    = "/errors/conflict"
	TypeBadRequest  = "/errors/bad-request"
)

// TypeActivation prefixes problem types derived from activation error kinds.
const TypeActivation = "/errors/activation/"

// kindStatus maps activation kinds to HTTP status codes.
var kindStatus = map[activation.Kind]int{
	activation.KindInvalidInput:           http.StatusBadRequest,
	activation.KindInvalidKey:             http.StatusUnprocessableEntity,
	activation.KindInvalidSession:         http.StatusNotFound,
	activation.KindProductNotFound:        http.StatusNotFound,
	activation.KindSessionExpired:         http.StatusGone,
	activation.KindAlreadyRedeemed:        http.StatusConflict,
	activation.KindAlreadyOwned:           http.StatusConflict,
	activation.KindRegionRestricted:       http.StatusForbidden,
	activation.KindAuthenticationFailed:   http.StatusUnauthorized,
	activation.KindForbidden:              http.StatusForbidden,
	activation.KindRequiresDigitalAccount: http.StatusUnprocessableEntity,
	activation.KindNetworkUnavailable:     http.StatusServiceUnavailable,
	activation.KindNetworkError:           http.StatusBadGateway,
	activation.KindMaxRetriesExceeded:     http.StatusBadGateway,
	activation.KindCancelled:              http.StatusConflict,
}

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	traceID := infrastructure.GetTraceID(r.Context())

	problem := h.ErrorToProblem(err, r)
	problem.WithExtension("trace_id", traceID)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request_failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))

	_ = problem.Write(w)
}

// ErrorToProblem converts an error to RFC 7807 Problem Details
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProblemDetails(http.StatusGatewayTimeout, TypeTimeout, "Request Timeout",
			"The request took too long to process", r.URL.Path)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErrorToProblem(apiErr, r)
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return apiErrorToProblem(NewValidationErrors(FieldErrors(verrs)), r)
	}

	switch {
	case errors.Is(err, services.ErrRunNotFound):
		return apiErrorToProblem(NotFoundError("activation run"), r)
	case errors.Is(err, services.ErrRunInProgress):
		return NewProblemDetails(http.StatusConflict, TypeConflict, "Conflict", err.Error(), r.URL.Path)
	case errors.Is(err, services.ErrShuttingDown):
		return apiErrorToProblem(ErrServiceUnavailable, r)
	}

	var actErr *activation.Error
	if errors.As(err, &actErr) {
		status, ok := kindStatus[actErr.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		detail := actErr.Message
		if detail == "" {
			detail = actErr.Kind.Description()
		}
		return NewProblemDetails(status, TypeActivation+string(actErr.Kind), http.StatusText(status), detail, r.URL.Path).
			WithExtension("kind", string(actErr.Kind))
	}

	return apiErrorToProblem(ErrInternalServer, r)
}

func apiErrorToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	problemType := TypeInternal
	switch apiErr.ErrorCode {
	case "VALIDATION_FAILED":
		problemType = TypeValidation
	case "INVALID_REQUEST":
		problemType = TypeBadRequest
	case "NOT_FOUND":
		problemType = TypeNotFound
	case "RATE_LIMIT_EXCEEDED":
		problemType = TypeRateLimit
	case "SERVICE_UNAVAILABLE":
		problemType = TypeServiceDown
	}

	problem := NewProblemDetails(apiErr.StatusCode, problemType, http.StatusText(apiErr.StatusCode), apiErr.Message, r.URL.Path).
		WithExtension("error_code", apiErr.ErrorCode)
	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}
	return problem
}

// FieldErrors flattens validator output into per-field messages.
func FieldErrors(verrs validator.ValidationErrors) []ValidationError {
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("failed on '%s'", fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out = append(out, ValidationError{Field: strings.ToLower(fe.Field()[:1]) + fe.Field()[1:], Message: msg})
	}
	return out
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	traceID := infrastructure.GetTraceID(r.Context())
	stack := string(debug.Stack())

	h.logger.ErrorContext(r.Context(), "panic_recovered",
		slog.Any("panic", recovered),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", stack))

	problem := NewProblemDetails(http.StatusInternalServerError, TypeInternal, "Internal Server Error",
		"An unexpected error occurred", r.URL.Path).WithExtension("trace_id", traceID)
	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", stack)
	}
	_ = problem.Write(w)
}

// Recoverer turns panics in next into problem responses.
func (h *ErrorHandler) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				h.HandlePanic(w, r, rvr)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := apiErrorToProblem(ErrNotFound, r).
		WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))
	_ = problem.Write(w)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(http.StatusMethodNotAllowed, TypeBadRequest, "Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method), r.URL.Path).
		WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))
	_ = problem.Write(w)
}
