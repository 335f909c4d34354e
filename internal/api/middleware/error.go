package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/sumandas0/contextd/pkg/utils"
)

// ErrorResponse is the wire format of every API error.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
}

func ErrorHandler() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					handlePanic(w, r, err)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func SendError(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatusFromError(err))

	detail := ErrorDetail{
		Code:      utils.CodeInternal,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: chiMiddleware.GetReqID(r.Context()),
	}
	if appErr, ok := err.(*utils.AppError); ok {
		detail.Code = appErr.Code
		detail.Message = appErr.Message
		detail.Details = appErr.Details
	}

	json.NewEncoder(w).Encode(ErrorResponse{Error: detail})
}

func SendValidationError(w http.ResponseWriter, r *http.Request, message string, details map[string]any) {
	err := utils.NewAppError(utils.CodeBadRequestData, message, nil)
	err.Details = details
	SendError(w, r, err)
}

func handlePanic(w http.ResponseWriter, r *http.Request, recovered any) {
	log.Error().
		Interface("panic", recovered).
		Str("method", r.Method).
		Str("path", r.RequestURI).
		Bytes("stack", debug.Stack()).
		Msg("panic in request handler")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorDetail{
		Code:      utils.CodeInternal,
		Message:   "internal server error",
		Timestamp: time.Now().UTC(),
		RequestID: chiMiddleware.GetReqID(r.Context()),
	}})
}

// HTTPStatusFromError maps the error taxonomy onto HTTP status codes.
func HTTPStatusFromError(err error) int {
	if appErr, ok := err.(*utils.AppError); ok {
		switch appErr.Code {
		case utils.CodeNotFound:
			return http.StatusNotFound
		case utils.CodeAlreadyExists:
			return http.StatusConflict
		case utils.CodeBadRequestData, utils.CodeInvalidValue:
			return http.StatusBadRequest
		case utils.CodeAccessDenied:
			return http.StatusForbidden
		default:
			return http.StatusInternalServerError
		}
	}

	if utils.IsNotFound(err) {
		return http.StatusNotFound
	}
	if utils.IsAlreadyExists(err) {
		return http.StatusConflict
	}
	if utils.IsBadRequestData(err) || utils.IsInvalidValue(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
