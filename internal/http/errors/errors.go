package errors

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

func logger(r *http.Request) *slog.Logger {
	l := slog.Default()
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		l = l.With("request_id", requestID)
	}
	return l
}

func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	// Log the actual error with request ID for debugging
	logger(r).Error(message, "error", err, "path", r.URL.Path)

	// Return generic error to client
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logger(r).Warn("bad request", "error", err, "path", r.URL.Path)
	http.Error(w, clientMessage, http.StatusBadRequest)
}

// ClientError answers with status and a message that is safe to show.
func ClientError(w http.ResponseWriter, r *http.Request, status int, err error, clientMessage string) {
	logger(r).Info("request rejected", "status", status, "error", err, "path", r.URL.Path)
	http.Error(w, clientMessage, status)
}

func LogError(r *http.Request, message string, err error) {
	logger(r).Error(message, "error", err)
}

func LogInfo(r *http.Request, message string) {
	logger(r).Info(message)
}
