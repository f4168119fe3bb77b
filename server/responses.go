package server

import (
	"encoding/json"
	"io"
	"net/http"

	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/jrsteele09/campus-attendance/scan"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 16

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an error response
func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

// writeServiceError maps the error taxonomy onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperrors.ErrStorageUnavailable):
		log.Err(err).Str("path", r.URL.Path).Msg("Storage unavailable")
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, "storage_unavailable", "temporarily unavailable, retry with backoff", http.StatusServiceUnavailable)
	case errors.Is(err, apperrors.ErrUnauthenticated):
		writeJSONError(w, "unauthorized", err.Error(), http.StatusUnauthorized)
	case errors.Is(err, apperrors.ErrForbidden):
		writeJSONError(w, "forbidden", err.Error(), http.StatusForbidden)
	case errors.Is(err, apperrors.ErrSessionNotFound):
		writeJSONError(w, "not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, apperrors.ErrSessionNotActive):
		writeJSONError(w, string(scan.ReasonSessionNotActive), err.Error(), http.StatusConflict)
	case errors.Is(err, apperrors.ErrAlreadyClosed):
		writeJSONError(w, "already_closed", err.Error(), http.StatusConflict)
	case errors.Is(err, apperrors.ErrInvalidRequest), errors.Is(err, apperrors.ErrInvalidSchedule):
		writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
	default:
		log.Err(err).Str("path", r.URL.Path).Msg("Unhandled error")
		writeJSONError(w, "internal_error", "internal server error", http.StatusInternalServerError)
	}
}

// scanStatus is the HTTP status for a scan outcome; the body always carries
// the reason verbatim.
func scanStatus(res *scan.Result) int {
	if res.Accepted {
		return http.StatusCreated
	}
	switch res.Reason {
	case scan.ReasonInvalidToken:
		return http.StatusBadRequest
	case scan.ReasonUnknownSession:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

// decodeJSON reads a JSON body into v and validates it.
func (s *Server) decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(apperrors.ErrInvalidRequest, err.Error())
	}
	if err := s.validate.Struct(v); err != nil {
		return errors.Wrap(apperrors.ErrInvalidRequest, err.Error())
	}
	return nil
}
