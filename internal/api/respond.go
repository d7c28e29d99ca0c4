package api

import (
	"encoding/json"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: message})
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Errors that
// land on a 500 are logged with the request logger since the body hides them.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "validation_error", verrs.Error())
		return
	}

	var derr *appointment.Error
	if !errors.As(err, &derr) {
		writeInternalError(w, r, err)
		return
	}

	switch derr.Kind {
	case appointment.KindNotFound:
		writeError(w, http.StatusNotFound, derr.Code, derr.Message)
	case appointment.KindInvalidState, appointment.KindConflict:
		writeError(w, http.StatusConflict, derr.Code, derr.Message)
	case appointment.KindValidation:
		writeError(w, http.StatusBadRequest, derr.Code, derr.Message)
	default:
		writeInternalError(w, r, err)
	}
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	zerolog.Ctx(r.Context()).Error().
		Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("unhandled error")
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

type validatable interface {
	Validate() error
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, dst validatable) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	if err := dst.Validate(); err != nil {
		writeDomainError(w, r, err)
		return false
	}
	return true
}
