package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"lv-propdesk/internal/apperr"
)

const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func ReadJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error kind to its HTTP status and code.
func StatusFor(err error) (int, string) {
	code := apperr.Code(err)
	switch apperr.Kind(err) {
	case apperr.ErrNoLiveFeed:
		return http.StatusServiceUnavailable, code
	case apperr.ErrInsufficientFunds:
		return http.StatusUnprocessableEntity, code
	case apperr.ErrInvalidStopLevel, apperr.ErrInvalidOrder:
		return http.StatusBadRequest, code
	case apperr.ErrNotFound:
		return http.StatusNotFound, code
	case apperr.ErrUnauthorized:
		return http.StatusForbidden, code
	case apperr.ErrTradeAlreadyClosed, apperr.ErrAccountInactive, apperr.ErrConflict:
		return http.StatusConflict, code
	default:
		return http.StatusInternalServerError, code
	}
}

// WriteError writes err with the status of its kind. Unclassified errors
// are reported without their text.
func WriteError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	WriteJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
