package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/wolfman30/clinic-booking-pipeline/internal/bookings"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Success      bool                  `json:"success"`
	Error        string                `json:"error"`
	Message      string                `json:"message"`
	Fields       []bookings.FieldError `json:"fields,omitempty"`
	Alternatives []bookings.Slot       `json:"alternatives,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

// writeBookingError maps engine errors to their HTTP status and kind.
func writeBookingError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: bookings.KindOf(err), Message: err.Error()}
	status := http.StatusInternalServerError

	var (
		validation *bookings.ValidationError
		conflict   *bookings.ConflictError
	)
	switch resp.Error {
	case bookings.KindValidation:
		status = http.StatusBadRequest
		if errors.As(err, &validation) {
			resp.Fields = validation.Fields
		}
	case bookings.KindConflict:
		status = http.StatusConflict
		if errors.As(err, &conflict) {
			resp.Alternatives = conflict.Alternatives
			if resp.Alternatives == nil {
				resp.Alternatives = []bookings.Slot{}
			}
		}
	case bookings.KindLockTimeout:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case bookings.KindTokenExpired:
		status = http.StatusGone
	case bookings.KindNotFound:
		status = http.StatusNotFound
	case bookings.KindInvalidTransition:
		status = http.StatusConflict
	default:
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
