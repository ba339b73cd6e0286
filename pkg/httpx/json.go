package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/HatiCode/fivedreg/pkg/errdefs"
)

// MaxJSONBody bounds request bodies read by DecodeJSON.
const MaxJSONBody = 1 << 20

// ErrorResponse is the body of every error reply: {"error":"<msg>"}.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON writes v as JSON with the given status code. v is encoded before
// anything is sent, so a value that cannot be encoded yields a 500 error body
// instead of the requested status with a truncated reply.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
		buf.Reset()
		_ = json.NewEncoder(&buf).Encode(ErrorResponse{Error: "failed to encode response"})
		status = http.StatusInternalServerError
		err = fmt.Errorf("failed to encode JSON: %w", err)
		writeBody(w, status, buf.Bytes())
		return err
	}
	writeBody(w, status, buf.Bytes())
	return nil
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// WriteError writes err's message with the given status code.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorMessage(w, status, err.Error())
}

// WriteErrorMessage writes message with the given status code.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	if err := WriteJSON(w, status, ErrorResponse{Error: message}); err != nil {
		slog.Error("failed to write error message", "error", err, "message", message)
	}
}

// StatusFromError maps an error kind to the HTTP status reported to clients.
func StatusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errdefs.ErrNoModel):
		return http.StatusServiceUnavailable
	case errdefs.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorFor writes err with the status StatusFromError picks for it.
func WriteErrorFor(w http.ResponseWriter, err error) {
	WriteError(w, StatusFromError(err), err)
}

// DecodeJSON decodes a bounded request body into v. An empty body leaves v
// untouched so callers can pre-fill defaults. Malformed bodies and unknown
// fields wrap errdefs.ErrSchema.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %v: %w", err, errdefs.ErrSchema)
	}
	return nil
}
