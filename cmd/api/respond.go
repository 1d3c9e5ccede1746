package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"billswap/apperr"
)

// maxBodyBytes bounds JSON bodies; proof images arrive base64 encoded.
const maxBodyBytes = 12 << 20

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code apperr.Code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: string(code), Retryable: code.Retryable()})
}

// writeServiceError maps a service error onto its status. Fatal errors are
// logged and their detail withheld from the client.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := apperr.CodeOf(err)
	if code.Class() == apperr.ClassFatal {
		logger.Error("request failed", "code", code, "error", err)
		writeError(w, code.HTTPStatus(), code, "internal error")
		return
	}
	writeError(w, code.HTTPStatus(), code, err.Error())
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, apperr.CodeInvalidInput, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
