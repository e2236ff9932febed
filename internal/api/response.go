package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	ptymgr "github.com/peterje/ptyhost/internal/pty"
)

type errorBody struct {
	Error string `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorBody{Error: msg})
}

// statusFor maps a session error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ptymgr.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ptymgr.ErrAllocation):
		return http.StatusServiceUnavailable
	case errors.Is(err, ptymgr.ErrIO):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	WriteError(w, statusFor(err), err.Error())
}

// sessionID parses the {id} path value.
func sessionID(r *http.Request) (uint32, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}
