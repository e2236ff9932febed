package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/models"
	ptymgr "github.com/peterje/ptyhost/internal/pty"
)

const maxInputBytes = 1 << 20

// HistoryReader lists recorded sessions.
type HistoryReader interface {
	Recent(limit int) ([]models.SessionRecord, error)
}

type SessionsHandler struct {
	host    ptymgr.Host
	history HistoryReader
	logger  *zap.Logger
}

// NewSessionsHandler serves the session API. history may be nil.
func NewSessionsHandler(host ptymgr.Host, history HistoryReader, logger *zap.Logger) *SessionsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionsHandler{host: host, history: history, logger: logger}
}

type sessionList struct {
	Sessions []ptymgr.Info          `json:"sessions"`
	History  []models.SessionRecord `json:"history"`
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	resp := sessionList{Sessions: h.host.List(), History: []models.SessionRecord{}}
	if resp.Sessions == nil {
		resp.Sessions = []ptymgr.Info{}
	}

	if h.history != nil {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		records, err := h.history.Recent(limit)
		if err != nil {
			h.logger.Error("list history", zap.Error(err))
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.History = records
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	// An empty body takes every default.
	var opts ptymgr.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id, err := h.host.Create(opts)
	if err != nil {
		h.logger.Warn("create session", zap.Error(err))
		writeSessionError(w, err)
		return
	}

	info, err := h.host.Info(id)
	if err != nil {
		// Closed by someone else already; the id is still the answer.
		info = ptymgr.Info{ID: id}
	}
	WriteJSON(w, http.StatusCreated, info)
}

func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	info, err := h.host.Info(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := h.host.Close(id); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var body struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInputBytes)).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.host.Write(id, []byte(body.Data)); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var body struct {
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Rows == 0 || body.Cols == 0 {
		WriteError(w, http.StatusBadRequest, "rows and cols must be positive")
		return
	}
	if err := h.host.Resize(id, body.Rows, body.Cols); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleForeground(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	name := h.host.ForegroundProcess(r.Context(), id)
	WriteJSON(w, http.StatusOK, map[string]any{"id": id, "name": name})
}
