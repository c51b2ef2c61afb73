package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/micro-nova/planetradio-go/internal/models"
)

func (h *Handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// getStations lists stations. ?cache=1 serves the cached list when one exists.
func (h *Handlers) getStations(w http.ResponseWriter, r *http.Request) {
	useCache := r.URL.Query().Get("cache") == "1"
	list, err := h.ctrl.Stations(r.Context(), useCache)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.StationInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) getStation(w http.ResponseWriter, r *http.Request) {
	info, err := h.ctrl.StationInfo(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) play(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := h.ctrl.ClearAddPlayTrack(r.Context(), code); err != nil {
		slog.Warn("api: play failed", "station", code, "err", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *Handlers) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *Handlers) putCredentials(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := decodeBody(w, r, &creds); err != nil {
		writeError(w, err)
		return
	}
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Empty() {
		writeError(w, models.ErrBadRequest("username and password are required"))
		return
	}
	if err := h.ctrl.UpdateCredentials(r.Context(), creds); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
