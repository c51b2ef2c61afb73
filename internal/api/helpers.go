// Package api implements the HTTP control API for the Planet Radio relay.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/micro-nova/planetradio-go/internal/models"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctrl   Controller
	events EventBus
}

// Controller is the interface the handlers use to drive playback.
type Controller interface {
	Status() models.Status
	NowPlaying() models.NowPlaying
	Settings() models.Settings
	Stations(ctx context.Context, useCache bool) ([]models.StationInfo, error)
	StationInfo(ctx context.Context, code string) (models.StationInfo, error)
	ClearAddPlayTrack(ctx context.Context, code string) error
	Stop(ctx context.Context) error
	UpdateCredentials(ctx context.Context, creds models.Credentials) error
}

// EventBus is the interface for subscribing to now-playing updates.
type EventBus interface {
	Subscribe(id string) <-chan models.NowPlaying
	Unsubscribe(id string)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto an AppError and writes it as JSON.
func writeError(w http.ResponseWriter, err error) {
	appErr := models.ToAppError(err)
	writeJSON(w, appErr.Status, appErr)
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return models.ErrBadRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
