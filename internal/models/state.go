// Package models defines the data structures shared by the Planet Radio relay.
// JSON field names match what the HTTP control API and the settings file use.
package models

import "time"

// Credentials are the Planet Radio account login. They are supplied by the
// settings store and never written anywhere by the session manager.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Empty reports whether either half of the login is missing.
func (c Credentials) Empty() bool {
	return c.Username == "" || c.Password == ""
}

// Session is an authenticated identity returned by the login handshake.
// UserID and Token are either both set or both empty.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	CSRF      string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now. A session
// whose expiry was never set is treated as expired.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt.IsZero() || now.After(s.ExpiresAt)
}

// StationInfo is the UI-facing description of a station.
type StationInfo struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	Tagline    string `json:"tagline,omitempty"`
	ArtworkURL string `json:"artwork_url,omitempty"`
}

// NowPlaying is the flat "now playing" object pushed to the state sink.
type NowPlaying struct {
	Status     string    `json:"status"` // "play" | "stop"
	Service    string    `json:"service"`
	Station    string    `json:"station,omitempty"`
	Title      string    `json:"title,omitempty"`
	Artist     string    `json:"artist,omitempty"`
	Album      string    `json:"album,omitempty"`
	ArtworkURL string    `json:"albumart,omitempty"`
	URI        string    `json:"uri,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Status is the controller snapshot returned by GET /api/status.
type Status struct {
	NowPlaying    NowPlaying `json:"now_playing"`
	StationCode   string     `json:"station_code,omitempty"`
	RelayKind     string     `json:"relay_kind,omitempty"`
	RelayState    string     `json:"relay_state,omitempty"`
	LocalURL      string     `json:"local_url,omitempty"`
	Authenticated bool       `json:"authenticated"`
}

// ServiceName is reported as NowPlaying.Service.
const ServiceName = "planet_radio"
