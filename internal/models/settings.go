package models

import "time"

// Settings is the persisted plugin configuration (settings.json).
type Settings struct {
	Username string `json:"username"`
	Password string `json:"password"`

	Region      string `json:"region"`       // listener region sent with signed URLs, e.g. "GB"
	MainStation string `json:"main_station"` // brand anchor for the station list, e.g. "pln"

	// MetadataDelay postpones now-playing updates so they line up with
	// the audio the player has buffered.
	MetadataDelay Duration `json:"metadata_delay"`

	MPDAddress  string `json:"mpd_address"`
	MPDPassword string `json:"mpd_password,omitempty"`

	// APIKey protects the control API when set.
	APIKey string `json:"api_key,omitempty"`

	Endpoints Endpoints `json:"endpoints"`
}

// Endpoints are the upstream API bases. They are configurable so tests and
// regional deployments can point elsewhere.
type Endpoints struct {
	Auth         string `json:"auth"`
	API          string `json:"api"`
	MetadataPush string `json:"metadata_push"`
}

// Credentials returns the login half of the settings.
func (s Settings) Credentials() Credentials {
	return Credentials{Username: s.Username, Password: s.Password}
}

// Duration is a time.Duration that reads and writes as a Go duration string
// ("4s") and also accepts a plain number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
