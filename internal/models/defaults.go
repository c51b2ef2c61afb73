package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Upstream defaults for the Planet Radio network.
const (
	DefaultAuthURL         = "https://account.planetradio.co.uk/api/login"
	DefaultAPIBase         = "https://listenapi.planetradio.co.uk/api9.2"
	DefaultMetadataPushURL = "https://metadata.musicradio.planetradio.co.uk/v1/events"

	DefaultRegion        = "GB"
	DefaultMainStation   = "pln"
	DefaultMPDAddress    = "localhost:6600"
	DefaultMetadataDelay = 4 * time.Second
)

// DefaultSettings returns the settings used when no settings file exists.
func DefaultSettings() Settings {
	return Settings{
		Region:        DefaultRegion,
		MainStation:   DefaultMainStation,
		MetadataDelay: Duration(DefaultMetadataDelay),
		MPDAddress:    DefaultMPDAddress,
		Endpoints: Endpoints{
			Auth:         DefaultAuthURL,
			API:          DefaultAPIBase,
			MetadataPush: DefaultMetadataPushURL,
		},
	}
}

// MarshalJSON writes the duration as a string such as "4s".
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "4s"-style strings or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
