package stations

import (
	"encoding/json"
	"strings"

	"github.com/micro-nova/planetradio-go/internal/models"
)

// apiStation is the station object returned by the initweb and stations
// endpoints. Only the fields the relay uses are decoded.
type apiStation struct {
	Code      string      `json:"stationCode"`
	Name      string      `json:"stationName"`
	Strapline string      `json:"stationStrapline"`
	BrandCode string      `json:"stationBrandCode"`
	Logo      string      `json:"stationListenBarLogo"`
	Square    string      `json:"stationSquareLogo"`
	Streams   []apiStream `json:"stationStreams"`
}

type apiStream struct {
	URL     string   `json:"streamUrl"`
	Type    string   `json:"streamType"`
	Quality string   `json:"streamQuality"`
	Premium flexBool `json:"streamPremium"`
}

// flexBool decodes JSON true/false as well as the strings "true"/"false".
// Different API versions have used both.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case bool:
		*b = flexBool(val)
	case string:
		*b = flexBool(strings.EqualFold(strings.TrimSpace(val), "true"))
	case float64:
		*b = flexBool(val != 0)
	default:
		*b = false
	}
	return nil
}

// station is the cached form: the UI-facing info plus what the resolver
// needs to pick a stream.
type station struct {
	info      models.StationInfo
	brandCode string
	streams   []apiStream
}

func (s apiStation) toStation() station {
	art := s.Square
	if art == "" {
		art = s.Logo
	}
	return station{
		info: models.StationInfo{
			Code:       s.Code,
			Name:       s.Name,
			Tagline:    s.Strapline,
			ArtworkURL: art,
		},
		brandCode: s.BrandCode,
		streams:   s.Streams,
	}
}

// bestStream returns the first high-quality premium stream URL.
func (s station) bestStream() (string, bool) {
	for _, st := range s.streams {
		if strings.EqualFold(st.Quality, "hq") && bool(st.Premium) && st.URL != "" {
			return st.URL, true
		}
	}
	return "", false
}
