package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/micro-nova/planetradio-go/internal/metrics"
	"github.com/micro-nova/planetradio-go/internal/models"
)

// sentinelSuffix marks an event-data URL that carries no track (an ad break
// or speech); the on-air show is shown instead.
const sentinelSuffix = "/eventdata/-1"

var errNoTrack = errors.New("event has no track title")

// JSONFetcher is the subset of upstream.Client the metadata fetcher needs.
type JSONFetcher interface {
	GetJSON(ctx context.Context, url string, v interface{}) error
}

// MetadataFetcher turns event-data URLs into NowPlaying values.
type MetadataFetcher struct {
	fetch   JSONFetcher
	apiBase string
	now     func() time.Time
}

// NewMetadataFetcher creates a fetcher using apiBase for show lookups.
func NewMetadataFetcher(fetch JSONFetcher, apiBase string) *MetadataFetcher {
	return &MetadataFetcher{fetch: fetch, apiBase: strings.TrimRight(apiBase, "/"), now: time.Now}
}

type trackEvent struct {
	Title  string `json:"eventSongTitle"`
	Artist string `json:"eventSongArtist"`
	Album  string `json:"eventSongAlbum"`
	Image  string `json:"eventImageUrl"`
}

type onAirResponse struct {
	StationOnAir struct {
		EpisodeTitle       string `json:"episodeTitle"`
		EpisodeDescription string `json:"episodeDescription"`
		EpisodeImageURL    string `json:"episodeImageUrl"`
	} `json:"stationOnAir"`
}

// IsSentinel reports whether u is the "no track data" event URL.
func IsSentinel(u string) bool {
	p := u
	if parsed, err := url.Parse(u); err == nil {
		p = parsed.Path
	}
	return strings.HasSuffix(strings.TrimRight(p, "/"), sentinelSuffix)
}

// StationNowPlaying is the station-level now-playing used before any track
// data arrives and as the last fallback.
func StationNowPlaying(st models.StationInfo, now time.Time) models.NowPlaying {
	return models.NowPlaying{
		Status:     "play",
		Service:    models.ServiceName,
		Station:    st.Name,
		Title:      st.Name,
		Artist:     st.Tagline,
		ArtworkURL: st.ArtworkURL,
		URI:        st.Code,
		UpdatedAt:  now,
	}
}

// Track fetches the track at an event-data URL.
func (m *MetadataFetcher) Track(ctx context.Context, eventURL string, st models.StationInfo) (models.NowPlaying, error) {
	var ev trackEvent
	if err := m.fetch.GetJSON(ctx, eventURL, &ev); err != nil {
		return models.NowPlaying{}, &models.TransientFetchError{What: "track metadata", Err: err}
	}
	if ev.Title == "" {
		return models.NowPlaying{}, errNoTrack
	}
	np := StationNowPlaying(st, m.now())
	np.Title = ev.Title
	np.Artist = ev.Artist
	np.Album = ev.Album
	if ev.Image != "" {
		np.ArtworkURL = ev.Image
	}
	return np, nil
}

// Show fetches the programme currently on air for the station.
func (m *MetadataFetcher) Show(ctx context.Context, st models.StationInfo) (models.NowPlaying, error) {
	u := fmt.Sprintf("%s/nowplaying/%s", m.apiBase, url.PathEscape(st.Code))
	var resp onAirResponse
	if err := m.fetch.GetJSON(ctx, u, &resp); err != nil {
		return models.NowPlaying{}, &models.TransientFetchError{What: "show metadata", Err: err}
	}
	show := resp.StationOnAir
	if show.EpisodeTitle == "" {
		return models.NowPlaying{}, errors.New("no show on air")
	}
	np := StationNowPlaying(st, m.now())
	np.Title = show.EpisodeTitle
	np.Artist = show.EpisodeDescription
	if show.EpisodeImageURL != "" {
		np.ArtworkURL = show.EpisodeImageURL
	}
	return np, nil
}

// Resolve returns the best now-playing for eventURL: the track, else the
// on-air show, else the station itself. It never fails.
func (m *MetadataFetcher) Resolve(ctx context.Context, eventURL string, st models.StationInfo) models.NowPlaying {
	if eventURL != "" && !IsSentinel(eventURL) {
		np, err := m.Track(ctx, eventURL, st)
		if err == nil {
			metrics.MetadataPushes.WithLabelValues("track").Inc()
			return np
		}
		slog.Debug("relay: track metadata unavailable, using show", "station", st.Code, "err", err)
	}

	np, err := m.Show(ctx, st)
	if err == nil {
		metrics.MetadataPushes.WithLabelValues("show").Inc()
		return np
	}
	slog.Debug("relay: show metadata unavailable", "station", st.Code, "err", err)
	metrics.MetadataPushes.WithLabelValues("station").Inc()
	return StationNowPlaying(st, m.now())
}
