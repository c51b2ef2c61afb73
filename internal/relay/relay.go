// Package relay exposes an authenticated upstream stream as a plain local
// HTTP stream that MPD can play. Two strategies exist: DirectRelay pipes one
// continuous AAC response, HLSRelay walks a live M3U8 playlist and
// concatenates its segments.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/micro-nova/planetradio-go/internal/hls"
	"github.com/micro-nova/planetradio-go/internal/models"
	"github.com/micro-nova/planetradio-go/internal/upstream"
)

// State is the lifecycle position of a relay.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Relay is one playback attempt bound to a local port.
type Relay interface {
	// Start binds the local endpoint and performs the first upstream step.
	// It returns the local stream URL to hand to the player.
	Start(ctx context.Context) (string, error)
	// Stop releases the port, timers and upstream connections. Safe to call
	// more than once and from any state.
	Stop() error
	// ServeStream handles GET /stream.
	ServeStream(w http.ResponseWriter, r *http.Request)
	State() State
	Kind() models.StreamKind
	ID() string
	// LocalURL is the bound stream URL, "" before Start.
	LocalURL() string
}

// URLSigner adds listener parameters to an outbound URL.
type URLSigner interface {
	Sign(rawURL string) (string, error)
}

// Defaults for Deps fields left zero.
const (
	DefaultSegmentRetryDelay = 2 * time.Second
	DefaultRefreshRetryDelay = 3 * time.Second
	DefaultRefreshInterval   = 2 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultSegmentTimeout    = 10 * time.Second
)

// Deps are the collaborators and tunables shared by both strategies.
type Deps struct {
	Client *upstream.Client
	Signer URLSigner

	// Metadata resolves track and show details. Nil disables metadata.
	Metadata *MetadataFetcher
	// OnMetadata receives debounced now-playing updates.
	OnMetadata func(models.NowPlaying)
	// Station is used for show fallback lookups and default artwork.
	Station models.StationInfo

	MetadataDelay     time.Duration
	MetadataPushURL   string
	MediaPlaylistName string
	SegmentRetryDelay time.Duration
	RefreshRetryDelay time.Duration
	RefreshInterval   time.Duration
	ReconnectDelay    time.Duration
	// SegmentTimeout is the minimum time allowed for one segment download.
	// Longer segments get three times their duration.
	SegmentTimeout time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Client == nil {
		d.Client = upstream.New()
	}
	if d.MediaPlaylistName == "" {
		d.MediaPlaylistName = hls.DefaultMediaPlaylistName
	}
	if d.SegmentRetryDelay <= 0 {
		d.SegmentRetryDelay = DefaultSegmentRetryDelay
	}
	if d.RefreshRetryDelay <= 0 {
		d.RefreshRetryDelay = DefaultRefreshRetryDelay
	}
	if d.RefreshInterval <= 0 {
		d.RefreshInterval = DefaultRefreshInterval
	}
	if d.ReconnectDelay <= 0 {
		d.ReconnectDelay = DefaultReconnectDelay
	}
	if d.SegmentTimeout <= 0 {
		d.SegmentTimeout = DefaultSegmentTimeout
	}
	if d.MetadataDelay < 0 {
		d.MetadataDelay = 0
	}
	return d
}

// sign signs rawURL when a signer is configured.
func (d Deps) sign(rawURL string) (string, error) {
	if d.Signer == nil {
		return rawURL, nil
	}
	return d.Signer.Sign(rawURL)
}

// Classify derives the stream descriptor from the URL shape: a path ending
// in .m3u8 is HLS, anything else is a direct stream.
func Classify(rawURL string) (models.StreamDescriptor, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.StreamDescriptor{}, fmt.Errorf("classify: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return models.StreamDescriptor{}, fmt.Errorf("classify: unsupported scheme %q", u.Scheme)
	}
	kind := models.StreamDirect
	if strings.HasSuffix(strings.ToLower(u.Path), ".m3u8") {
		kind = models.StreamHLS
	}
	return models.StreamDescriptor{BaseURL: rawURL, Kind: kind}, nil
}

// New returns the relay strategy for desc.
func New(desc models.StreamDescriptor, deps Deps) (Relay, error) {
	deps = deps.withDefaults()
	switch desc.Kind {
	case models.StreamDirect:
		return newDirectRelay(desc.BaseURL, deps), nil
	case models.StreamHLS:
		return newHLSRelay(desc.BaseURL, deps), nil
	}
	return nil, fmt.Errorf("relay: unknown stream kind %d", desc.Kind)
}
