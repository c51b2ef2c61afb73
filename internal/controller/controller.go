// Package controller is the plugin state machine: it owns the account
// session, the station resolver and the single active relay, and turns a
// station selection into MPD playback.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/micro-nova/planetradio-go/internal/auth"
	"github.com/micro-nova/planetradio-go/internal/config"
	"github.com/micro-nova/planetradio-go/internal/events"
	"github.com/micro-nova/planetradio-go/internal/models"
	"github.com/micro-nova/planetradio-go/internal/player"
	"github.com/micro-nova/planetradio-go/internal/relay"
	"github.com/micro-nova/planetradio-go/internal/stations"
	"github.com/micro-nova/planetradio-go/internal/upstream"
	"github.com/micro-nova/planetradio-go/internal/urlsign"
)

var errNoCredentials = errors.New("no username or password configured")

// RelayFactory builds a relay for a classified stream. relay.New is the
// default; tests substitute their own.
type RelayFactory func(desc models.StreamDescriptor, deps relay.Deps) (relay.Relay, error)

// Option customizes a Controller.
type Option func(*Controller)

// WithRelayFactory replaces relay.New.
func WithRelayFactory(f RelayFactory) Option {
	return func(c *Controller) { c.newRelay = f }
}

// WithRelayTuning lets the caller adjust relay deps before each relay is
// built, e.g. to shorten retry delays in tests.
func WithRelayTuning(fn func(*relay.Deps)) Option {
	return func(c *Controller) { c.tune = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSessionOptions are passed through to auth.NewSession.
func WithSessionOptions(opts ...auth.Option) Option {
	return func(c *Controller) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// Controller serializes playback commands so at most one relay exists.
type Controller struct {
	// playMu is held for the whole of a play or stop command.
	playMu sync.Mutex

	client   *upstream.Client
	session  *auth.Session
	resolver *stations.Resolver
	player   player.Player
	store    config.Store
	bus      *events.Bus

	newRelay    RelayFactory
	tune        func(*relay.Deps)
	now         func() time.Time
	sessionOpts []auth.Option

	mu       sync.RWMutex
	settings models.Settings
	active   relay.Relay
	station  models.StationInfo
	playing  models.NowPlaying
	gen      uint64
	onSaved  func(models.Settings)

	// playingGen is the generation that produced playing.
	playingGen uint64
}

// New loads settings from store and wires the session and resolver to the
// configured endpoints.
func New(store config.Store, bus *events.Bus, pl player.Player, client *upstream.Client, opts ...Option) (*Controller, error) {
	settings, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	c := &Controller{
		client:   client,
		player:   pl,
		store:    store,
		bus:      bus,
		newRelay: relay.New,
		now:      time.Now,
		settings: *settings,
		playing:  stoppedNowPlaying(time.Now()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.playing.UpdatedAt = c.now()

	c.session = auth.NewSession(client, settings.Endpoints.Auth, c.sessionOpts...)
	c.resolver = stations.NewResolver(client, resolverConfig(*settings))
	return c, nil
}

// OnSettingsSaved registers fn to be told about settings the controller
// itself persisted. The file watcher uses it to skip its own writes.
func (c *Controller) OnSettingsSaved(fn func(models.Settings)) {
	c.mu.Lock()
	c.onSaved = fn
	c.mu.Unlock()
}

// Settings returns the settings in effect.
func (c *Controller) Settings() models.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Status returns a snapshot for the control API.
func (c *Controller) Status() models.Status {
	authenticated := c.session.IsValid()

	c.mu.RLock()
	defer c.mu.RUnlock()
	st := models.Status{
		NowPlaying:    c.playing,
		Authenticated: authenticated,
	}
	if c.active != nil {
		st.StationCode = c.station.Code
		st.RelayKind = c.active.Kind().String()
		st.RelayState = c.active.State().String()
		st.LocalURL = c.active.LocalURL()
	}
	return st
}

// NowPlaying returns the last state published to the bus.
func (c *Controller) NowPlaying() models.NowPlaying {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playing
}

// EnsureAuthenticated returns the user id of a valid session, logging in with
// the stored credentials when needed.
func (c *Controller) EnsureAuthenticated(ctx context.Context) (string, error) {
	creds := c.Settings().Credentials()
	if creds.Empty() {
		return "", &models.AuthError{Op: "authenticate", Err: errNoCredentials}
	}
	return c.session.Authenticate(ctx, creds.Username, creds.Password)
}

// Stations lists the stations of the configured brand.
func (c *Controller) Stations(ctx context.Context, useCache bool) ([]models.StationInfo, error) {
	return c.resolver.ListStations(ctx, stations.ListOptions{UseCache: useCache})
}

// StationInfo returns the details for one station code.
func (c *Controller) StationInfo(ctx context.Context, code string) (models.StationInfo, error) {
	return c.resolver.StationInfo(ctx, code)
}

// UpdateCredentials persists new credentials. The current session is dropped
// before returning so the next play logs in with them.
func (c *Controller) UpdateCredentials(ctx context.Context, creds models.Credentials) error {
	c.mu.Lock()
	next := c.settings
	next.Username = creds.Username
	next.Password = creds.Password
	c.settings = next
	onSaved := c.onSaved
	c.mu.Unlock()

	c.session.Invalidate()
	if err := c.store.Save(&next); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if onSaved != nil {
		onSaved(next)
	}
	slog.Info("controller: credentials updated", "username", next.Username)
	return nil
}

// OnSettingsChanged applies settings edited outside the daemon.
func (c *Controller) OnSettingsChanged(s models.Settings) {
	c.mu.Lock()
	prev := c.settings
	c.settings = s
	c.mu.Unlock()

	if prev.Credentials() != s.Credentials() {
		c.session.Invalidate()
	}
	c.session.SetAuthURL(s.Endpoints.Auth)
	c.resolver.Configure(resolverConfig(s))
	if m, ok := c.player.(*player.MPDSink); ok {
		m.SetAddress(s.MPDAddress, s.MPDPassword)
	}
	slog.Info("controller: settings applied", "region", s.Region, "main_station", s.MainStation)
}

// ClearAddPlayTrack replaces whatever is playing with the station identified
// by code: the old relay is stopped first, then a new relay is started and
// MPD is pointed at it.
//
// If the new station cannot be started, MPD is stopped and a stopped state
// is published.
func (c *Controller) ClearAddPlayTrack(ctx context.Context, code string) error {
	c.playMu.Lock()
	defer c.playMu.Unlock()

	replaced := c.stopRelay()
	if err := c.startPlayback(ctx, code); err != nil {
		if replaced {
			if perr := c.player.Stop(context.WithoutCancel(ctx)); perr != nil {
				slog.Warn("controller: player stop failed", "err", perr)
			}
		}
		c.publish(c.nextGen(), stoppedNowPlaying(c.now()))
		return err
	}
	return nil
}

// startPlayback does the work of ClearAddPlayTrack. Caller holds playMu.
func (c *Controller) startPlayback(ctx context.Context, code string) error {
	uid, err := c.EnsureAuthenticated(ctx)
	if err != nil {
		return err
	}
	info, err := c.resolver.StationInfo(ctx, code)
	if err != nil {
		return err
	}
	streamURL, err := c.resolver.StreamURL(ctx, code)
	if err != nil {
		return err
	}

	settings := c.Settings()
	signer := urlsign.Signer{UserID: uid, Region: settings.Region, Now: c.now}
	signed, err := signer.Sign(streamURL)
	if err != nil {
		return fmt.Errorf("sign stream url: %w", err)
	}
	desc, err := relay.Classify(signed)
	if err != nil {
		return &models.RelayStartError{URL: code, Err: err}
	}

	gen := c.nextGen()
	deps := relay.Deps{
		Client:          c.client,
		Signer:          signer,
		Metadata:        relay.NewMetadataFetcher(c.client, settings.Endpoints.API),
		OnMetadata:      func(np models.NowPlaying) { c.publish(gen, np) },
		Station:         info,
		MetadataDelay:   settings.MetadataDelay.Std(),
		MetadataPushURL: settings.Endpoints.MetadataPush,
	}
	if c.tune != nil {
		c.tune(&deps)
	}

	r, err := c.newRelay(desc, deps)
	if err != nil {
		return &models.RelayStartError{URL: code, Err: err}
	}
	localURL, err := r.Start(ctx)
	if err != nil {
		_ = r.Stop()
		return err
	}
	if err := c.player.PlayURI(ctx, localURL); err != nil {
		_ = r.Stop()
		return fmt.Errorf("player: %w", err)
	}

	c.mu.Lock()
	c.active = r
	c.station = info
	c.mu.Unlock()

	slog.Info("controller: playing", "station", code, "kind", desc.Kind, "relay", r.ID(), "local_url", localURL)
	c.publishInitial(gen, relay.StationNowPlaying(info, c.now()))
	return nil
}

// Stop halts MPD and then the relay.
func (c *Controller) Stop(ctx context.Context) error {
	c.playMu.Lock()
	defer c.playMu.Unlock()

	perr := c.player.Stop(ctx)
	if perr != nil {
		slog.Warn("controller: player stop failed", "err", perr)
	}
	c.stopRelay()

	gen := c.nextGen()
	c.publish(gen, stoppedNowPlaying(c.now()))
	return perr
}

// Close stops the active relay without touching the player.
func (c *Controller) Close() error {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.stopRelay()
	return nil
}

// stopRelay stops and forgets the active relay, reporting whether there was
// one. Caller holds playMu.
func (c *Controller) stopRelay() bool {
	c.mu.Lock()
	r := c.active
	c.active = nil
	c.station = models.StationInfo{}
	c.gen++
	c.mu.Unlock()

	if r == nil {
		return false
	}
	if err := r.Stop(); err != nil {
		slog.Warn("controller: relay stop failed", "relay", r.ID(), "err", err)
	}
	return true
}

func (c *Controller) nextGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.gen
}

// publish records np and pushes it to subscribers unless a newer play or
// stop command has happened since gen was taken.
func (c *Controller) publish(gen uint64, np models.NowPlaying) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.playing = np
	c.playingGen = gen
	c.mu.Unlock()
	c.bus.Publish(np)
}

// publishInitial is publish, except that it yields to any update the relay
// already delivered for gen.
func (c *Controller) publishInitial(gen uint64, np models.NowPlaying) {
	c.mu.RLock()
	delivered := c.playingGen == gen
	c.mu.RUnlock()
	if delivered {
		return
	}
	c.publish(gen, np)
}

func stoppedNowPlaying(now time.Time) models.NowPlaying {
	return models.NowPlaying{Status: "stop", Service: models.ServiceName, UpdatedAt: now}
}

func resolverConfig(s models.Settings) stations.Config {
	return stations.Config{
		APIBase:     s.Endpoints.API,
		Region:      s.Region,
		MainStation: s.MainStation,
	}
}
