// Package stations resolves Planet Radio station codes to station details and
// premium stream URLs, caching results per code.
package stations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/micro-nova/planetradio-go/internal/metrics"
	"github.com/micro-nova/planetradio-go/internal/models"
	"github.com/micro-nova/planetradio-go/internal/upstream"
)

// Fetcher is the subset of upstream.Client the resolver needs.
type Fetcher interface {
	GetJSON(ctx context.Context, url string, v interface{}) error
}

// Config selects the API base and the station list anchor.
type Config struct {
	APIBase     string
	Region      string
	MainStation string
}

// ListOptions controls ListStations.
type ListOptions struct {
	// UseCache keeps existing cache entries. The default clears the cache so
	// a listing always reflects upstream.
	UseCache bool
}

// Resolver maps station codes to StationInfo and stream URLs.
type Resolver struct {
	fetch Fetcher

	mu    sync.RWMutex
	cfg   Config
	cache map[string]station
	order []string // codes from the last listing, main first

	group singleflight.Group
}

// NewResolver creates a Resolver.
func NewResolver(fetch Fetcher, cfg Config) *Resolver {
	return &Resolver{
		fetch: fetch,
		cfg:   cfg,
		cache: make(map[string]station),
	}
}

// Configure swaps the API settings. A change clears the cache.
func (r *Resolver) Configure(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg == cfg {
		return
	}
	r.cfg = cfg
	r.cache = make(map[string]station)
	r.order = nil
}

// ClearCache drops every cached station.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]station)
	r.order = nil
}

// ListStations returns the main station followed by every related station
// sharing its brand, de-duplicated by code.
func (r *Resolver) ListStations(ctx context.Context, opts ListOptions) ([]models.StationInfo, error) {
	if !opts.UseCache {
		r.ClearCache()
	} else if cached := r.cachedList(); cached != nil {
		return cached, nil
	}

	cfg := r.config()
	v, err := r.shared(ctx, "list", func(ctx context.Context) (interface{}, error) {
		return r.fetchList(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	list := v.([]station)

	out := make([]models.StationInfo, 0, len(list))
	r.mu.Lock()
	r.order = r.order[:0]
	for _, st := range list {
		r.cache[st.info.Code] = st
		r.order = append(r.order, st.info.Code)
		out = append(out, st.info)
	}
	r.mu.Unlock()
	return out, nil
}

func (r *Resolver) fetchList(ctx context.Context, cfg Config) ([]station, error) {
	main, err := r.fetchStation(ctx, cfg, cfg.MainStation)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}

	list := []station{main}
	seen := map[string]bool{main.info.Code: true}

	brand := main.brandCode
	if brand == "" {
		brand = main.info.Code
	}
	relatedURL := fmt.Sprintf("%s/stations/%s?StationBrandCode=%s&premium=1",
		strings.TrimRight(cfg.APIBase, "/"), url.PathEscape(cfg.Region), url.QueryEscape(brand))

	var related []apiStation
	if err := r.fetch.GetJSON(ctx, relatedURL, &related); err != nil {
		// The main station alone is still a usable list.
		slog.Warn("stations: related lookup failed", "brand", brand, "err", err)
		return list, nil
	}
	for _, s := range related {
		if s.Code == "" || seen[s.Code] {
			continue
		}
		seen[s.Code] = true
		list = append(list, s.toStation())
	}
	slog.Debug("stations: listed", "brand", brand, "count", len(list))
	return list, nil
}

// StationInfo returns the details for code, fetching them on a cache miss.
func (r *Resolver) StationInfo(ctx context.Context, code string) (models.StationInfo, error) {
	st, err := r.lookup(ctx, code)
	if err != nil {
		return models.StationInfo{}, err
	}
	return st.info, nil
}

// StreamURL returns the first high-quality premium stream for code.
func (r *Resolver) StreamURL(ctx context.Context, code string) (string, error) {
	st, err := r.lookup(ctx, code)
	if err != nil {
		return "", err
	}
	u, ok := st.bestStream()
	if !ok {
		return "", &models.NoStreamError{Code: code}
	}
	return u, nil
}

func (r *Resolver) lookup(ctx context.Context, code string) (station, error) {
	if code == "" {
		return station{}, &models.NotFoundError{Code: code}
	}
	r.mu.RLock()
	st, ok := r.cache[code]
	cfg := r.cfg
	r.mu.RUnlock()
	if ok {
		metrics.StationCache.WithLabelValues("hit").Inc()
		return st, nil
	}
	metrics.StationCache.WithLabelValues("miss").Inc()

	v, err := r.shared(ctx, "station:"+code, func(ctx context.Context) (interface{}, error) {
		return r.fetchStation(ctx, cfg, code)
	})
	if err != nil {
		return station{}, err
	}
	st = v.(station)

	r.mu.Lock()
	if r.cfg == cfg {
		r.cache[code] = st
	}
	r.mu.Unlock()
	return st, nil
}

// shared runs fn once for all concurrent callers of key. The fetch is
// detached from any one caller's cancellation and bounded by the API client
// timeout; each caller still returns as soon as its own ctx is done.
func (r *Resolver) shared(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) fetchStation(ctx context.Context, cfg Config, code string) (station, error) {
	u := fmt.Sprintf("%s/initweb/%s", strings.TrimRight(cfg.APIBase, "/"), url.PathEscape(code))

	var s apiStation
	if err := r.fetch.GetJSON(ctx, u, &s); err != nil {
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return station{}, &models.NotFoundError{Code: code}
		}
		return station{}, fmt.Errorf("station %s: %w", code, err)
	}
	if s.Code == "" || !strings.EqualFold(s.Code, code) {
		return station{}, &models.NotFoundError{Code: code}
	}
	s.Code = code
	return s.toStation(), nil
}

func (r *Resolver) cachedList() []models.StationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	out := make([]models.StationInfo, 0, len(r.order))
	for _, code := range r.order {
		if st, ok := r.cache[code]; ok {
			out = append(out, st.info)
		}
	}
	return out
}

func (r *Resolver) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}
