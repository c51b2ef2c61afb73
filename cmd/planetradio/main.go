// Command planetradio relays authenticated Planet Radio streams to a local
// MPD instance and exposes a small control API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/micro-nova/planetradio-go/internal/api"
	"github.com/micro-nova/planetradio-go/internal/config"
	"github.com/micro-nova/planetradio-go/internal/controller"
	"github.com/micro-nova/planetradio-go/internal/events"
	"github.com/micro-nova/planetradio-go/internal/identity"
	"github.com/micro-nova/planetradio-go/internal/maintenance"
	"github.com/micro-nova/planetradio-go/internal/player"
	"github.com/micro-nova/planetradio-go/internal/upstream"
	"github.com/micro-nova/planetradio-go/internal/zeroconf"
)

func main() {
	var (
		addr       = flag.String("addr", ":8090", "HTTP listen address for the control API")
		cfgDir     = flag.String("config-dir", "", "config directory (default: ~/.config/planetradio)")
		debug      = flag.Bool("debug", false, "enable debug logging")
		mpdAddr    = flag.String("mpd", "", "MPD address host:port or socket path (saved to settings)")
		noZeroconf = flag.Bool("no-zeroconf", false, "do not advertise the control API over mDNS")
	)
	flag.Parse()

	// Configure logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Resolve config directory
	if *cfgDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("cannot determine home directory", "err", err)
			os.Exit(1)
		}
		*cfgDir = filepath.Join(home, ".config", "planetradio")
	}
	if err := os.MkdirAll(*cfgDir, 0700); err != nil {
		slog.Error("cannot create config directory", "path", *cfgDir, "err", err)
		os.Exit(1)
	}

	// Graceful shutdown context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Config store
	store := config.NewJSONStore(*cfgDir)
	settings, err := store.Load()
	if err != nil {
		slog.Error("cannot load settings", "path", store.Path(), "err", err)
		os.Exit(1)
	}
	if *mpdAddr != "" && *mpdAddr != settings.MPDAddress {
		settings.MPDAddress = *mpdAddr
		if err := store.Save(settings); err != nil {
			slog.Warn("failed to save mpd address", "err", err)
		} else if err := store.Flush(); err != nil {
			slog.Warn("failed to write mpd address", "err", err)
		}
	}

	bus := events.NewBus()
	client := upstream.New()
	mpd := player.NewMPDSink(settings.MPDAddress, settings.MPDPassword)

	// Controller
	ctrl, err := controller.New(store, bus, mpd, client)
	if err != nil {
		slog.Error("controller initialization failed", "err", err)
		os.Exit(1)
	}

	// Settings watcher: external edits of settings.json are applied live.
	watcher, err := config.NewWatcher(store, ctrl.Settings(), ctrl.OnSettingsChanged)
	if err != nil {
		slog.Warn("settings watcher unavailable", "err", err)
	} else {
		ctrl.OnSettingsSaved(watcher.Accept)
		go watcher.Run(ctx)
		defer watcher.Close()
	}

	// Maintenance goroutines (upstream reachability, settings backups)
	maint := maintenance.New(*cfgDir,
		func() string { return maintenance.UpstreamTarget(ctrl.Settings().Endpoints.API) },
		func(online bool) {
			slog.Info("upstream reachability changed", "online", online)
		},
	)
	go maint.Start(ctx)

	// Zeroconf mDNS registration
	id := identity.Get(*cfgDir)
	if !*noZeroconf {
		port := 80
		if _, p, err := net.SplitHostPort(*addr); err == nil {
			if n, err := strconv.Atoi(p); err == nil {
				port = n
			}
		}
		zc := zeroconf.New(id.Hostname, port, id.Version, settings.APIKey != "")
		go func() {
			if err := zc.Start(ctx); err != nil {
				slog.Warn("zeroconf failed", "err", err)
			}
		}()
	}

	// HTTP server
	srv := &http.Server{
		Addr:         *addr,
		Handler:      api.NewRouter(ctrl, bus),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout (needed for SSE)
		IdleTimeout:  120 * time.Second,
		// SSE subscribers end with ctx instead of holding up Shutdown.
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		slog.Info("planetradio listening", "addr", *addr, "config", *cfgDir, "version", id.Version, "mpd", settings.MPDAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()

	// Stop playback so MPD does not keep pointing at a dead local port
	if err := ctrl.Stop(shutCtx); err != nil {
		slog.Warn("playback stop error", "err", err)
	}

	// Flush pending config writes
	if err := store.Flush(); err != nil {
		slog.Warn("failed to flush config", "err", err)
	}

	// Graceful HTTP shutdown
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}

	slog.Info("shutdown complete")
}
