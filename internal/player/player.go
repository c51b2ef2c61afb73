// Package player drives the MPD instance that renders the relay's local
// stream.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fhs/gompd/v2/mpd"
)

// Player is the playback sink the controller talks to.
type Player interface {
	// PlayURI replaces the queue with uri and starts playback. The queue is
	// put in consume mode so the entry disappears once playback ends.
	PlayURI(ctx context.Context, uri string) error
	// Stop halts playback without touching the queue.
	Stop(ctx context.Context) error
}

// MPDSink is a Player backed by an MPD server. Every call dials a short-lived
// connection, so a restarted MPD is picked up without reconnect logic.
type MPDSink struct {
	mu       sync.Mutex
	addr     string
	password string
}

// NewMPDSink returns a sink for the MPD server at addr. An addr starting with
// "/" is treated as a unix socket path.
func NewMPDSink(addr, password string) *MPDSink {
	return &MPDSink{addr: addr, password: password}
}

// SetAddress repoints the sink; the next command uses the new server.
func (s *MPDSink) SetAddress(addr, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != addr {
		slog.Info("player: mpd address changed", "addr", addr)
	}
	s.addr = addr
	s.password = password
}

// Address returns the configured server address.
func (s *MPDSink) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *MPDSink) PlayURI(ctx context.Context, uri string) error {
	return s.do(ctx, "play", func(c *mpd.Client) error {
		if err := c.Stop(); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		if err := c.Clear(); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		if err := c.Add(uri); err != nil {
			return fmt.Errorf("add: %w", err)
		}
		if err := c.Consume(true); err != nil {
			return fmt.Errorf("consume: %w", err)
		}
		if err := c.Play(-1); err != nil {
			return fmt.Errorf("play: %w", err)
		}
		return nil
	})
}

func (s *MPDSink) Stop(ctx context.Context) error {
	return s.do(ctx, "stop", func(c *mpd.Client) error {
		return c.Stop()
	})
}

// do runs fn against a fresh client and closes it afterwards.
func (s *MPDSink) do(ctx context.Context, src string, fn func(c *mpd.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := s.dial()
	if err != nil {
		slog.Warn("player: mpd dial failed", "op", src, "err", err)
		return fmt.Errorf("mpd dial: %w", err)
	}
	defer c.Close()

	if err := fn(c); err != nil {
		return fmt.Errorf("mpd %s: %w", src, err)
	}
	slog.Debug("player: mpd command done", "op", src)
	return nil
}

func (s *MPDSink) dial() (*mpd.Client, error) {
	s.mu.Lock()
	addr, password := s.addr, s.password
	s.mu.Unlock()

	network := "tcp"
	if strings.HasPrefix(addr, "/") {
		network = "unix"
	}
	if password != "" {
		return mpd.DialAuthenticated(network, addr, password)
	}
	return mpd.Dial(network, addr)
}
