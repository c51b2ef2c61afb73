// Package zeroconf advertises the control API over mDNS/DNS-SD so players
// and UIs on the LAN can find the relay without configuration.
package zeroconf

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType = "_http._tcp"
	domain      = "local."
)

// Service manages mDNS service registration.
type Service struct {
	name    string // instance name, usually the hostname
	port    int
	version string
	secured bool
}

// New creates a Service that will advertise the control API on port.
// secured reports whether the API requires an api-key.
func New(name string, port int, version string, secured bool) *Service {
	return &Service{name: name, port: port, version: version, secured: secured}
}

// TXT returns the TXT records published with the service.
func (s *Service) TXT() []string {
	auth := "none"
	if s.secured {
		auth = "api-key"
	}
	return []string{
		"model=planetradio",
		"version=" + s.version,
		"path=/api",
		"auth=" + auth,
	}
}

// Start registers the mDNS service and blocks until ctx is cancelled, at which
// point it shuts down the server cleanly.
func (s *Service) Start(ctx context.Context) error {
	txt := s.TXT()

	server, err := zeroconf.Register(
		s.name,      // instance name
		serviceType, // service type
		domain,      // domain
		s.port,      // port
		txt,         // TXT records
		nil,         // ifaces: nil means all interfaces
	)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	slog.Info("zeroconf: registered mDNS service",
		"name", s.name,
		"port", s.port,
		"txt", txt,
	)

	<-ctx.Done()

	server.Shutdown()
	slog.Info("zeroconf: mDNS service unregistered")
	return nil
}
