package config

import (
	"log/slog"
	"strings"

	"github.com/micro-nova/planetradio-go/internal/models"
)

// migrateSettings fills in default values for fields that may be missing
// in older settings files.
func migrateSettings(s *models.Settings) {
	def := models.DefaultSettings()

	s.Username = strings.TrimSpace(s.Username)

	if s.Region == "" {
		s.Region = def.Region
	}
	s.Region = strings.ToUpper(s.Region)

	if s.MainStation == "" {
		s.MainStation = def.MainStation
	}
	if s.MetadataDelay < 0 {
		slog.Warn("config: negative metadata delay, using default", "delay", s.MetadataDelay.Std())
		s.MetadataDelay = def.MetadataDelay
	}
	if s.MPDAddress == "" {
		s.MPDAddress = def.MPDAddress
	}

	// Endpoints may be absent entirely in files written before they were
	// configurable.
	if s.Endpoints.Auth == "" {
		s.Endpoints.Auth = def.Endpoints.Auth
	}
	if s.Endpoints.API == "" {
		s.Endpoints.API = def.Endpoints.API
	}
	if s.Endpoints.MetadataPush == "" {
		s.Endpoints.MetadataPush = def.Endpoints.MetadataPush
	}
	s.Endpoints.API = strings.TrimRight(s.Endpoints.API, "/")
}
