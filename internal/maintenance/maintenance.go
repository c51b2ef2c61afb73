// Package maintenance runs the daemon's background housekeeping: upstream
// reachability checks and daily backups of the settings file.
package maintenance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/micro-nova/planetradio-go/internal/metrics"
)

const (
	onlineInterval = 5 * time.Minute
	dialTimeout    = 3 * time.Second
	backupMaxAge   = 30 * 24 * time.Hour
	backupPrefix   = "settings-"
	backupSuffix   = ".json"
	settingsFile   = "settings.json"
)

// dialFunc is a variable so tests can inject a mock dialer.
var dialFunc = func(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// Service manages background maintenance goroutines.
type Service struct {
	configDir string
	target    func() string // host:port probed by the online check
	onOnline  func(bool)    // callback when online status changes

	mu         sync.Mutex
	checked    bool
	lastOnline bool
}

// New creates a new maintenance Service. target is re-evaluated on every
// check so endpoint changes in settings are followed.
func New(configDir string, target func() string, onOnline func(bool)) *Service {
	return &Service{
		configDir: configDir,
		target:    target,
		onOnline:  onOnline,
	}
}

// Start launches all background maintenance goroutines.
// Blocks until ctx is cancelled; all goroutines respect the context.
func (s *Service) Start(ctx context.Context) {
	go s.runCheckOnline(ctx)
	go s.runBackup(ctx)

	// Block until cancelled
	<-ctx.Done()
}

// UpstreamTarget returns the host:port to probe for an endpoint URL.
func UpstreamTarget(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	if port := u.Port(); port != "" {
		return net.JoinHostPort(u.Hostname(), port)
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// CheckOnline probes the upstream once and reports status changes.
func (s *Service) CheckOnline() bool {
	addr := s.target()
	online := false
	if addr != "" {
		conn, err := dialFunc("tcp", addr, dialTimeout)
		online = err == nil
		if conn != nil {
			conn.Close()
		}
	}
	if online {
		metrics.UpstreamReachable.Set(1)
	} else {
		metrics.UpstreamReachable.Set(0)
	}

	s.mu.Lock()
	changed := !s.checked || online != s.lastOnline
	s.checked = true
	s.lastOnline = online
	s.mu.Unlock()

	if changed {
		slog.Info("maintenance: upstream reachability", "target", addr, "online", online)
		if s.onOnline != nil {
			s.onOnline(online)
		}
	}
	return online
}

// runCheckOnline checks upstream connectivity every 5 minutes.
func (s *Service) runCheckOnline(ctx context.Context) {
	s.CheckOnline() // immediate first check

	ticker := time.NewTicker(onlineInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckOnline()
		}
	}
}

// runBackup performs daily backups at 2am.
func (s *Service) runBackup(ctx context.Context) {
	for {
		now := time.Now()
		// Next 2am
		next2am := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, now.Location())
		if !next2am.After(now) {
			next2am = next2am.Add(24 * time.Hour)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(next2am.Sub(now)):
			path, err := s.RunBackupNow()
			if err != nil {
				slog.Error("maintenance: backup failed", "err", err)
			} else {
				slog.Info("maintenance: backup created", "file", path)
			}
		}
	}
}

func (s *Service) backupDir() string {
	return filepath.Join(s.configDir, "backups")
}

// RunBackupNow copies the settings file into the backup directory and
// returns the backup path. The copy keeps the owner-only mode because the
// file holds the account password.
func (s *Service) RunBackupNow() (string, error) {
	dir := s.backupDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	src, err := os.Open(filepath.Join(s.configDir, settingsFile))
	if err != nil {
		return "", fmt.Errorf("open settings: %w", err)
	}
	defer src.Close()

	dest := filepath.Join(dir, backupPrefix+time.Now().Format("2006-01-02")+backupSuffix)
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("copy settings: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close backup: %w", err)
	}

	pruneOldBackups(dir, backupMaxAge)
	return dest, nil
}

// ListBackups returns available backup files sorted by name (newest last).
func (s *Service) ListBackups() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir())
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	files := []string{}
	for _, e := range entries {
		if isBackup(e) {
			files = append(files, filepath.Join(s.backupDir(), e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func isBackup(e os.DirEntry) bool {
	return !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), backupSuffix)
}

// pruneOldBackups deletes backup files older than maxAge from backupDir.
func pruneOldBackups(backupDir string, maxAge time.Duration) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !isBackup(e) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(backupDir, e.Name())
			if err := os.Remove(path); err != nil {
				slog.Warn("maintenance: failed to prune old backup", "file", path, "err", err)
			} else {
				slog.Info("maintenance: pruned old backup", "file", path)
			}
		}
	}
}
