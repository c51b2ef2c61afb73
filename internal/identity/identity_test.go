package identity_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/micro-nova/planetradio-go/internal/identity"
)

func TestVersionFromDir(t *testing.T) {
	tests := []struct {
		name    string
		content string // "" means no file
		want    string
	}{
		{"missing file", "", identity.DefaultVersion},
		{"from file", `{"version":"1.4.2"}`, "1.4.2"},
		{"invalid json", "not json", identity.DefaultVersion},
		{"empty version", `{"version":""}`, identity.DefaultVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.content != "" {
				if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(tt.content), 0644); err != nil {
					t.Fatal(err)
				}
			}
			if got := identity.VersionFromDir(dir); got != tt.want {
				t.Errorf("VersionFromDir = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestVersionFromDir_Empty(t *testing.T) {
	if got := identity.VersionFromDir(""); got != identity.DefaultVersion {
		t.Errorf("VersionFromDir(\"\") = %q", got)
	}
}

func TestGet(t *testing.T) {
	info := identity.Get(t.TempDir())
	if info.Hostname == "" {
		t.Error("Hostname is empty")
	}
	if info.Version != identity.DefaultVersion {
		t.Errorf("Version = %q", info.Version)
	}
}
