package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName+".yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.File != "" {
		t.Errorf("File = %q, want empty", cfg.File)
	}
	if cfg.Author != "app" {
		t.Errorf("Author = %q, want app", cfg.Author)
	}
	if cfg.DeviceID == "" {
		t.Error("DeviceID is empty")
	}
	if cfg.Sync.Debounce != 100*time.Millisecond {
		t.Errorf("Sync.Debounce = %v, want 100ms", cfg.Sync.Debounce)
	}
	if cfg.Sync.PushInterval != 5*time.Second {
		t.Errorf("Sync.PushInterval = %v, want 5s", cfg.Sync.PushInterval)
	}
	if !cfg.Sync.WatchFiles {
		t.Error("Sync.WatchFiles = false, want true")
	}
	if cfg.Relay.Addr != ":8787" {
		t.Errorf("Relay.Addr = %q, want :8787", cfg.Relay.Addr)
	}
	if cfg.Log.File != "" {
		t.Errorf("Log.File = %q, want empty", cfg.Log.File)
	}
	if err := cfg.RequireUser(); err == nil {
		t.Error("RequireUser() without a user succeeded, want error")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
data_dir: /var/lib/nightlog
device_id: kitchen-ipad
user_id: alice
sync:
  debounce: 250ms
  push_interval: 10s
  watch_files: false
relay:
  url: http://relay.local:8787
log:
  file: /var/log/nightlog.log
  max_backups: 7
`)

	for _, target := range []string{path, dir} {
		t.Run(target, func(t *testing.T) {
			cfg, err := Load(target)
			if err != nil {
				t.Fatalf("Load(%s) failed: %v", target, err)
			}

			strs := []struct {
				name, got, want string
			}{
				{"File", cfg.File, path},
				{"DataDir", cfg.DataDir, "/var/lib/nightlog"},
				{"DeviceID", cfg.DeviceID, "kitchen-ipad"},
				{"UserID", cfg.UserID, "alice"},
				{"Relay.URL", cfg.Relay.URL, "http://relay.local:8787"},
				{"Log.File", cfg.Log.File, "/var/log/nightlog.log"},
				{"PrivateDBPath", cfg.PrivateDBPath(), "/var/lib/nightlog/private.db"},
				{"SharedDBPath", cfg.SharedDBPath(), "/var/lib/nightlog/shared.db"},
				{"TokensPath", cfg.TokensPath(), "/var/lib/nightlog/tokens.toml"},
			}
			for _, s := range strs {
				if s.got != s.want {
					t.Errorf("%s = %q, want %q", s.name, s.got, s.want)
				}
			}

			durations := []struct {
				name      string
				got, want time.Duration
			}{
				{"Sync.Debounce", cfg.Sync.Debounce, 250 * time.Millisecond},
				{"Sync.PushInterval", cfg.Sync.PushInterval, 10 * time.Second},
				{"Sync.PollInterval", cfg.Sync.PollInterval, 30 * time.Second},
			}
			for _, d := range durations {
				if d.got != d.want {
					t.Errorf("%s = %v, want %v", d.name, d.got, d.want)
				}
			}

			if cfg.Sync.WatchFiles {
				t.Error("Sync.WatchFiles = true, want false")
			}
			if cfg.Log.MaxBackups != 7 {
				t.Errorf("Log.MaxBackups = %d, want 7", cfg.Log.MaxBackups)
			}
			if cfg.Log.MaxSizeMB != 10 {
				t.Errorf("Log.MaxSizeMB = %d, want 10", cfg.Log.MaxSizeMB)
			}
			if err := cfg.RequireUser(); err != nil {
				t.Errorf("RequireUser() failed: %v", err)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "user_id: alice\nsync:\n  push_interval: 10s\n")

	t.Setenv("NIGHTLOG_USER_ID", "bob")
	t.Setenv("NIGHTLOG_SYNC_PUSH_INTERVAL", "2s")
	t.Setenv("NIGHTLOG_RELAY_URL", "http://10.0.0.2:8787")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.UserID != "bob" {
		t.Errorf("UserID = %q, want bob", cfg.UserID)
	}
	if cfg.Sync.PushInterval != 2*time.Second {
		t.Errorf("Sync.PushInterval = %v, want 2s", cfg.Sync.PushInterval)
	}
	if cfg.Relay.URL != "http://10.0.0.2:8787" {
		t.Errorf("Relay.URL = %q, want http://10.0.0.2:8787", cfg.Relay.URL)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want empty", cfg.File)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed yaml", "sync: [\n"},
		{"negative interval", "sync:\n  debounce: -1s\n"},
		{"empty author", "author: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.body)
			if _, err := Load(dir); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir() failed: %v", err)
	}

	tests := []struct {
		in, want string
	}{
		{"~/.nightlog", filepath.Join(home, ".nightlog")},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandHome(tt.in); got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
