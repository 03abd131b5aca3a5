package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidateWithoutTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Secure = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestSecureRequiresCert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Secure = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("secure listener without a certificate validated")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  hostname: mail.example.org
  imap_port: 1143
  secure: false
limits:
  max_message: 1048576
auth:
  login_window: 30s
  login_max_tries: 5
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Hostname != "mail.example.org" {
		t.Errorf("hostname = %q", cfg.Server.Hostname)
	}
	if cfg.Server.IMAPPort != 1143 {
		t.Errorf("imap_port = %d", cfg.Server.IMAPPort)
	}
	if cfg.Limits.MaxMessage != 1048576 {
		t.Errorf("max_message = %d", cfg.Limits.MaxMessage)
	}
	if cfg.LoginWindow() != 30*time.Second {
		t.Errorf("login window = %s", cfg.LoginWindow())
	}
	if cfg.Auth.LoginMaxTries != 5 {
		t.Errorf("login_max_tries = %d", cfg.Auth.LoginMaxTries)
	}
	// Untouched keys keep their defaults.
	if cfg.Server.IMAPSPort != 993 {
		t.Errorf("imaps_port default lost: %d", cfg.Server.IMAPSPort)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("Load of missing file failed: %v", err)
	}
	if cfg.Server.IMAPPort != 143 {
		t.Errorf("imap_port = %d, want default 143", cfg.Server.IMAPPort)
	}
}

func TestValidateRejectsPortConflict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Secure = false
	cfg.Server.IMAPSPort = cfg.Server.IMAPPort
	if err := cfg.Validate(); err == nil {
		t.Fatal("port conflict validated")
	}
}
