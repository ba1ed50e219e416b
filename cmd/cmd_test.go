package cmd

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/devlink/internal/config"
	"github.com/nextlevelbuilder/devlink/internal/gateway"
)

func TestValidateCode(t *testing.T) {
	tests := []struct {
		code string
		ok   bool
	}{
		{"482913", true},
		{"48291", false},
		{"4829133", false},
		{"48a913", false},
		{"", false},
	}
	for _, tt := range tests {
		if err := validateCode(tt.code); (err == nil) != tt.ok {
			t.Errorf("validateCode(%q) err=%v, want ok=%v", tt.code, err, tt.ok)
		}
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("sk-1234567890abcd"); got != "sk-1*********abcd" {
		t.Errorf("maskKey = %q", got)
	}
	if got := maskKey("short"); got != "*****" {
		t.Errorf("maskKey(short) = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG") != slog.LevelDebug || parseLevel("warn") != slog.LevelWarn || parseLevel("") != slog.LevelInfo {
		t.Error("unexpected level mapping")
	}
}

func TestStoreConfig_CreatesSQLiteDir(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "devlink.db")
	sc, err := storeConfig(config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("storeConfig: %v", err)
	}
	if sc.DSN != dsn {
		t.Errorf("DSN = %q", sc.DSN)
	}
	if fi, err := os.Stat(filepath.Dir(dsn)); err != nil || !fi.IsDir() {
		t.Errorf("database dir not created: %v", err)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "migrate", "pairing", "doctor", "token", "version"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q missing", name)
		}
	}
}

func TestAdminToken_MintsForUser(t *testing.T) {
	t.Setenv("DEVLINK_ADMIN_TOKEN", "")
	cfg := config.Default()
	cfg.Gateway.JWTSecret = "test-secret"
	auth := gateway.NewAuthenticator(cfg.Gateway.JWTSecret, cfg.Gateway.JWTIssuer)

	for user, want := range map[string]string{"user-42": "user-42", "": adminUser} {
		tok, err := adminToken(cfg, user)
		if err != nil {
			t.Fatalf("adminToken(%q): %v", user, err)
		}
		got, err := auth.Verify(tok)
		if err != nil || got != want {
			t.Errorf("adminToken(%q) subject = %q, %v; want %q", user, got, err, want)
		}
	}

	t.Setenv("DEVLINK_ADMIN_TOKEN", "preissued")
	if tok, _ := adminToken(cfg, "user-42"); tok != "preissued" {
		t.Errorf("token = %q, want the environment token", tok)
	}
}

func TestPairingCmd_UserFlag(t *testing.T) {
	root := rootCmd()
	c, _, err := root.Find([]string{"pairing", "submit"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := c.ParseFlags([]string{"--user", "user-42"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if pairingUser != "user-42" {
		t.Errorf("pairingUser = %q", pairingUser)
	}
}
