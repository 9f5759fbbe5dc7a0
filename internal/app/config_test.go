package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeJoinPath(t *testing.T) {
	cases := map[string]string{
		"":       "/ws",
		"ws":     "/ws",
		"/chat":  "/chat",
		"api/ws": "/api/ws",
	}
	for in, want := range cases {
		if got := NormalizeJoinPath(in); got != want {
			t.Fatalf("NormalizeJoinPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitOrigins(t *testing.T) {
	got := SplitOrigins(" https://a.example ,, https://b.example ")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", got)
	}
	if SplitOrigins("") != nil {
		t.Fatalf("empty input should yield nil")
	}
}

func TestDataSourcePrefersDatabaseURL(t *testing.T) {
	cfg := ServerConfig{DBPath: "/tmp/chat.db"}
	if cfg.DataSource() != "/tmp/chat.db" {
		t.Fatalf("expected sqlite path, got %q", cfg.DataSource())
	}
	cfg.DatabaseURL = "postgres://chat@localhost/chat"
	if cfg.DataSource() != cfg.DatabaseURL {
		t.Fatalf("expected database url, got %q", cfg.DataSource())
	}
}

func TestDefaultPathsFollowDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUOTECHAT_DATA_DIR", dir)
	t.Setenv("QUOTECHAT_DB_PATH", "")
	t.Setenv("QUOTECHAT_SESSION_PATH", "")
	if got := DefaultDBPath(); got != filepath.Join(dir, "quotechat.db") {
		t.Fatalf("DefaultDBPath = %q", got)
	}
	if got := DefaultSessionPath(); got != filepath.Join(dir, "session.json") {
		t.Fatalf("DefaultSessionPath = %q", got)
	}
	t.Setenv("QUOTECHAT_DB_PATH", "/srv/chat.db")
	if got := DefaultDBPath(); got != "/srv/chat.db" {
		t.Fatalf("explicit db path ignored, got %q", got)
	}
}

func TestLoadEnv(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("QUOTECHAT_TEST_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("QUOTECHAT_TEST_ADDR", "")
	os.Unsetenv("QUOTECHAT_TEST_ADDR")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("QUOTECHAT_TEST_ADDR"); got != ":9999" {
		t.Fatalf("expected value from file, got %q", got)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	t.Setenv("QUOTECHAT_DEBUG", "")
	var buf bytes.Buffer
	NewLogger(&buf, "json", false).Info("hello", "room", "quotation:1")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"room":"quotation:1"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, "text", true).Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("quiet logger should drop info, got %q", buf.String())
	}
}
