package app

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr           string
	Path           string
	DBPath         string
	DatabaseURL    string
	TokenTTL       time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL   string
	Username    string
	QuotationID string
	SessionPath string
}

// LoadEnv reads a .env file into the process environment when one exists.
// Variables already set win over the file.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// NewLogger builds the process logger. format is "json" or anything else for
// text; quiet raises the level to warn.
func NewLogger(w io.Writer, format string, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	if quiet {
		level = slog.LevelWarn
	}
	if strings.EqualFold(os.Getenv("QUOTECHAT_DEBUG"), "true") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// DataSource is what storage.Open receives: the database URL when set,
// otherwise the SQLite path.
func (cfg ServerConfig) DataSource() string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	return cfg.DBPath
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("QUOTECHAT_DB_PATH"); env != "" {
		return env
	}
	return filepath.Join(dataDir(), "quotechat.db")
}

// DefaultSessionPath is where the client remembers its login token.
func DefaultSessionPath() string {
	if env := os.Getenv("QUOTECHAT_SESSION_PATH"); env != "" {
		return env
	}
	return filepath.Join(dataDir(), "session.json")
}

func dataDir() string {
	if env := os.Getenv("QUOTECHAT_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "quotechat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "QuoteChat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "QuoteChat")
		}
		return filepath.Join(home, ".local", "share", "quotechat")
	}
	return filepath.Join(".", ".quotechat")
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

// SplitOrigins parses a comma separated origin allow list.
func SplitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
