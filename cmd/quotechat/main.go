package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	intrnl "quotechat/internal"
	"quotechat/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	if err := app.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "quotechat: load .env: %v\n", err)
		os.Exit(1)
	}

	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("quotechat", flag.ExitOnError)
	addr := flagSet.String("addr", envOrDefault("QUOTECHAT_ADDR", defaultAddrForMode(mode)), "server listen address")
	path := flagSet.String("path", envOrDefault("QUOTECHAT_PATH", "/ws"), "websocket path")
	db := flagSet.String("db", envOrDefault("QUOTECHAT_DB_PATH", ""), "sqlite database path (defaults to a per-user path)")
	databaseURL := flagSet.String("database-url", envOrDefault("QUOTECHAT_DATABASE_URL", ""), "postgres url; overrides --db when set")
	tokenTTL := flagSet.Duration("token-ttl", envDuration("QUOTECHAT_TOKEN_TTL", 24*time.Hour), "login session lifetime")
	origins := flagSet.String("origins", envOrDefault("QUOTECHAT_ALLOWED_ORIGINS", ""), "comma separated websocket origin allow list")
	serverURL := flagSet.String("server-url", envOrDefault("QUOTECHAT_SERVER", "ws://localhost:8080/ws"), "server websocket URL (client mode)")
	username := flagSet.String("user", envOrDefault("QUOTECHAT_USER", ""), "default username for login prompts")
	sessionPath := flagSet.String("session", envOrDefault("QUOTECHAT_SESSION_PATH", app.DefaultSessionPath()), "where the client remembers its login")
	logFormat := flagSet.String("log-format", envOrDefault("QUOTECHAT_LOG_FORMAT", "text"), "server log format: text or json")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	flagSet.Parse(args)

	if *showVersion {
		fmt.Println("quotechat", intrnl.Version)
		return
	}

	quotationID := ""
	if remaining := flagSet.Args(); len(remaining) > 0 {
		quotationID = remaining[0]
	}

	logger := app.NewLogger(os.Stderr, *logFormat, *quiet)
	slog.SetDefault(logger)

	serverCfg := app.ServerConfig{
		Addr:           *addr,
		Path:           app.NormalizeJoinPath(*path),
		DBPath:         *db,
		DatabaseURL:    *databaseURL,
		TokenTTL:       *tokenTTL,
		AllowedOrigins: app.SplitOrigins(*origins),
		Logger:         logger,
	}
	if serverCfg.DBPath == "" {
		serverCfg.DBPath = app.DefaultDBPath()
	}

	clientCfg := app.ClientConfig{
		ServerURL:   *serverURL,
		Username:    *username,
		QuotationID: quotationID,
		SessionPath: *sessionPath,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg, logger)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg, logger)
	default:
		err = runClientMode(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "quotechat: %v\n", err)
		os.Exit(1)
	}
}

func runServerMode(ctx context.Context, cfg app.ServerConfig, logger *slog.Logger) error {
	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		return err
	}
	backend := "sqlite"
	if cfg.DatabaseURL != "" {
		backend = "postgres"
	}
	logger.Info("quotechat server listening", "addr", handle.Addr(), "ws_path", cfg.Path, "store", backend, "version", intrnl.Version)
	return handle.Wait()
}

func runClientMode(cfg app.ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("client mode requires --server-url or QUOTECHAT_SERVER")
	}
	return app.RunClient(cfg)
}

// runLocalMode starts a private server and points the TUI at it. The server
// logs are silenced so they do not draw over the terminal UI.
func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, logger *slog.Logger) error {
	if serverCfg.DatabaseURL == "" {
		if err := os.MkdirAll(filepath.Dir(serverCfg.DBPath), 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	logger.Info("starting local quotechat server", "db", serverCfg.DataSource())
	serverCfg.Logger = app.NewLogger(io.Discard, "text", true)
	handle, err := app.RunServer(ctx, serverCfg)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.Path)
	logger.Info("launching client", "url", clientCfg.ServerURL)

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return ":8080"
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
