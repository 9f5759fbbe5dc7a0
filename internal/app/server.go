package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "quotechat/internal"
	"quotechat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	chat   *intrnl.Server
	store  storage.Repository
	logger *slog.Logger
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the store (SQLite or Postgres), runs migrations, wires the
// handlers, and starts serving in the background. Call Stop/Wait to manage its
// lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if cfg.DBPath == "" && cfg.DatabaseURL == "" {
		return nil, errors.New("database path or url is required")
	}
	cfg.Path = NormalizeJoinPath(cfg.Path)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := cfg.DataSource()
	if !storage.IsPostgresDSN(dsn) {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := storage.Open(openCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(openCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	chat := intrnl.NewServer(store, intrnl.ServerOptions{
		TokenTTL:       cfg.TokenTTL,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	mux := http.NewServeMux()
	chat.RegisterRoutes(mux, cfg.Path)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// hijacked websockets are not closed by Shutdown on their own.
	httpServer.RegisterOnShutdown(chat.Close)

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		chat:   chat,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.chat.Close()
	if err := h.store.Close(); err != nil {
		h.logger.Error("store close error", "error", err)
	}
	h.err = err
}
