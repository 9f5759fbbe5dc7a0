package internal

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quotechat/internal/storage"
)

// ServerOptions tunes a Server. Zero values fall back to the defaults below.
type ServerOptions struct {
	TokenTTL       time.Duration
	StoreTimeout   time.Duration
	SendRateLimit  int
	SendRateWindow time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

const (
	defaultTokenTTL       = 24 * time.Hour
	defaultStoreTimeout   = 5 * time.Second
	defaultSendRateLimit  = 5
	defaultSendRateWindow = 3 * time.Second
)

// Server owns the room registry and wires the websocket relay to the persistence
// and identity collaborators behind storage.Repository.
type Server struct {
	hub          *Hub
	store        storage.Repository
	metrics      *Metrics
	presence     *PresenceTracker
	authLimiter  *RateLimiter
	sendLimiter  *RateLimiter
	tokenTTL     time.Duration
	storeTimeout time.Duration
	upgrader     websocket.Upgrader
	logger       *slog.Logger

	connMutex sync.Mutex
	conns     map[string]*Connection
}

type authContext struct {
	UserID   int64
	Username string
	Role     string
	Token    string
}

// NewServer builds a server around store. The caller owns store and closes it.
func NewServer(store storage.Repository, opts ServerOptions) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.SendRateLimit <= 0 {
		opts.SendRateLimit = defaultSendRateLimit
	}
	if opts.SendRateWindow <= 0 {
		opts.SendRateWindow = defaultSendRateWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	server := &Server{
		hub:          NewHub(logger),
		store:        store,
		metrics:      NewMetrics(),
		presence:     NewPresenceTracker(),
		authLimiter:  NewRateLimiter(10, time.Minute),
		sendLimiter:  NewRateLimiter(opts.SendRateLimit, opts.SendRateWindow),
		tokenTTL:     opts.TokenTTL,
		storeTimeout: opts.StoreTimeout,
		logger:       logger,
		conns:        make(map[string]*Connection),
	}
	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return server
}

// Hub exposes the registry, mostly for tests and admin tooling.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close drops every live socket with a going-away frame, so clients reconnect
// straight away, and releases the registry.
func (s *Server) Close() {
	s.connMutex.Lock()
	for _, conn := range s.conns {
		conn.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	s.connMutex.Unlock()
	s.hub.Close()
}

// Kick force-closes one connection with the server-disconnect code. The client
// reconnects straight away and rejoins.
func (s *Server) Kick(connectionID, reason string) bool {
	return s.closeConnection(connectionID, CloseServerDisconnect, reason)
}

// Remove closes one connection for good; the client is told not to come back.
func (s *Server) Remove(connectionID, reason string) bool {
	return s.closeConnection(connectionID, CloseRemoved, reason)
}

func (s *Server) closeConnection(connectionID string, code int, reason string) bool {
	s.connMutex.Lock()
	conn, ok := s.conns[connectionID]
	s.connMutex.Unlock()
	if ok {
		conn.shutdown(code, reason)
	}
	return ok
}

// ServeWS upgrades the request; the connection starts unjoined and picks its room
// with a join-room event.
func (s *Server) ServeWS(writer http.ResponseWriter, request *http.Request) {
	websocketConn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("upgrade error", "error", err)
		return
	}
	conn := newConnection(websocketConn, s.logger)
	s.connMutex.Lock()
	s.conns[conn.ID()] = conn
	s.connMutex.Unlock()
	s.metrics.IncConn()
	conn.logger.Debug("connected", "remote", request.RemoteAddr)

	go conn.writePump()
	go conn.readPump(s)
}

// disconnect runs once per connection no matter how many paths trigger it.
func (s *Server) disconnect(conn *Connection) {
	conn.cleanupOnce.Do(func() {
		s.leave(conn)
		s.connMutex.Lock()
		delete(s.conns, conn.ID())
		s.connMutex.Unlock()
		s.sendLimiter.Forget(conn.ID())
		conn.shutdown(websocket.CloseNormalClosure, "")
		s.metrics.DecConn()
		conn.logger.Debug("disconnected")
	})
}

func (s *Server) authenticateRequest(r *http.Request) (*authContext, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if header == "" || token == "" || token == header {
		return nil, errUnauthorized
	}
	session, err := s.store.GetSession(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if session == nil || time.Now().After(session.ExpiresAt) {
		return nil, errUnauthorized
	}
	user, err := s.store.GetUserByID(r.Context(), session.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errUnauthorized
	}
	return &authContext{UserID: user.ID, Username: user.Username, Role: user.Role, Token: token}, nil
}

func (a *authContext) userID() string {
	return strconv.FormatInt(a.UserID, 10)
}

// canAccess lets admins into every quotation and customers only into those
// raised on their own enquiries.
func (a *authContext) canAccess(status storage.ChatStatus) bool {
	return a.Role == RoleAdmin || status.CustomerID == a.userID()
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.storeTimeout)
}

// chatStatus evaluates the disable rule against the collaborator's current
// statuses. It is never cached.
func (s *Server) chatStatus(ctx context.Context, quotationID string) (storage.ChatStatus, bool, error) {
	status, err := s.store.ChatStatus(ctx, quotationID)
	if err != nil {
		return storage.ChatStatus{}, false, err
	}
	return status, IsChatDisabled(status.QuotationStatus, status.EnquiryStatus), nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, candidate := range allowed {
			if candidate == "*" || strings.EqualFold(candidate, origin) {
				return true
			}
		}
		return false
	}
}

func statusForAuthError(err error) int {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// RegisterRoutes mounts the websocket endpoint at wsPath and the REST api beside it.
func (s *Server) RegisterRoutes(mux *http.ServeMux, wsPath string) {
	mux.HandleFunc(wsPath, s.ServeWS)
	mux.HandleFunc("/signup", s.HandleSignup)
	mux.HandleFunc("/login", s.HandleLogin)
	mux.HandleFunc("/logout", s.HandleLogout)
	mux.HandleFunc("/api/quotations/{id}/messages", s.HandleMessages)
	mux.HandleFunc("/api/quotations/{id}/chat-status", s.HandleChatStatus)
	mux.HandleFunc("/api/quotations/{id}/status", s.HandleQuotationStatus)
	mux.HandleFunc("/api/quotations", s.HandleCreateQuotation)
	mux.HandleFunc("/api/enquiries", s.HandleCreateEnquiry)
	mux.HandleFunc("/api/enquiries/{id}/status", s.HandleEnquiryStatus)
	mux.HandleFunc("/api/rooms/{id}", s.HandleRoom)
	mux.HandleFunc("/exists", s.HandleRoomExists)
	mux.HandleFunc("/metrics", s.MetricsHandler)
	mux.HandleFunc("/healthz", s.HandleHealth)
}
