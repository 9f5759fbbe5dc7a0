package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"quotechat/internal/storage"
)

type signupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type postMessageRequest struct {
	Body string `json:"body"`
}

type chatStatusResponse struct {
	QuotationID     string `json:"quotationId"`
	QuotationStatus string `json:"quotationStatus"`
	EnquiryStatus   string `json:"enquiryStatus"`
	Disabled        bool   `json:"disabled"`
	Reason          string `json:"reason,omitempty"`
}

type enquiryRequest struct {
	ID         string `json:"id,omitempty"`
	CustomerID string `json:"customerId"`
	Status     string `json:"status,omitempty"`
}

type quotationRequest struct {
	ID        string `json:"id,omitempty"`
	EnquiryID string `json:"enquiryId"`
	Status    string `json:"status,omitempty"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type roomResponse struct {
	Room         string        `json:"room"`
	Participants []Participant `json:"participants"`
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = RoleCustomer
	}
	if !ValidRole(role) {
		writeError(w, http.StatusBadRequest, errors.New("role must be customer or admin"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.store.CreateUser(r.Context(), username, role, hash); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("username already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, map[string]string{"username": username, "role": role})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}

	token := uuid.NewString()
	expiresAt := time.Now().Add(s.tokenTTL)
	if err := s.store.CreateSession(r.Context(), user.ID, token, expiresAt); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncLogin()
	auth := authContext{UserID: user.ID}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		UserID:    auth.userID(),
		Username:  user.Username,
		Role:      user.Role,
		ExpiresAt: expiresAt,
	})
}

func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		status := statusForAuthError(err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	if err := s.store.DeleteSession(r.Context(), authCtx.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages serves a quotation's chat log. POST is the only way a message
// gets saved; the socket relay only announces what is already here.
func (s *Server) HandleMessages(w http.ResponseWriter, r *http.Request) {
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		status := statusForAuthError(err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	quotationID := strings.TrimSpace(r.PathValue("id"))
	if quotationID == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing quotation id"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleListMessages(w, r, authCtx, quotationID)
	case http.MethodPost:
		s.handlePostMessage(w, r, authCtx, quotationID)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, authCtx *authContext, quotationID string) {
	status, err := s.store.ChatStatus(r.Context(), quotationID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !authCtx.canAccess(status) {
		writeError(w, http.StatusForbidden, errNotYourQuotation)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), quotationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if messages == nil {
		messages = []storage.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, authCtx *authContext, quotationID string) {
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status, disabled, err := s.chatStatus(r.Context(), quotationID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !authCtx.canAccess(status) {
		writeError(w, http.StatusForbidden, errNotYourQuotation)
		return
	}
	if disabled {
		s.metrics.IncRejected()
		writeJSON(w, http.StatusForbidden, map[string]string{"error": ErrChatDisabled.Error(), "code": string(CodeChatDisabled)})
		return
	}
	saved, err := s.store.AppendMessage(r.Context(), storage.Message{
		QuotationID: quotationID,
		SenderID:    authCtx.userID(),
		SenderRole:  authCtx.Role,
		Body:        req.Body,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.metrics.IncStored()
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) HandleChatStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		status := statusForAuthError(err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	quotationID := strings.TrimSpace(r.PathValue("id"))
	status, disabled, err := s.chatStatus(r.Context(), quotationID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !authCtx.canAccess(status) {
		writeError(w, http.StatusForbidden, errNotYourQuotation)
		return
	}
	writeJSON(w, http.StatusOK, chatStatusResponse{
		QuotationID:     status.QuotationID,
		QuotationStatus: status.QuotationStatus,
		EnquiryStatus:   status.EnquiryStatus,
		Disabled:        disabled,
		Reason:          ChatDisabledReason(status.QuotationStatus, status.EnquiryStatus),
	})
}

func (s *Server) HandleCreateEnquiry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if _, err := s.requireAdmin(r); err != nil {
		status := statusForAuthError(err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	var req enquiryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("customerId is required"))
		return
	}
	enquiry, err := s.store.CreateEnquiry(r.Context(), storage.Enquiry{
		ID:         strings.TrimSpace(req.ID),
		CustomerID: strings.TrimSpace(req.CustomerID),
		Status:     strings.TrimSpace(req.Status),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enquiryRequest{ID: enquiry.ID, CustomerID: enquiry.CustomerID, Status: enquiry.Status})
}

func (s *Server) HandleCreateQuotation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if _, err := s.requireAdmin(r); err != nil {
		status := statusForAuthError(err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	var req quotationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.EnquiryID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("enquiryId is required"))
		return
	}
	quotation, err := s.store.CreateQuotation(r.Context(), storage.Quotation{
		ID:        strings.TrimSpace(req.ID),
		EnquiryID: strings.TrimSpace(req.EnquiryID),
		Status:    strings.TrimSpace(req.Status),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, quotationRequest{ID: quotation.ID, EnquiryID: quotation.EnquiryID, Status: quotation.Status})
}

// HandleQuotationStatus updates a quotation and tells its live room whether the
// chat is still open.
func (s *Server) HandleQuotationStatus(w http.ResponseWriter, r *http.Request) {
	quotationID, status, ok := s.decodeStatusUpdate(w, r)
	if !ok {
		return
	}
	if err := s.store.SetQuotationStatus(r.Context(), quotationID, status); err != nil {
		writeStoreError(w, err)
		return
	}
	s.announceStatus(r.Context(), quotationID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleEnquiryStatus updates an enquiry; every quotation under it may flip.
func (s *Server) HandleEnquiryStatus(w http.ResponseWriter, r *http.Request) {
	enquiryID, status, ok := s.decodeStatusUpdate(w, r)
	if !ok {
		return
	}
	if err := s.store.SetEnquiryStatus(r.Context(), enquiryID, status); err != nil {
		writeStoreError(w, err)
		return
	}
	quotationIDs, err := s.store.QuotationIDsForEnquiry(r.Context(), enquiryID)
	if err != nil {
		s.logger.Warn("list quotations for enquiry", "enquiry", enquiryID, "error", err)
	}
	for _, quotationID := range quotationIDs {
		s.announceStatus(r.Context(), quotationID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeStatusUpdate(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, http.MethodPut)
		return "", "", false
	}
	if _, err := s.requireAdmin(r); err != nil {
		status := statusForAuthError(err)
		http.Error(w, http.StatusText(status), status)
		return "", "", false
	}
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", "", false
	}
	id := strings.TrimSpace(r.PathValue("id"))
	status := strings.ToLower(strings.TrimSpace(req.Status))
	if id == "" || status == "" {
		writeError(w, http.StatusBadRequest, errors.New("id and status are required"))
		return "", "", false
	}
	return id, status, true
}

// HandleRoom lists who is connected to a quotation right now. DELETE with
// ?connection=<id> removes one of them; adding &reconnect=true only bounces the
// socket so the client rejoins.
func (s *Server) HandleRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		methodNotAllowed(w, "GET, DELETE")
		return
	}
	if _, err := s.requireAdmin(r); err != nil {
		status := statusForAuthError(err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	roomKey := RoomKey(strings.TrimSpace(r.PathValue("id")))
	if r.Method == http.MethodDelete {
		connectionID := r.URL.Query().Get("connection")
		disconnect := s.Remove
		if reconnect, _ := strconv.ParseBool(r.URL.Query().Get("reconnect")); reconnect {
			disconnect = s.Kick
		}
		if current, ok := s.hub.RoomOf(connectionID); !ok || current != roomKey || !disconnect(connectionID, "removed by admin") {
			writeError(w, http.StatusNotFound, errors.New("connection not in room"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	participants := s.hub.Participants(roomKey)
	if participants == nil {
		participants = []Participant{}
	}
	writeJSON(w, http.StatusOK, roomResponse{Room: roomKey, Participants: participants})
}

func (s *Server) HandleRoomExists(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(room, roomPrefix) {
		room = RoomKey(room)
	}
	if s.hub.Exists(room) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": Version, "rooms": s.hub.RoomCount()})
}

func (s *Server) requireAdmin(r *http.Request) (*authContext, error) {
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		return nil, err
	}
	if authCtx.Role != RoleAdmin {
		return nil, errForbidden
	}
	return authCtx, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrQuotationNotFound), errors.Is(err, storage.ErrEnquiryNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, storage.ErrEmptyMessage), errors.Is(err, storage.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
