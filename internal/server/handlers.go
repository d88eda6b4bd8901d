package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"teamchat/internal/models"

	"github.com/go-chi/chi/v5"
)

type ctxKey int

const userKey ctxKey = iota

func userFrom(ctx context.Context) *models.User {
	user, _ := ctx.Value(userKey).(*models.User)
	return user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		user, err := s.userFromToken(r.Context(), tokenStr, tokenTypeAccess)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (s *Server) userFromToken(ctx context.Context, tokenStr, tokenType string) (*models.User, error) {
	userID, err := s.tokens.Validate(tokenStr, tokenType)
	if err != nil {
		return nil, err
	}
	return s.db.UserByID(ctx, userID)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := s.db.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		s.logger.Info("Login failed", "email", req.Email)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.logger.Error("Login lookup failed", "email", req.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	pair, err := s.tokens.Issue(user)
	if err != nil {
		s.logger.Error("Token issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}

	writeJSON(w, http.StatusOK, models.LoginResponse{User: *user, Tokens: pair})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh token is required")
		return
	}

	user, err := s.userFromToken(r.Context(), req.RefreshToken, tokenTypeRefresh)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	pair, err := s.tokens.Issue(user)
	if err != nil {
		s.logger.Error("Token issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

// Tokens are stateless, so logout only acknowledges.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.ProfileResponse{User: *userFrom(r.Context())})
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// handleMessages returns a team's most recent messages, oldest first.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	teamID := chi.URLParam(r, "teamID")

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	member, err := s.db.IsMember(r.Context(), user.ID, teamID)
	if err != nil {
		s.logger.Error("Error checking membership", "user", user.ID, "team", teamID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check team access")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "you are not a member of this team")
		return
	}

	messages, err := s.db.RecentMessages(r.Context(), teamID, limit)
	if err != nil {
		s.logger.Error("Error loading messages", "team", teamID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, models.MessagesResponse{Messages: messages})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	messageID := chi.URLParam(r, "messageID")

	var req models.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := s.db.UpdateMessage(r.Context(), messageID, user.ID, content)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
		return
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "only the author can edit a message")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if hub, ok := s.hubs.Lookup(msg.TeamID); ok {
		data, err := encodeEvent(models.EventChatMessageUpdate, msg)
		if err != nil {
			s.logger.Error("Error marshaling message update", "error", err)
		} else {
			hub.Broadcast(data, nil)
		}
	}

	writeJSON(w, http.StatusOK, models.EditMessageResponse{Message: msg})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	user, err := s.userFromToken(r.Context(), tokenStr, tokenTypeAccess)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Upgrade error", "error", err)
		return
	}

	peer := newPeer(s, conn, *user)
	if !s.track(peer) {
		conn.Close()
		return
	}

	go peer.writePump()
	go peer.readPump()
}
