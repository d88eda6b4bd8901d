package auth

import (
	"sync"

	"teamchat/internal/chat"
	"teamchat/internal/models"
)

// Session is the process-wide identity: the signed-in user and the
// current token pair. Subscribers are told whenever the identity the
// chat manager cares about changes.
type Session struct {
	mu     sync.RWMutex
	user   *models.User
	tokens models.TokenPair
	subs   []func(chat.Identity)
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) Tokens() models.TokenPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

func (s *Session) SetTokens(pair models.TokenPair) {
	s.update(func() {
		s.tokens = pair
	})
}

func (s *Session) User() (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return models.User{}, false
	}
	return *s.user, true
}

func (s *Session) SetUser(user models.User) {
	s.update(func() {
		s.user = &user
	})
}

// Clear signs the session out.
func (s *Session) Clear() {
	s.update(func() {
		s.user = nil
		s.tokens = models.TokenPair{}
	})
}

// Identity returns the chat identity. It is not Ready until both a user
// and an access token are present.
func (s *Session) Identity() chat.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identityLocked()
}

// Subscribe registers fn to be called with the new identity after every
// change. fn runs on the goroutine that made the change.
func (s *Session) Subscribe(fn func(chat.Identity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Session) identityLocked() chat.Identity {
	id := chat.Identity{AuthToken: s.tokens.AccessToken}
	if s.user != nil {
		id.UserID = s.user.ID
		id.DisplayName = s.user.Name
		id.AvatarURL = s.user.Avatar
	}
	return id
}

func (s *Session) update(mutate func()) {
	s.mu.Lock()
	before := s.identityLocked()
	mutate()
	after := s.identityLocked()
	subs := append([]func(chat.Identity){}, s.subs...)
	s.mu.Unlock()

	if before == after {
		return
	}
	for _, fn := range subs {
		fn(after)
	}
}
