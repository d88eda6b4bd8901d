package server

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"teamchat/internal/config"
	"teamchat/internal/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type account struct {
	user         models.User
	passwordHash []byte
	teams        map[string]bool
}

// Store keeps accounts, team membership and messages in memory.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*account
	byEmail  map[string]*account
	messages map[string]*models.Message
	byTeam   map[string][]string
	now      func() time.Time
}

func NewStore(seed []config.SeedUser) (*Store, error) {
	s := &Store{
		users:    make(map[string]*account),
		byEmail:  make(map[string]*account),
		messages: make(map[string]*models.Message),
		byTeam:   make(map[string][]string),
		now:      time.Now,
	}
	for _, u := range seed {
		if err := s.AddUser(u); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) AddUser(u config.SeedUser) error {
	if err := validateSeed(u); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	acc := &account{
		user:         seedUser(u),
		passwordHash: hash,
		teams:        make(map[string]bool),
	}
	for _, team := range u.Teams {
		acc.teams[team] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.ID]; exists {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	s.users[u.ID] = acc
	s.byEmail[acc.user.Email] = acc
	return nil
}

func validateSeed(u config.SeedUser) error {
	if u.ID == "" || u.Email == "" || u.Password == "" {
		return fmt.Errorf("user %q: id, email and password are required", u.Email)
	}
	return nil
}

func seedUser(u config.SeedUser) models.User {
	return models.User{ID: u.ID, Name: u.Name, Email: strings.ToLower(u.Email), Avatar: u.Avatar, Role: "participant"}
}

func (s *Store) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	s.mu.RLock()
	acc, ok := s.byEmail[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	user := acc.user
	return &user, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	user := acc.user
	return &user, nil
}

func (s *Store) IsMember(ctx context.Context, userID, teamID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.users[userID]
	return ok && acc.teams[teamID], nil
}

func (s *Store) SaveMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now().UTC()
	msg.Pending = false
	msg.Failed = false

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := msg
	// the correlation id belongs to one send, not to the message
	stored.LocalID = ""
	s.messages[msg.ID] = &stored
	s.byTeam[msg.TeamID] = append(s.byTeam[msg.TeamID], msg.ID)
	return msg, nil
}

// UpdateMessage lets the author change a message's content.
func (s *Store) UpdateMessage(ctx context.Context, id, userID, content string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	if msg.Sender.ID != userID {
		return models.Message{}, ErrForbidden
	}
	msg.Content = content
	msg.Edited = true
	return *msg, nil
}

func (s *Store) RecentMessages(ctx context.Context, teamID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byTeam[teamID]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.messages[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
