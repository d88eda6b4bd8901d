package server

import (
	"context"
	"errors"

	"teamchat/internal/models"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

var (
	_ Database = (*Store)(nil)
	_ Database = (*PostgresDB)(nil)
)

type UserRepository interface {
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
	UserByID(ctx context.Context, id string) (*models.User, error)
	IsMember(ctx context.Context, userID, teamID string) (bool, error)
}

type MessageRepository interface {
	// SaveMessage assigns the server id and timestamp. The returned copy
	// keeps the caller's correlation id.
	SaveMessage(ctx context.Context, msg models.Message) (models.Message, error)
	UpdateMessage(ctx context.Context, id, userID, content string) (models.Message, error)
	// RecentMessages returns up to limit messages of a team, oldest first.
	RecentMessages(ctx context.Context, teamID string, limit int) ([]models.Message, error)
}

type Database interface {
	UserRepository
	MessageRepository
	Close() error
}
