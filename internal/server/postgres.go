package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"teamchat/internal/config"
	"teamchat/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	email         TEXT NOT NULL UNIQUE,
	avatar        TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS team_members (
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	team_id TEXT NOT NULL,
	PRIMARY KEY (user_id, team_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	team_id      TEXT NOT NULL,
	sender_id    TEXT NOT NULL REFERENCES users(id),
	message_type TEXT NOT NULL DEFAULT 'text',
	content      TEXT NOT NULL,
	is_edited    BOOLEAN NOT NULL DEFAULT false,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS messages_team_created_idx ON messages (team_id, created_at);
`

// PostgresDB is the Database backed by Postgres through a pgx pool.
type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// Migrate creates the tables if they do not exist yet.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Seed upserts the configured accounts and their team memberships.
func (db *PostgresDB) Seed(ctx context.Context, users []config.SeedUser) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, u := range users {
		if err := validateSeed(u); err != nil {
			return err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		user := seedUser(u)

		_, err = tx.Exec(ctx, `
			INSERT INTO users (id, name, email, avatar, password_hash)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, email = EXCLUDED.email,
				avatar = EXCLUDED.avatar, password_hash = EXCLUDED.password_hash`,
			user.ID, user.Name, user.Email, user.Avatar, string(hash))
		if err != nil {
			return fmt.Errorf("failed to seed user %s: %w", u.ID, err)
		}
		for _, team := range u.Teams {
			_, err := tx.Exec(ctx, `INSERT INTO team_members (user_id, team_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, u.ID, team)
			if err != nil {
				return fmt.Errorf("failed to seed membership %s/%s: %w", u.ID, team, err)
			}
		}
	}
	return tx.Commit(ctx)
}

func (db *PostgresDB) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	query := `SELECT id, name, email, avatar, password_hash FROM users WHERE email = $1`

	user := &models.User{Role: "participant"}
	var hash string
	err := db.pool.QueryRow(ctx, query, strings.ToLower(email)).Scan(&user.ID, &user.Name, &user.Email, &user.Avatar, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (db *PostgresDB) UserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, name, email, avatar FROM users WHERE id = $1`

	user := &models.User{Role: "participant"}
	err := db.pool.QueryRow(ctx, query, id).Scan(&user.ID, &user.Name, &user.Email, &user.Avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (db *PostgresDB) IsMember(ctx context.Context, userID, teamID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM team_members WHERE user_id = $1 AND team_id = $2)`

	var exists bool
	err := db.pool.QueryRow(ctx, query, userID, teamID).Scan(&exists)
	return exists, err
}

func (db *PostgresDB) SaveMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	msg.ID = uuid.NewString()
	msg.Pending = false
	msg.Failed = false
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}

	query := `
		INSERT INTO messages (id, team_id, sender_id, message_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at`
	err := db.pool.QueryRow(ctx, query, msg.ID, msg.TeamID, msg.Sender.ID, string(msg.Kind), msg.Content).Scan(&msg.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to save message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

const messageColumns = `m.id, m.team_id, m.sender_id, u.name, u.avatar, m.message_type, m.content, m.is_edited, m.created_at`

func scanMessage(row pgx.Row) (models.Message, error) {
	var msg models.Message
	var kind string
	err := row.Scan(&msg.ID, &msg.TeamID, &msg.Sender.ID, &msg.Sender.Name, &msg.Sender.Avatar, &kind, &msg.Content, &msg.Edited, &msg.CreatedAt)
	msg.Kind = models.Kind(kind)
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, err
}

func (db *PostgresDB) UpdateMessage(ctx context.Context, id, userID, content string) (models.Message, error) {
	query := `
		UPDATE messages m SET content = $1, is_edited = true
		FROM users u
		WHERE m.id = $2 AND m.sender_id = $3 AND u.id = m.sender_id
		RETURNING ` + messageColumns

	msg, err := scanMessage(db.pool.QueryRow(ctx, query, content, id, userID))
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, fmt.Errorf("failed to update message: %w", err)
	}

	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return models.Message{}, err
	}
	if !exists {
		return models.Message{}, ErrNotFound
	}
	return models.Message{}, ErrForbidden
}

func (db *PostgresDB) RecentMessages(ctx context.Context, teamID string, limit int) ([]models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.team_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
