package server

import (
	"errors"
	"fmt"
	"time"

	"teamchat/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

// Tokens issues and validates HS256 access and refresh tokens.
type Tokens struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokens(secret string, accessTTL, refreshTTL time.Duration) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("JWT secret is required")
	}
	return &Tokens{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

func (t *Tokens) Issue(user *models.User) (models.TokenPair, error) {
	access, err := t.sign(user, tokenTypeAccess, t.accessTTL)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("failed to generate access token: %w", err)
	}
	refresh, err := t.sign(user, tokenTypeRefresh, t.refreshTTL)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Validate checks signature, expiry and token type and returns the user id.
func (t *Tokens) Validate(tokenString, tokenType string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	if typ, _ := claims["type"].(string); typ != tokenType {
		return "", fmt.Errorf("%w: expected %s token", ErrInvalidToken, tokenType)
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return "", fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return userID, nil
}

func (t *Tokens) sign(user *models.User, tokenType string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := jwt.MapClaims{
		"user_id": user.ID,
		"name":    user.Name,
		"type":    tokenType,
		"jti":     uuid.NewString(),
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}
