package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"teamchat/internal/api"
	"teamchat/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew refreshes tokens slightly before they actually expire.
const expirySkew = 30 * time.Second

type ProfileClient interface {
	Profile(ctx context.Context) (*models.User, error)
	Refresh(ctx context.Context) (models.TokenPair, error)
}

// Refresher periodically re-validates the session against the backend.
// It is owned by the application lifecycle: Run until ctx is cancelled.
type Refresher struct {
	Client   ProfileClient
	Session  *Session
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

func (r *Refresher) Run(ctx context.Context) error {
	if r.Interval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", r.Interval)
	}

	if err := r.Check(ctx); err != nil {
		r.logger().Error("Session check failed", "error", err)
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Check(ctx); err != nil {
				r.logger().Error("Session check failed", "error", err)
			}
		}
	}
}

// Check refreshes an expired access token and reloads the profile. The
// session is cleared only when the backend rejects the credentials;
// network failures leave it as is.
func (r *Refresher) Check(ctx context.Context) error {
	tokens := r.Session.Tokens()
	if tokens.AccessToken == "" {
		return nil
	}

	if exp, ok := TokenExpiry(tokens.AccessToken); ok && !r.now().Before(exp.Add(-expirySkew)) {
		r.logger().Debug("Access token expired, refreshing", "expired_at", exp)
		if _, err := r.Client.Refresh(ctx); err != nil {
			return r.reject(err)
		}
	}

	user, err := r.Client.Profile(ctx)
	if err != nil {
		return r.reject(err)
	}
	r.Session.SetUser(*user)
	return nil
}

func (r *Refresher) reject(err error) error {
	if errors.Is(err, api.ErrUnauthorized) {
		r.logger().Info("Session rejected, signing out")
		r.Session.Clear()
	}
	return err
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Refresher) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// TokenExpiry reads the exp claim of a JWT without verifying it. The
// client cannot verify tokens; it only uses exp to refresh early.
func TokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
