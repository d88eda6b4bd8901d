package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"teamchat/internal/api"
	"teamchat/internal/chat"
	"teamchat/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u1",
		"exp":     exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

type fakeClient struct {
	profile func() (*models.User, error)
	refresh func() (models.TokenPair, error)

	profileCalls int
	refreshCalls int
}

func (f *fakeClient) Profile(ctx context.Context) (*models.User, error) {
	f.profileCalls++
	return f.profile()
}

func (f *fakeClient) Refresh(ctx context.Context) (models.TokenPair, error) {
	f.refreshCalls++
	return f.refresh()
}

func TestSession(t *testing.T) {
	s := NewSession()
	var seen []chat.Identity
	s.Subscribe(func(id chat.Identity) { seen = append(seen, id) })

	assert.False(t, s.Identity().Ready())

	s.SetTokens(models.TokenPair{AccessToken: "a1", RefreshToken: "r1"})
	assert.False(t, s.Identity().Ready(), "no user yet")

	s.SetUser(models.User{ID: "u1", Name: "Ada", Avatar: "ada.png"})
	id := s.Identity()
	assert.True(t, id.Ready())
	assert.Equal(t, chat.Identity{UserID: "u1", DisplayName: "Ada", AvatarURL: "ada.png", AuthToken: "a1"}, id)

	// same identity, no notification
	s.SetUser(models.User{ID: "u1", Name: "Ada", Avatar: "ada.png", Email: "ada@example.com"})
	s.SetTokens(models.TokenPair{AccessToken: "a1", RefreshToken: "r2"})

	s.Clear()
	_, ok := s.User()
	assert.False(t, ok)
	assert.Empty(t, s.Tokens())

	require.Len(t, seen, 3)
	assert.Equal(t, "a1", seen[0].AuthToken)
	assert.True(t, seen[1].Ready())
	assert.False(t, seen[2].Ready())
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	got, ok := TokenExpiry(signed(t, exp))
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = TokenExpiry("not-a-jwt")
	assert.False(t, ok)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u1"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, ok = TokenExpiry(noExp)
	assert.False(t, ok)
}

func TestRefresher_Check(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ada := &models.User{ID: "u1", Name: "Ada"}

	newRefresher := func(t *testing.T, client *fakeClient, access string) (*Refresher, *Session) {
		s := NewSession()
		s.SetTokens(models.TokenPair{AccessToken: access, RefreshToken: "r1"})
		return &Refresher{Client: client, Session: s, Interval: time.Minute, Logger: slogt.New(t), Now: func() time.Time { return now }}, s
	}

	t.Run("signed out is a no-op", func(t *testing.T) {
		client := &fakeClient{}
		r, s := newRefresher(t, client, "")
		require.NoError(t, r.Check(context.Background()))
		assert.Zero(t, client.profileCalls)
		assert.False(t, s.Identity().Ready())
	})

	t.Run("valid token loads profile", func(t *testing.T) {
		client := &fakeClient{profile: func() (*models.User, error) { return ada, nil }}
		r, s := newRefresher(t, client, signed(t, now.Add(time.Hour)))

		require.NoError(t, r.Check(context.Background()))
		assert.Zero(t, client.refreshCalls)
		assert.True(t, s.Identity().Ready())
	})

	t.Run("expired token refreshes first", func(t *testing.T) {
		fresh := signed(t, now.Add(time.Hour))
		client := &fakeClient{
			profile: func() (*models.User, error) { return ada, nil },
		}
		r, s := newRefresher(t, client, signed(t, now.Add(10*time.Second)))
		client.refresh = func() (models.TokenPair, error) {
			pair := models.TokenPair{AccessToken: fresh, RefreshToken: "r2"}
			s.SetTokens(pair)
			return pair, nil
		}

		require.NoError(t, r.Check(context.Background()))
		assert.Equal(t, 1, client.refreshCalls)
		assert.Equal(t, fresh, s.Identity().AuthToken)
	})

	t.Run("rejected refresh signs out", func(t *testing.T) {
		client := &fakeClient{refresh: func() (models.TokenPair, error) {
			return models.TokenPair{}, fmt.Errorf("refresh: %w", &api.Error{StatusCode: 401})
		}}
		r, s := newRefresher(t, client, signed(t, now.Add(-time.Minute)))

		assert.ErrorIs(t, r.Check(context.Background()), api.ErrUnauthorized)
		assert.Empty(t, s.Tokens().AccessToken)
		assert.Zero(t, client.profileCalls)
	})

	t.Run("network failure keeps session", func(t *testing.T) {
		client := &fakeClient{profile: func() (*models.User, error) { return nil, errors.New("connection refused") }}
		r, s := newRefresher(t, client, "opaque-token")
		s.SetUser(*ada)

		assert.Error(t, r.Check(context.Background()))
		assert.True(t, s.Identity().Ready())
	})
}

func TestRefresher_Run(t *testing.T) {
	client := &fakeClient{profile: func() (*models.User, error) { return &models.User{ID: "u1"}, nil }}
	s := NewSession()
	s.SetTokens(models.TokenPair{AccessToken: "opaque"})
	r := &Refresher{Client: client, Session: s, Interval: time.Hour, Logger: slogt.New(t)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Identity().Ready() }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}

	assert.Error(t, (&Refresher{Client: client, Session: s}).Run(context.Background()))
}
