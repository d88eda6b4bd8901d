package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"teamchat/internal/api"
	"teamchat/internal/auth"
	"teamchat/internal/chat"
	"teamchat/internal/config"
	"teamchat/internal/models"
	chatws "teamchat/internal/websocket"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv *Server
	ts  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tokens, err := NewTokens("test-secret", time.Minute, time.Hour)
	require.NoError(t, err)

	socket := config.SocketConfig{WriteWait: time.Second, PongWait: 5 * time.Second, PingPeriod: time.Second}
	srv := New(newTestStore(t), tokens, socket, slogt.New(t))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, ts: ts}
}

func (e *testEnv) client(t *testing.T, session *auth.Session) *api.Client {
	cfg := config.APIConfig{BaseURL: e.ts.URL + "/api", Timeout: 5 * time.Second}
	return api.NewClient(cfg, session, slogt.New(t))
}

func (e *testEnv) login(t *testing.T, email, password string) (*auth.Session, *api.Client) {
	t.Helper()
	session := auth.NewSession()
	client := e.client(t, session)
	resp, err := client.Login(context.Background(), email, password)
	require.NoError(t, err)
	session.SetUser(resp.User)
	return session, client
}

func (e *testEnv) manager(t *testing.T) *chat.Manager {
	socket := config.SocketConfig{
		URL:        "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws",
		WriteWait:  time.Second,
		PongWait:   5 * time.Second,
		PingPeriod: time.Second,
	}
	m := chat.NewManager(chatws.NewDialer(socket, slogt.New(t)), chat.Options{Logger: slogt.New(t)})
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, m *chat.Manager, cond func(chat.Snapshot) bool, msg string) chat.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(m.Snapshot()) }, 3*time.Second, 5*time.Millisecond, msg)
	return m.Snapshot()
}

func isConnected(s chat.Snapshot) bool { return s.Status == chat.StatusConnected }

func confirmed(n int) func(chat.Snapshot) bool {
	return func(s chat.Snapshot) bool {
		if len(s.Messages) != n {
			return false
		}
		for _, msg := range s.Messages {
			if msg.Pending {
				return false
			}
		}
		return true
	}
}

func TestServer_Auth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client(t, auth.NewSession()).Login(ctx, "ada@example.com", "wrong")
	assert.ErrorIs(t, err, api.ErrUnauthorized)

	session, client := env.login(t, "ada@example.com", "secret-ada")
	user, err := client.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.Name)

	pair, err := client.Refresh(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.Equal(t, pair, session.Tokens())

	t.Run("rejected access token is refreshed once", func(t *testing.T) {
		session.SetTokens(models.TokenPair{AccessToken: "garbage", RefreshToken: pair.RefreshToken})
		user, err := client.Profile(ctx)
		require.NoError(t, err)
		assert.Equal(t, "u-ada", user.ID)
		assert.NotEqual(t, "garbage", session.Tokens().AccessToken)
	})

	t.Run("rejected refresh token", func(t *testing.T) {
		session.SetTokens(models.TokenPair{AccessToken: "garbage", RefreshToken: "garbage"})
		_, err := client.Profile(ctx)
		assert.ErrorIs(t, err, api.ErrUnauthorized)
	})

	_, client = env.login(t, "ada@example.com", "secret-ada")
	assert.NoError(t, client.Logout(ctx))
}

func TestServer_SocketRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	m := env.manager(t)
	m.Open("t1", chat.Identity{UserID: "u-ada", AuthToken: "garbage"})
	snap := waitFor(t, m, func(s chat.Snapshot) bool { return s.LastError != nil }, "dial should fail")
	assert.Equal(t, chat.StatusDisconnected, snap.Status)
}

func TestServer_Chat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	adaSession, adaClient := env.login(t, "ada@example.com", "secret-ada")
	bobSession, bobClient := env.login(t, "bob@example.com", "secret-bob")

	ada := env.manager(t)
	ada.Open("t1", adaSession.Identity())
	waitFor(t, ada, isConnected, "ada connects")

	sent, ok := ada.SendMessage("  hello  ")
	require.True(t, ok)
	assert.Equal(t, "hello", sent.Content)
	assert.True(t, sent.Pending)

	snap := waitFor(t, ada, confirmed(1), "ada's message is confirmed")
	hello := snap.Messages[0]
	assert.NotEmpty(t, hello.ID)
	assert.Equal(t, sent.LocalID, hello.LocalID)
	assert.Equal(t, "Ada", hello.Sender.Name)
	assert.Equal(t, "hello", hello.Content)

	bob := env.manager(t)
	bob.Open("t1", bobSession.Identity())
	waitFor(t, bob, isConnected, "bob connects")
	_, ok = bob.SendMessage("hi ada")
	require.True(t, ok)
	snap = waitFor(t, bob, confirmed(1), "bob's message is confirmed")
	hi := snap.Messages[0]

	snap = waitFor(t, ada, func(s chat.Snapshot) bool { return len(s.Messages) == 3 }, "ada sees bob")
	joined := snap.Messages[1]
	assert.Equal(t, models.KindSystem, joined.Kind)
	assert.Equal(t, "Bob joined the team", joined.Content)
	require.NotNil(t, joined.Metadata)
	assert.Equal(t, models.ActionMemberJoined, joined.Metadata.Action)
	assert.Equal(t, hi.ID, snap.Messages[2].ID)
	assert.Equal(t, "Bob", snap.Messages[2].Sender.Name)

	t.Run("edit reaches every session", func(t *testing.T) {
		edited, err := bobClient.EditMessage(ctx, hi.ID, "hi ada!")
		require.NoError(t, err)
		assert.True(t, edited.Edited)

		edit := func(s chat.Snapshot) bool {
			for _, msg := range s.Messages {
				if msg.ID == hi.ID {
					return msg.Content == "hi ada!" && msg.Edited
				}
			}
			return false
		}
		waitFor(t, ada, edit, "ada sees the edit")
		waitFor(t, bob, edit, "bob sees the edit")
	})

	t.Run("only the author edits", func(t *testing.T) {
		_, err := adaClient.EditMessage(ctx, hi.ID, "rewritten")
		var apiErr *api.Error
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

		_, err = adaClient.EditMessage(ctx, "missing", "x")
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	})

	t.Run("history lists saved messages", func(t *testing.T) {
		msgs, err := adaClient.Messages(ctx, "t1", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, hello.ID, msgs[0].ID)
		assert.Empty(t, msgs[0].LocalID)
		assert.Equal(t, "hi ada!", msgs[1].Content)
		assert.True(t, msgs[1].Edited)

		msgs, err = bobClient.Messages(ctx, "t1", 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, hi.ID, msgs[0].ID)

		_, err = adaClient.Messages(ctx, "t2", 10)
		var apiErr *api.Error
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

		req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/chat/t1/messages?limit=-1", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+adaSession.Tokens().AccessToken)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		assert.Len(t, ada.Snapshot().Messages, 3, "history leaves the live log alone")
	})

	t.Run("non-member gets an error notice", func(t *testing.T) {
		eveSession, _ := env.login(t, "eve@example.com", "secret-eve")
		eve := env.manager(t)
		eve.Open("t1", eveSession.Identity())

		select {
		case err := <-eve.Notices():
			assert.Contains(t, err.Error(), "team member")
		case <-time.After(3 * time.Second):
			t.Fatal("no notice for non-member")
		}
		assert.Equal(t, chat.StatusConnected, eve.Snapshot().Status, "errors do not change status")
	})

	t.Run("close leaves the team", func(t *testing.T) {
		hub, ok := env.srv.Hubs().Lookup("t1")
		require.True(t, ok)
		require.Equal(t, 2, hub.PeerCount())

		ada.Close()
		snap := ada.Snapshot()
		assert.Equal(t, chat.StatusDisconnected, snap.Status)
		assert.Empty(t, snap.Messages)
		require.Eventually(t, func() bool { return hub.PeerCount() == 1 }, 3*time.Second, 5*time.Millisecond)
	})

	env.srv.Close()
	waitFor(t, bob, func(s chat.Snapshot) bool { return s.Status == chat.StatusDisconnected }, "bob sees the server go away")
	_, ok = bob.SendMessage("anyone?")
	assert.False(t, ok)
}
