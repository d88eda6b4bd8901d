package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"teamchat/internal/chat"
	"teamchat/internal/models"

	"github.com/gorilla/websocket"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer accepts token "good" and answers each chat:message with a
// confirmation carrying the same tempId.
func echoServer(t *testing.T, handle func(conn *websocket.Conn, env models.Envelope)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "good" {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env models.Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				return
			}
			handle(conn, env)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeEvent runs on server goroutines, so it only asserts.
func writeEvent(t *testing.T, conn *websocket.Conn, event models.EventName, payload any) {
	env, err := models.NewEnvelope(event, payload)
	if assert.NoError(t, err) {
		assert.NoError(t, conn.WriteJSON(env))
	}
}

func testDialer(t *testing.T, srv *httptest.Server) *Dialer {
	return &Dialer{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		WriteWait:  time.Second,
		PongWait:   5 * time.Second,
		PingPeriod: time.Second,
		Logger:     slogt.New(t),
	}
}

func nextEvent(t *testing.T, conn chat.Conn) chat.Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return chat.Event{}
	}
}

func waitClosed(t *testing.T, conn chat.Conn) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-conn.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events never closed")
		}
	}
}

func TestDial_RejectedToken(t *testing.T) {
	srv := echoServer(t, func(*websocket.Conn, models.Envelope) {})

	_, err := testDialer(t, srv).Dial(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestDial_Canceled(t *testing.T) {
	srv := echoServer(t, func(*websocket.Conn, models.Envelope) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testDialer(t, srv).Dial(ctx, "good")
	assert.Error(t, err)
}

func TestClient_RoundTrip(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, env models.Envelope) {
		switch env.Event {
		case models.EventJoinTeam:
			var join models.JoinTeamPayload
			assert.NoError(t, env.Decode(&join))
			writeEvent(t, conn, models.EventMemberJoined, models.MemberJoinedPayload{User: models.Sender{ID: join.UserID, Name: "Ada"}})
		case models.EventChatMessage:
			var send models.SendMessagePayload
			assert.NoError(t, env.Decode(&send))
			writeEvent(t, conn, models.EventChatMessage, models.Message{
				ID:      "m1",
				LocalID: send.TempID,
				TeamID:  send.TeamID,
				Sender:  models.Sender{ID: send.UserID},
				Kind:    send.MessageType,
				Content: send.Content,
			})
		}
	})

	conn, err := testDialer(t, srv).Dial(context.Background(), "good")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Emit(models.EventJoinTeam, models.JoinTeamPayload{TeamID: "t1", UserID: "u1"}))
	ev := nextEvent(t, conn)
	require.NoError(t, ev.Err)
	assert.Equal(t, models.EventMemberJoined, ev.Envelope.Event)

	require.NoError(t, conn.Emit(models.EventChatMessage, models.SendMessagePayload{TeamID: "t1", UserID: "u1", Content: "hi", MessageType: models.KindText, TempID: "local-1"}))
	ev = nextEvent(t, conn)
	require.NoError(t, ev.Err)

	var msg models.Message
	require.NoError(t, ev.Envelope.Decode(&msg))
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "local-1", msg.LocalID)
	assert.Equal(t, "hi", msg.Content)
}

func TestClient_InvalidFrameIsNotFatal(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, env models.Envelope) {
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)))
		writeEvent(t, conn, models.EventError, models.ErrorPayload{Message: "still here"})
	})

	conn, err := testDialer(t, srv).Dial(context.Background(), "good")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Emit(models.EventJoinTeam, models.JoinTeamPayload{}))

	assert.ErrorContains(t, nextEvent(t, conn).Err, "invalid frame")
	assert.ErrorContains(t, nextEvent(t, conn).Err, "missing event name")
	ev := nextEvent(t, conn)
	require.NoError(t, ev.Err)
	assert.Equal(t, models.EventError, ev.Envelope.Event)
}

func TestClient_ServerClose(t *testing.T) {
	t.Run("normal closure", func(t *testing.T) {
		srv := echoServer(t, func(conn *websocket.Conn, env models.Envelope) {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		})
		conn, err := testDialer(t, srv).Dial(context.Background(), "good")
		require.NoError(t, err)
		require.NoError(t, conn.Emit(models.EventJoinTeam, models.JoinTeamPayload{}))

		waitClosed(t, conn)
		assert.NoError(t, conn.Err())
		assert.ErrorIs(t, conn.Emit(models.EventJoinTeam, models.JoinTeamPayload{}), ErrClosed)
	})

	t.Run("abrupt", func(t *testing.T) {
		srv := echoServer(t, func(conn *websocket.Conn, env models.Envelope) {
			conn.UnderlyingConn().Close()
		})
		conn, err := testDialer(t, srv).Dial(context.Background(), "good")
		require.NoError(t, err)
		require.NoError(t, conn.Emit(models.EventJoinTeam, models.JoinTeamPayload{}))

		waitClosed(t, conn)
		assert.Error(t, conn.Err())
	})
}

func TestClient_CloseFlushesQueuedFrames(t *testing.T) {
	received := make(chan models.EventName, 4)
	srv := echoServer(t, func(conn *websocket.Conn, env models.Envelope) {
		received <- env.Event
	})

	conn, err := testDialer(t, srv).Dial(context.Background(), "good")
	require.NoError(t, err)

	require.NoError(t, conn.Emit(models.EventLeaveTeam, models.LeaveTeamPayload{TeamID: "t1"}))
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case ev := <-received:
		assert.Equal(t, models.EventLeaveTeam, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("queued frame was not flushed")
	}
	waitClosed(t, conn)
	assert.NoError(t, conn.Err())
	assert.ErrorIs(t, conn.Emit(models.EventJoinTeam, models.JoinTeamPayload{}), ErrClosed)
}
