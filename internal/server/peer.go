package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"teamchat/internal/models"

	"github.com/gorilla/websocket"
)

// Peer is one server-side socket connection.
type Peer struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	user models.User

	closeOnce sync.Once

	// owned by readPump
	hub    *Hub
	teamID string
}

func newPeer(srv *Server, conn *websocket.Conn, user models.User) *Peer {
	return &Peer{
		srv:  srv,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		user: user,
	}
}

func (p *Peer) sender() models.Sender {
	return models.Sender{ID: p.user.ID, Name: p.user.Name, Avatar: p.user.Avatar}
}

// enqueue queues a frame without blocking. It reports false when the
// peer cannot keep up.
func (p *Peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return true
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Peer) emit(event models.EventName, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		p.srv.logger.Error("Error marshaling event", "event", event, "error", err)
		return
	}
	if !p.enqueue(data) {
		p.Close()
	}
}

func (p *Peer) emitError(message string) {
	p.emit(models.EventError, models.ErrorPayload{Message: message})
}

func (p *Peer) readPump() {
	defer func() {
		if p.hub != nil {
			p.hub.Leave(p)
		}
		p.srv.forget(p)
		p.Close()
	}()

	p.conn.SetReadDeadline(time.Now().Add(p.srv.pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(p.srv.pongWait))
		return nil
	})

	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.srv.logger.Error("WebSocket error", "user", p.user.ID, "error", err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(p.srv.pongWait))

		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			p.emitError("invalid frame")
			continue
		}
		p.handle(env)
	}
}

func (p *Peer) handle(env models.Envelope) {
	switch env.Event {
	case models.EventJoinTeam:
		var payload models.JoinTeamPayload
		if err := env.Decode(&payload); err != nil || payload.TeamID == "" {
			p.emitError("teamId is required")
			return
		}
		p.join(payload.TeamID)

	case models.EventLeaveTeam:
		var payload models.LeaveTeamPayload
		if err := env.Decode(&payload); err == nil && payload.TeamID == p.teamID && p.hub != nil {
			p.hub.Leave(p)
			p.hub, p.teamID = nil, ""
		}

	case models.EventChatMessage:
		var payload models.SendMessagePayload
		if err := env.Decode(&payload); err != nil {
			p.emitError("invalid message payload")
			return
		}
		p.chat(payload)

	default:
		p.emitError("unknown event " + string(env.Event))
	}
}

func (p *Peer) join(teamID string) {
	if teamID == p.teamID {
		return
	}
	member, err := p.srv.db.IsMember(context.Background(), p.user.ID, teamID)
	if err != nil {
		p.srv.logger.Error("Error checking membership", "user", p.user.ID, "team", teamID, "error", err)
		p.emitError("Error checking team access")
		return
	}
	if !member {
		p.emitError("You must be a team member to access the chat")
		return
	}
	if p.hub != nil {
		p.hub.Leave(p)
	}

	p.hub = p.srv.hubs.Join(teamID, p)
	p.teamID = teamID

	data, err := encodeEvent(models.EventMemberJoined, models.MemberJoinedPayload{User: p.sender()})
	if err != nil {
		p.srv.logger.Error("Error marshaling member joined", "error", err)
		return
	}
	p.hub.Broadcast(data, p)
}

func (p *Peer) chat(payload models.SendMessagePayload) {
	if p.hub == nil || payload.TeamID != p.teamID {
		p.emitError("Join the team before sending messages")
		return
	}
	content := strings.TrimSpace(payload.Content)
	if content == "" {
		p.emitError("Message content is required")
		return
	}
	if payload.MessageType != "" && payload.MessageType != models.KindText {
		p.emitError("Unsupported message type")
		return
	}
	if payload.UserID != "" && payload.UserID != p.user.ID {
		p.srv.logger.Debug("Ignoring userId in message payload", "claimed", payload.UserID, "user", p.user.ID)
	}

	msg, err := p.srv.db.SaveMessage(context.Background(), models.Message{
		LocalID: payload.TempID,
		TeamID:  p.teamID,
		Sender:  p.sender(),
		Kind:    models.KindText,
		Content: content,
	})
	if err != nil {
		p.srv.logger.Error("Error saving message", "user", p.user.ID, "error", err)
		p.emitError("Failed to save message")
		return
	}

	data, err := encodeEvent(models.EventChatMessage, msg)
	if err != nil {
		p.srv.logger.Error("Error marshaling message", "error", err)
		return
	}
	p.hub.Broadcast(data, nil)
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(p.srv.pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(p.srv.writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.srv.logger.Error("Write error", "user", p.user.ID, "error", err)
				p.Close()
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(p.srv.writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.Close()
				return
			}

		case <-p.done:
			p.conn.SetWriteDeadline(time.Now().Add(p.srv.writeWait))
			p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func encodeEvent(event models.EventName, payload any) ([]byte, error) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
