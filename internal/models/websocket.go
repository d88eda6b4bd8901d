package models

import (
	"encoding/json"
	"fmt"
)

type EventName string

const (
	EventJoinTeam          EventName = "join:team"
	EventLeaveTeam         EventName = "leave:team"
	EventChatMessage       EventName = "chat:message"
	EventChatMessageUpdate EventName = "chat:message:update"
	EventMemberJoined      EventName = "team:member:joined"
	EventError             EventName = "error"
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event EventName, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("empty %s payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Event, err)
	}
	return nil
}

type JoinTeamPayload struct {
	TeamID string `json:"teamId"`
	UserID string `json:"userId"`
}

type LeaveTeamPayload struct {
	TeamID string `json:"teamId"`
}

type SendMessagePayload struct {
	TeamID      string `json:"teamId"`
	UserID      string `json:"userId"`
	Content     string `json:"content"`
	MessageType Kind   `json:"messageType"`
	TempID      string `json:"tempId"`
}

type MemberJoinedPayload struct {
	User Sender `json:"user"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
