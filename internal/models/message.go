package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindText   Kind = "text"
	KindSystem Kind = "system"
)

// System message actions.
const (
	ActionMemberJoined = "member_joined"
)

// Sender identifies a message author. On the wire it is either a bare
// id string or an object.
type Sender struct {
	ID     string `json:"_id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

func (s *Sender) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = Sender{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*s = Sender{ID: id}
		return nil
	}

	type plain Sender
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	*s = Sender(p)
	return nil
}

// Complete reports whether the sender carries more than an id.
func (s Sender) Complete() bool {
	return s.Name != ""
}

type Metadata struct {
	Action string `json:"action,omitempty"`
}

type Message struct {
	ID        string    `json:"_id,omitempty"`
	LocalID   string    `json:"tempId,omitempty"`
	TeamID    string    `json:"team,omitempty"`
	Sender    Sender    `json:"sender"`
	Kind      Kind      `json:"messageType"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Edited    bool      `json:"isEdited,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`

	// Client-side state, never sent.
	Pending bool `json:"-"`
	Failed  bool `json:"-"`
}

// Key identifies the entry for a renderer. It does not change when a
// pending entry is confirmed.
func (m Message) Key() string {
	if m.LocalID != "" {
		return m.LocalID
	}
	return m.ID
}
