package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"teamchat/internal/chat"
	"teamchat/internal/models"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestView_DrawsChangesOnly(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	v := newView(&buf)

	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.Local)
	pending := models.Message{LocalID: "l1", Sender: models.Sender{ID: "u1", Name: "Ada"}, Content: "hello", CreatedAt: at, Pending: true}
	snap := chat.Snapshot{Status: chat.StatusConnected, TeamID: "t1", Messages: []models.Message{pending}}

	v.draw(snap)
	assert.Equal(t, "● connected to t1\n[12:30] Ada: hello (sending)\n", buf.String())

	buf.Reset()
	v.draw(snap)
	assert.Empty(t, buf.String(), "nothing changed")

	confirmed := pending
	confirmed.ID, confirmed.Pending = "m1", false
	joined := models.Message{ID: "s1", Kind: models.KindSystem, Content: "Bob joined the team", CreatedAt: at}
	snap.Messages = []models.Message{confirmed, joined}

	v.draw(snap)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"[12:30] Ada: hello #m1",
		"[12:30] * Bob joined the team",
	}, lines)
}

func TestFormatMessage(t *testing.T) {
	color.NoColor = true
	at := time.Date(2024, 5, 1, 9, 5, 0, 0, time.Local)

	failed := models.Message{LocalID: "l1", Sender: models.Sender{ID: "u1"}, Content: "hi", CreatedAt: at, Pending: true, Failed: true}
	assert.Equal(t, "[09:05] u1: hi (not delivered)", formatMessage(failed))

	edited := models.Message{ID: "m2", Sender: models.Sender{ID: "u1", Name: "Ada"}, Content: "hi!", CreatedAt: at, Edited: true}
	assert.Equal(t, "[09:05] Ada: hi! (edited) #m2", formatMessage(edited))
}
