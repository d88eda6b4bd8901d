package main

import (
	"fmt"
	"io"
	"sync"

	"teamchat/internal/chat"
	"teamchat/internal/models"

	"github.com/fatih/color"
)

var (
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
)

// view prints the log incrementally: new entries and entries whose
// state changed since the last draw.
type view struct {
	mu     sync.Mutex
	w      io.Writer
	status chat.Status
	teamID string
	seen   map[string]string
}

func newView(w io.Writer) *view {
	return &view{w: w, seen: make(map[string]string)}
}

func (v *view) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen = make(map[string]string)
}

func (v *view) help() {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.w, faint("Type to send. Commands: /edit <id> <text>, /team <id>, /history [n], /help, /quit"))
}

func (v *view) notice(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.w, red("! "+text))
}

// history prints fetched messages. It leaves the incremental state alone
// so the live log redraws as before.
func (v *view) history(teamID string, msgs []models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.w, faint(fmt.Sprintf("-- history of %s --", teamID)))
	for _, msg := range msgs {
		fmt.Fprintln(v.w, formatMessage(msg))
	}
	fmt.Fprintln(v.w, faint("-- end of history --"))
}

func (v *view) draw(snap chat.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if snap.TeamID != v.teamID {
		v.teamID = snap.TeamID
		v.seen = make(map[string]string)
	}
	if snap.Status != v.status {
		v.status = snap.Status
		fmt.Fprintln(v.w, statusLine(snap))
	}

	for _, msg := range snap.Messages {
		line := formatMessage(msg)
		if v.seen[msg.Key()] == line {
			continue
		}
		v.seen[msg.Key()] = line
		fmt.Fprintln(v.w, line)
	}
}

func statusLine(snap chat.Snapshot) string {
	team := snap.TeamID
	if team == "" {
		team = "-"
	}
	switch snap.Status {
	case chat.StatusConnected:
		return green(fmt.Sprintf("● connected to %s", team))
	case chat.StatusConnecting:
		return yellow(fmt.Sprintf("○ connecting to %s", team))
	default:
		return faint(fmt.Sprintf("○ disconnected from %s", team))
	}
}

func formatMessage(msg models.Message) string {
	ts := msg.CreatedAt.Local().Format("15:04")
	if msg.Kind == models.KindSystem {
		return faint(fmt.Sprintf("[%s] * %s", ts, msg.Content))
	}

	name := msg.Sender.Name
	if name == "" {
		name = msg.Sender.ID
	}
	line := fmt.Sprintf("[%s] %s: %s", ts, bold(name), msg.Content)
	switch {
	case msg.Failed:
		line += " " + red("(not delivered)")
	case msg.Pending:
		line += " " + yellow("(sending)")
	}
	if msg.Edited {
		line += " " + faint("(edited)")
	}
	if msg.ID != "" && !msg.Pending {
		line += " " + faint("#"+msg.ID)
	}
	return line
}
