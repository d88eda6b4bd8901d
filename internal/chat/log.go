package chat

import (
	"teamchat/internal/models"
)

// Log is the ordered message log of one session. Entries are only ever
// appended or patched in place, so positions never change once assigned.
// Log is not safe for concurrent use; Manager serializes access.
type Log struct {
	entries []models.Message
	byLocal map[string]int
	byID    map[string]int
}

func NewLog() *Log {
	return &Log{
		byLocal: make(map[string]int),
		byID:    make(map[string]int),
	}
}

func (l *Log) Len() int {
	return len(l.entries)
}

// Append adds msg at the tail and returns its position.
func (l *Log) Append(msg models.Message) int {
	idx := len(l.entries)
	l.entries = append(l.entries, msg)
	l.index(idx)
	return idx
}

// Confirm merges a server-confirmed message. A matching pending entry
// (by correlation id, then by server id) is patched in place; otherwise
// the message is appended. It returns the position and whether an
// existing entry was patched.
func (l *Log) Confirm(msg models.Message) (int, bool) {
	msg.Pending = false
	msg.Failed = false

	idx, ok := -1, false
	if msg.LocalID != "" {
		idx, ok = l.byLocal[msg.LocalID]
	}
	if !ok && msg.ID != "" {
		idx, ok = l.byID[msg.ID]
	}
	if !ok {
		return l.Append(msg), false
	}

	cur := &l.entries[idx]
	if msg.ID != "" {
		cur.ID = msg.ID
	}
	if msg.TeamID != "" {
		cur.TeamID = msg.TeamID
	}
	if msg.Sender.ID != "" && (msg.Sender.Complete() || msg.Sender.ID != cur.Sender.ID) {
		cur.Sender = msg.Sender
	}
	if msg.Kind != "" {
		cur.Kind = msg.Kind
	}
	cur.Content = msg.Content
	if !msg.CreatedAt.IsZero() {
		cur.CreatedAt = msg.CreatedAt
	}
	if msg.Metadata != nil {
		cur.Metadata = msg.Metadata
	}
	cur.Edited = cur.Edited || msg.Edited
	cur.Pending = false
	cur.Failed = false
	l.index(idx)
	return idx, true
}

// Edit overwrites the content of the entry with server id id.
// Unknown ids are ignored.
func (l *Log) Edit(id, content string) bool {
	idx, ok := l.byID[id]
	if !ok {
		return false
	}
	l.entries[idx].Content = content
	l.entries[idx].Edited = true
	return true
}

// MarkFailed flags a still-pending entry as failed. The entry stays
// pending so a late confirmation can still reconcile it.
func (l *Log) MarkFailed(localID string) bool {
	idx, ok := l.byLocal[localID]
	if !ok || !l.entries[idx].Pending || l.entries[idx].Failed {
		return false
	}
	l.entries[idx].Failed = true
	return true
}

// Pending reports whether the entry for localID is awaiting confirmation.
func (l *Log) Pending(localID string) bool {
	idx, ok := l.byLocal[localID]
	return ok && l.entries[idx].Pending
}

// Messages returns a copy of the entries in log order.
func (l *Log) Messages() []models.Message {
	out := make([]models.Message, len(l.entries))
	copy(out, l.entries)
	for i := range out {
		if out[i].Metadata != nil {
			md := *out[i].Metadata
			out[i].Metadata = &md
		}
	}
	return out
}

func (l *Log) index(idx int) {
	m := l.entries[idx]
	if m.LocalID != "" {
		l.byLocal[m.LocalID] = idx
	}
	if m.ID != "" {
		l.byID[m.ID] = idx
	}
}
