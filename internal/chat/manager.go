// Package chat implements the team chat connection manager: one live
// session per (team, user, token), optimistic sends, and reconciliation
// of server events into an ordered message log.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"teamchat/internal/models"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Identity is the session identity supplied by the identity provider.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	AuthToken   string
}

// Ready reports whether the identity is complete enough to connect.
func (id Identity) Ready() bool {
	return id.UserID != "" && id.AuthToken != ""
}

func (id Identity) sender() models.Sender {
	return models.Sender{ID: id.UserID, Name: id.DisplayName, Avatar: id.AvatarURL}
}

// Event is delivered by a Conn. Exactly one of Envelope and Err is set;
// Err carries a non-fatal transport error.
type Event struct {
	Envelope models.Envelope
	Err      error
}

// Transport opens connections to the chat backend.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one live bidirectional channel. Events is closed when the
// channel disconnects, after which Err returns the cause (nil for a
// clean close).
type Conn interface {
	Emit(event models.EventName, payload any) error
	Events() <-chan Event
	Err() error
	Close() error
}

// Snapshot is a read-only view for the rendering layer.
type Snapshot struct {
	Status    Status
	LastError error
	TeamID    string
	Messages  []models.Message
}

type Options struct {
	Logger *slog.Logger
	// PendingTimeout marks sends without a confirmation as failed.
	// Zero keeps them pending indefinitely.
	PendingTimeout time.Duration
	// ConnectTimeout bounds dialing. Zero leaves it to the transport.
	ConnectTimeout time.Duration
	NoticeBuffer   int

	NewID func() string
	Now   func() time.Time
}

type Manager struct {
	transport      Transport
	logger         *slog.Logger
	pendingTimeout time.Duration
	connectTimeout time.Duration
	newID          func() string
	now            func() time.Time

	notices chan error
	updates chan struct{}

	mu      sync.Mutex
	status  Status
	lastErr error
	log     *Log
	sess    *session
	members map[string]models.Sender
}

type session struct {
	teamID   string
	identity Identity
	ctx      context.Context
	cancel   context.CancelFunc
	conn     Conn
	timers   map[string]*time.Timer
	done     chan struct{}
}

func (s *session) matches(teamID string, id Identity) bool {
	return s.teamID == teamID && s.identity.UserID == id.UserID && s.identity.AuthToken == id.AuthToken
}

func NewManager(transport Transport, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NoticeBuffer <= 0 {
		opts.NoticeBuffer = 16
	}

	return &Manager{
		transport:      transport,
		logger:         opts.Logger,
		pendingTimeout: opts.PendingTimeout,
		connectTimeout: opts.ConnectTimeout,
		newID:          opts.NewID,
		now:            opts.Now,
		notices:        make(chan error, opts.NoticeBuffer),
		updates:        make(chan struct{}, 1),
		status:         StatusDisconnected,
		log:            NewLog(),
		members:        make(map[string]models.Sender),
	}
}

// Notices delivers user-visible failure notices. Notices are dropped
// when the buffer is full.
func (m *Manager) Notices() <-chan error {
	return m.notices
}

// Updates receives a value whenever the snapshot may have changed.
// Signals coalesce; read Snapshot after each one.
func (m *Manager) Updates() <-chan struct{} {
	return m.updates
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Status:    m.status,
		LastError: m.lastErr,
		Messages:  m.log.Messages(),
	}
	if m.sess != nil {
		snap.TeamID = m.sess.teamID
	}
	return snap
}

// Open starts a session for teamID. It returns immediately; progress is
// observed through Snapshot and Updates. Incomplete identity, an empty
// team, or a session that is already connecting or connected make Open
// a no-op.
func (m *Manager) Open(teamID string, id Identity) {
	if teamID == "" || !id.Ready() {
		m.logger.Debug("Skipping chat connection, identity incomplete", "team", teamID, "user", id.UserID)
		return
	}

	m.mu.Lock()
	if m.sess != nil && m.status != StatusDisconnected {
		m.mu.Unlock()
		m.logger.Debug("Chat session already active", "team", m.sess.teamID)
		return
	}
	stale := m.detachLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		teamID:   teamID,
		identity: id,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	m.sess = s
	m.status = StatusConnecting
	m.members = map[string]models.Sender{id.UserID: id.sender()}
	m.mu.Unlock()

	m.teardown(stale, false)
	m.logger.Info("Opening chat session", "team", teamID, "user", id.UserID)
	m.signal()
	go m.run(s)
}

// Close tears down the current session and discards its log. Closing an
// already closed manager is a no-op.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}
	wasConnected := m.status == StatusConnected
	s := m.detachLocked()
	m.mu.Unlock()

	m.teardown(s, wasConnected)
	m.logger.Info("Closed chat session", "team", s.teamID)
	m.signal()
}

// Sync binds the manager to teamID and id. A change of team, user or
// token closes the current session and opens a new one.
func (m *Manager) Sync(teamID string, id Identity) {
	m.mu.Lock()
	same := m.sess != nil && m.sess.matches(teamID, id)
	m.mu.Unlock()
	if same {
		return
	}

	m.Close()
	m.Open(teamID, id)
}

// SendMessage optimistically appends content to the log and transmits
// it. Blank content or a session that is not connected make it a no-op;
// nothing is queued across disconnects.
func (m *Manager) SendMessage(content string) (models.Message, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, false
	}

	m.mu.Lock()
	s := m.sess
	if s == nil || s.conn == nil || m.status != StatusConnected {
		m.mu.Unlock()
		m.logger.Debug("Dropping message, chat not connected")
		return models.Message{}, false
	}

	msg := models.Message{
		LocalID:   m.newID(),
		TeamID:    s.teamID,
		Sender:    s.identity.sender(),
		Kind:      models.KindText,
		Content:   content,
		CreatedAt: m.now(),
		Pending:   true,
	}
	m.log.Append(msg)
	m.startPendingTimerLocked(s, msg.LocalID)

	// Emit under the lock so wire order matches log order.
	err := s.conn.Emit(models.EventChatMessage, models.SendMessagePayload{
		TeamID:      s.teamID,
		UserID:      s.identity.UserID,
		Content:     content,
		MessageType: models.KindText,
		TempID:      msg.LocalID,
	})
	if err != nil {
		m.reportLocked(fmt.Errorf("failed to send message: %w", err))
	}
	m.mu.Unlock()

	m.signal()
	return msg, true
}

func (m *Manager) run(s *session) {
	defer close(s.done)

	ctx := s.ctx
	if m.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
	}

	conn, err := m.transport.Dial(ctx, s.identity.AuthToken)
	if err != nil {
		m.connectFailed(s, fmt.Errorf("failed to connect: %w", err))
		return
	}

	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	m.mu.Unlock()

	// Announce membership before accepting the session as connected.
	join := models.JoinTeamPayload{TeamID: s.teamID, UserID: s.identity.UserID}
	if err := conn.Emit(models.EventJoinTeam, join); err != nil {
		m.connectFailed(s, fmt.Errorf("failed to join team: %w", err))
		conn.Close()
		return
	}

	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.status = StatusConnected
	m.mu.Unlock()
	m.logger.Info("Chat connected", "team", s.teamID)
	m.signal()

	events := conn.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.disconnected(s, conn.Err())
				return
			}
			m.dispatch(s, ev)
		}
	}
}

func (m *Manager) connectFailed(s *session, err error) {
	m.mu.Lock()
	if m.sess != s || s.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.status = StatusDisconnected
	m.reportLocked(err)
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) disconnected(s *session, cause error) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.status = StatusDisconnected
	if cause != nil {
		m.reportLocked(fmt.Errorf("connection lost: %w", cause))
	}
	m.mu.Unlock()

	m.logger.Info("Chat disconnected", "team", s.teamID)
	m.signal()
}

func (m *Manager) dispatch(s *session, ev Event) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.handleLocked(s, ev)
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) handleLocked(s *session, ev Event) {
	if ev.Err != nil {
		m.reportLocked(ev.Err)
		return
	}

	env := ev.Envelope
	switch env.Event {
	case models.EventChatMessage:
		var msg models.Message
		if err := env.Decode(&msg); err != nil {
			m.reportLocked(err)
			return
		}
		m.confirmLocked(s, msg)

	case models.EventChatMessageUpdate:
		var msg models.Message
		if err := env.Decode(&msg); err != nil {
			m.reportLocked(err)
			return
		}
		if !m.log.Edit(msg.ID, msg.Content) {
			m.logger.Debug("Dropping edit for unknown message", "id", msg.ID)
		}

	case models.EventMemberJoined:
		var payload models.MemberJoinedPayload
		if err := env.Decode(&payload); err != nil {
			m.reportLocked(err)
			return
		}
		m.memberJoinedLocked(s, payload.User)

	case models.EventError:
		var payload models.ErrorPayload
		if len(env.Data) > 0 {
			_ = env.Decode(&payload)
		}
		if payload.Message == "" {
			payload.Message = "WebSocket error"
		}
		m.reportLocked(errors.New(payload.Message))

	default:
		m.logger.Debug("Ignoring chat event", "event", env.Event)
	}
}

func (m *Manager) confirmLocked(s *session, msg models.Message) {
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}
	msg.Sender = m.resolveSenderLocked(msg.Sender)

	if _, patched := m.log.Confirm(msg); patched {
		m.logger.Debug("Reconciled message", "local_id", msg.LocalID, "id", msg.ID)
	}
	if t, ok := s.timers[msg.LocalID]; ok {
		t.Stop()
		delete(s.timers, msg.LocalID)
	}
}

func (m *Manager) memberJoinedLocked(s *session, user models.Sender) {
	user = m.resolveSenderLocked(user)
	name := user.Name
	if name == "" {
		name = "Someone"
	}

	m.log.Append(models.Message{
		ID:        m.newID(),
		TeamID:    s.teamID,
		Sender:    user,
		Kind:      models.KindSystem,
		Content:   name + " joined the team",
		CreatedAt: m.now(),
		Metadata:  &models.Metadata{Action: models.ActionMemberJoined},
	})
}

// resolveSenderLocked completes an id-only sender from the members seen
// in this session and remembers complete ones.
func (m *Manager) resolveSenderLocked(sender models.Sender) models.Sender {
	if sender.ID == "" {
		return sender
	}
	if sender.Complete() {
		m.members[sender.ID] = sender
		return sender
	}
	if known, ok := m.members[sender.ID]; ok {
		return known
	}
	return sender
}

func (m *Manager) startPendingTimerLocked(s *session, localID string) {
	if m.pendingTimeout <= 0 {
		return
	}
	s.timers[localID] = time.AfterFunc(m.pendingTimeout, func() {
		m.expirePending(s, localID)
	})
}

func (m *Manager) expirePending(s *session, localID string) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	delete(s.timers, localID)
	failed := m.log.MarkFailed(localID)
	if failed {
		m.reportLocked(fmt.Errorf("message %s was not confirmed within %s", localID, m.pendingTimeout))
	}
	m.mu.Unlock()

	if failed {
		m.signal()
	}
}

// reportLocked records err as the last error and publishes a notice.
// It never changes status.
func (m *Manager) reportLocked(err error) {
	m.lastErr = err
	m.logger.Error("Chat error", "error", err)
	select {
	case m.notices <- err:
	default:
		m.logger.Debug("Notice buffer full, dropping notice")
	}
}

// drainNoticesLocked discards notices nobody read before the session
// they describe went away.
func (m *Manager) drainNoticesLocked() {
	for {
		select {
		case <-m.notices:
		default:
			return
		}
	}
}

// detachLocked unbinds the current session and resets the visible
// state. The caller must pass the result to teardown after unlocking.
func (m *Manager) detachLocked() *session {
	s := m.sess
	m.sess = nil
	m.status = StatusDisconnected
	m.lastErr = nil
	m.log = NewLog()
	m.members = make(map[string]models.Sender)
	m.drainNoticesLocked()
	if s != nil {
		s.cancel()
		for id, t := range s.timers {
			t.Stop()
			delete(s.timers, id)
		}
	}
	return s
}

// teardown closes the session's connection and waits for its event loop
// to exit so no stale handler can touch the next session.
func (m *Manager) teardown(s *session, leave bool) {
	if s == nil {
		return
	}
	<-s.done

	// s.conn is only written by run, which has exited.
	if s.conn == nil {
		return
	}
	if leave {
		if err := s.conn.Emit(models.EventLeaveTeam, models.LeaveTeamPayload{TeamID: s.teamID}); err != nil {
			m.logger.Debug("Failed to leave team", "team", s.teamID, "error", err)
		}
	}
	if err := s.conn.Close(); err != nil {
		m.logger.Debug("Failed to close chat connection", "team", s.teamID, "error", err)
	}
}

func (m *Manager) signal() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}
