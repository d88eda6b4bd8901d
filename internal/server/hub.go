package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type broadcast struct {
	data   []byte
	except *Peer
}

type registration struct {
	peer *Peer
	done chan struct{}
}

// Hub fans frames out to every peer that joined one team.
type Hub struct {
	teamID     string
	peers      map[*Peer]bool
	register   chan registration
	unregister chan *Peer
	broadcast  chan broadcast
	shutdown   chan struct{}
	count      atomic.Int32
	logger     *slog.Logger

	mu           sync.Mutex
	lastActivity time.Time
}

func NewHub(teamID string, logger *slog.Logger) *Hub {
	return &Hub{
		teamID:       teamID,
		peers:        make(map[*Peer]bool),
		register:     make(chan registration),
		unregister:   make(chan *Peer),
		broadcast:    make(chan broadcast),
		shutdown:     make(chan struct{}),
		logger:       logger,
		lastActivity: time.Now(),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			return

		case r := <-h.register:
			h.peers[r.peer] = true
			h.count.Store(int32(len(h.peers)))
			h.touch()
			close(r.done)
			h.logger.Info("User joined team chat", "user", r.peer.user.Name, "team", h.teamID)

		case peer := <-h.unregister:
			if _, ok := h.peers[peer]; ok {
				delete(h.peers, peer)
				h.count.Store(int32(len(h.peers)))
				h.logger.Info("User left team chat", "user", peer.user.Name, "team", h.teamID)
			}

		case b := <-h.broadcast:
			h.touch()
			for peer := range h.peers {
				if peer == b.except {
					continue
				}
				if !peer.enqueue(b.data) {
					// slow consumer
					delete(h.peers, peer)
					h.count.Store(int32(len(h.peers)))
					peer.Close()
				}
			}
		}
	}
}

// Join adds peer to the hub and returns once PeerCount includes it. It
// reports false if the hub has shut down.
func (h *Hub) Join(peer *Peer) bool {
	done := make(chan struct{})
	select {
	case h.register <- registration{peer: peer, done: done}:
		<-done
		return true
	case <-h.shutdown:
		return false
	}
}

func (h *Hub) Leave(peer *Peer) {
	select {
	case h.unregister <- peer:
	case <-h.shutdown:
	}
}

// Broadcast sends data to every peer except the given one (nil for all).
func (h *Hub) Broadcast(data []byte, except *Peer) {
	select {
	case h.broadcast <- broadcast{data: data, except: except}:
	case <-h.shutdown:
	}
}

func (h *Hub) PeerCount() int {
	return int(h.count.Load())
}

func (h *Hub) idleFor() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastActivity)
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *Hub) Shutdown() {
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
}

// Hubs owns one hub per team.
type Hubs struct {
	mu     sync.Mutex
	hubs   map[string]*Hub
	logger *slog.Logger
}

func NewHubs(logger *slog.Logger) *Hubs {
	return &Hubs{
		hubs:   make(map[string]*Hub),
		logger: logger,
	}
}

func (m *Hubs) ForTeam(teamID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forTeamLocked(teamID)
}

// Join registers peer with the team's hub, creating the hub if needed.
// Prune cannot run between the lookup and the registration.
func (m *Hubs) Join(teamID string, peer *Peer) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	hub := m.forTeamLocked(teamID)
	hub.Join(peer)
	return hub
}

func (m *Hubs) forTeamLocked(teamID string) *Hub {
	hub, exists := m.hubs[teamID]
	if !exists {
		hub = NewHub(teamID, m.logger)
		m.hubs[teamID] = hub
		go hub.Run()
	}
	return hub
}

func (m *Hubs) Lookup(teamID string) (*Hub, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hub, ok := m.hubs[teamID]
	return hub, ok
}

// Prune shuts down hubs that have had no peers for at least idle.
func (m *Hubs) Prune(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for teamID, hub := range m.hubs {
		if hub.PeerCount() == 0 && hub.idleFor() >= idle {
			hub.Shutdown()
			delete(m.hubs, teamID)
			m.logger.Debug("Cleaned up unused hub", "team", teamID)
			n++
		}
	}
	return n
}

// RunCleanup prunes idle hubs every interval until ctx is cancelled.
func (m *Hubs) RunCleanup(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune(idle)
		}
	}
}

func (m *Hubs) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for teamID, hub := range m.hubs {
		hub.Shutdown()
		delete(m.hubs, teamID)
	}
}
