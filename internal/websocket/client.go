package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"teamchat/internal/chat"
	"teamchat/internal/models"

	"github.com/gorilla/websocket"
)

var (
	ErrClosed         = errors.New("websocket: connection closed")
	ErrSendBufferFull = errors.New("websocket: send buffer full")
)

// Client is one client-side socket connection. It implements chat.Conn.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	events chan chat.Event
	done   chan struct{}
	logger *slog.Logger

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newClient(conn *websocket.Conn, d *Dialer) *Client {
	return &Client{
		conn:       conn,
		send:       make(chan []byte, d.SendBuffer),
		events:     make(chan chat.Event, d.SendBuffer),
		done:       make(chan struct{}),
		logger:     d.Logger,
		writeWait:  d.WriteWait,
		pongWait:   d.PongWait,
		pingPeriod: d.PingPeriod,
	}
}

// Emit queues an event frame. It never blocks.
func (c *Client) Emit(event models.EventName, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", event, err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) Events() <-chan chat.Event {
	return c.events
}

// Err returns why the connection ended. It is nil while connected and
// after a clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close flushes queued frames, sends a close frame and closes the socket.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		close(c.events)
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		var ev chat.Event
		if err := json.Unmarshal(frame, &ev.Envelope); err != nil || ev.Envelope.Event == "" {
			if err == nil {
				err = errors.New("missing event name")
			}
			ev = chat.Event{Err: fmt.Errorf("invalid frame: %w", err)}
		}

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Error("Write error", "error", err)
				c.shutdown()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames queued before Close.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(messageType, data)
}
