// Package websocket is the gorilla/websocket transport for the chat
// manager. Frames are JSON envelopes; the auth token travels in the
// token query parameter.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"teamchat/internal/chat"
	"teamchat/internal/config"

	"github.com/gorilla/websocket"
)

var (
	_ chat.Transport = (*Dialer)(nil)
	_ chat.Conn      = (*Client)(nil)
)

// Dialer implements chat.Transport.
type Dialer struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	SendBuffer       int
	Logger           *slog.Logger
}

func NewDialer(cfg config.SocketConfig, logger *slog.Logger) *Dialer {
	return &Dialer{
		URL:              cfg.URL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteWait:        cfg.WriteWait,
		PongWait:         cfg.PongWait,
		PingPeriod:       cfg.PingPeriod,
		SendBuffer:       256,
		Logger:           logger,
	}
}

func (d *Dialer) Dial(ctx context.Context, token string) (chat.Conn, error) {
	opts := d.withDefaults()

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid socket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", opts.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	client := newClient(conn, opts)
	go client.writePump()
	go client.readPump()

	opts.Logger.Debug("Socket connected", "url", opts.URL)
	return client, nil
}

func (d *Dialer) withDefaults() *Dialer {
	opts := *d
	d = &opts
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.WriteWait <= 0 {
		d.WriteWait = 10 * time.Second
	}
	if d.PongWait <= 0 {
		d.PongWait = 60 * time.Second
	}
	if d.PingPeriod <= 0 || d.PingPeriod >= d.PongWait {
		d.PingPeriod = d.PongWait * 9 / 10
	}
	if d.SendBuffer <= 0 {
		d.SendBuffer = 256
	}
	return d
}
