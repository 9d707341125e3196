// Package client maintains one participant's control connection to the
// signaling relay: it dials the room endpoint, keeps the application-level
// heartbeat going, and feeds decoded envelopes to a handler (normally the
// negotiation coordinator).
package client

import (
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studycircle/voice-signaling/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Config describes one control connection. Room and identity are bound at
// connect time and immutable for the connection's lifetime.
type Config struct {
	// BaseURL is the relay's websocket origin, e.g. "ws://localhost:8080".
	BaseURL string

	RoomID        string
	ParticipantID string
	DisplayName   string

	// Token authenticates the connection; sent as a query parameter
	// because browser WebSocket clients cannot set headers.
	Token string

	// PingInterval is the heartbeat cadence. The relay times a connection
	// out after 3x its configured interval, so this should match the
	// server's PING_INTERVAL.
	PingInterval time.Duration

	// OnClose fires once when the connection is gone, with the read error
	// that ended it (nil for a locally requested close).
	OnClose func(err error)
}

// Client is a live control connection.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Dial opens the control connection. The read and write pumps do not start
// until Start is called, so the caller can finish wiring its envelope
// handler without racing the relay's immediate room_state push.
func Dial(cfg Config) (*Client, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}

	u, err := url.Parse(fmt.Sprintf("%s/ws/rooms/%s/%s", cfg.BaseURL,
		url.PathEscape(cfg.RoomID), url.PathEscape(cfg.ParticipantID)))
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	if cfg.DisplayName != "" {
		q.Set("displayName", cfg.DisplayName)
	}
	if cfg.Token != "" {
		q.Set("token", cfg.Token)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	return &Client{
		cfg:      cfg,
		conn:     conn,
		outgoing: make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the pumps. handler receives every decoded envelope, in
// arrival order, from a single goroutine.
func (c *Client) Start(handler func(protocol.Message)) {
	c.wg.Add(2)
	go c.readPump(handler)
	go c.writePump()
}

// Send queues an envelope for delivery. It implements the coordinator's
// Signaler interface.
func (c *Client) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("control connection closed")
	}
}

// Close shuts the connection down and waits for the pumps to stop. Callers
// tear down their coordinator (and with it the media transports) before
// closing the control connection.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Client) readPump(handler func(protocol.Message)) {
	defer func() {
		c.once.Do(func() { close(c.done) })
		c.conn.Close()
		c.wg.Done()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				err = nil
			default:
			}
			if c.cfg.OnClose != nil {
				c.cfg.OnClose(err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("client %s: dropping malformed frame: %v", c.cfg.ParticipantID, err)
			continue
		}
		handler(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	ping, _ := protocol.Encode(protocol.NewPing())

	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.wg.Done()
	}()

	for {
		select {
		case data := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
