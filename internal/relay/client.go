package relay

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studycircle/voice-signaling/internal/protocol"
	"github.com/studycircle/voice-signaling/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// client is one control connection in the ACTIVE state. Outbound frames go
// through the buffered send channel so a slow connection never blocks the
// routing of other participants' messages.
type client struct {
	relay  *Relay
	conn   *websocket.Conn
	roomID string
	reg    registry.Registration

	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	finishOnce sync.Once

	// reason is set by readPump before it returns; finish reports it in
	// the leave broadcast.
	reason protocol.LeaveReason
}

func newClient(r *Relay, conn *websocket.Conn, roomID string, reg registry.Registration) *client {
	return &client{
		relay:  r,
		conn:   conn,
		roomID: roomID,
		reg:    reg,
		send:   make(chan []byte, sendBuffer),
	}
}

func (c *client) enqueue(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}
	c.enqueueRaw(data)
}

func (c *client) enqueueRaw(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("Failed to send message to participant %s, buffer full", c.reg.ID)
	}
}

// supersede closes the connection after flushing whatever is already queued,
// including the leave notice explaining the eviction. The registry entry was
// already replaced by the successor, so finish will skip the leave broadcast.
func (c *client) supersede() {
	c.shutdown()
}

// shutdown closes the send channel; writePump drains the remaining frames,
// writes a close frame and closes the socket.
func (c *client) shutdown() {
	c.sendMu.Lock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// finish is the single teardown path: deregister from the routing table and
// the registry, notify the remaining members, and release the socket. The
// registry leave is guarded by this connection's ConnID, so a superseded
// connection tearing down late cannot evict its successor or trigger a
// spurious leave broadcast.
func (c *client) finish() {
	c.finishOnce.Do(func() {
		c.relay.detach(c)
		if _, ok := c.relay.reg.Leave(c.roomID, c.reg.ID, c.reg.ConnID); ok {
			reason := c.reason
			if reason == "" {
				reason = protocol.ReasonLeft
			}
			c.relay.broadcast(c.roomID, c.reg.ID, protocol.NewLeave(c.reg.ID, reason))
			if err := c.relay.store.Remove(context.Background(), c.roomID, c.reg.ID); err != nil {
				log.Printf("Failed to clear presence for %s: %v", c.reg.ID, err)
			}
			log.Printf("Participant %s left room %s (%s)", c.reg.ID, c.roomID, reason)
		}
		c.shutdown()
	})
}

func (c *client) readPump() {
	defer c.finish()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.relay.idleTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.reason = protocol.ReasonTimeout
				log.Printf("Participant %s in room %s missed heartbeats, timing out", c.reg.ID, c.roomID)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error from %s: %v", c.reg.ID, err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Liberal receiver: one malformed frame must not kill an
			// otherwise healthy session.
			log.Printf("Dropping malformed frame from %s: %v", c.reg.ID, err)
			continue
		}

		switch m := msg.(type) {
		case protocol.Ping:
			c.conn.SetReadDeadline(time.Now().Add(c.relay.idleTimeout))
			c.enqueue(protocol.NewPong())
		case protocol.Offer:
			m.SenderID = c.reg.ID
			c.route(m.TargetID, m)
		case protocol.Answer:
			m.SenderID = c.reg.ID
			c.route(m.TargetID, m)
		case protocol.ICECandidate:
			m.SenderID = c.reg.ID
			c.route(m.TargetID, m)
		default:
			log.Printf("Dropping unroutable %q envelope from %s", msg.EnvelopeType(), c.reg.ID)
		}
	}
}

func (c *client) route(targetID string, msg protocol.Message) {
	if targetID == "" {
		log.Printf("Dropping untargeted %q envelope from %s", msg.EnvelopeType(), c.reg.ID)
		return
	}
	c.relay.forward(c.roomID, targetID, msg)
}

func (c *client) writePump() {
	pingPeriod := c.relay.idleTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message to %s: %v", c.reg.ID, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
