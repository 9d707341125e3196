// Package relay terminates one control connection per participant and routes
// signaling envelopes between them. It owns membership transitions (join,
// leave, timeout, supersession) but stays blind to negotiation progress:
// offers, answers and candidates pass through unmodified apart from the
// server-stamped sender identity.
package relay

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/studycircle/voice-signaling/internal/presence"
	"github.com/studycircle/voice-signaling/internal/protocol"
	"github.com/studycircle/voice-signaling/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Config wires the relay's dependencies.
type Config struct {
	Registry *registry.Registry

	// Presence mirrors membership into Redis; nil disables mirroring.
	Presence *presence.Store

	// PingInterval is the heartbeat interval clients are expected to keep.
	// A connection is timed out after 3x this interval without a ping.
	PingInterval time.Duration
}

// Relay routes signaling envelopes between the control connections of one
// process. Registered connections are keyed by room and participant; the
// registry remains the authority on membership and versions.
type Relay struct {
	reg         *registry.Registry
	store       *presence.Store
	idleTimeout time.Duration

	mu     sync.RWMutex
	rooms  map[string]map[string]*client
	closed bool
}

func New(cfg Config) *Relay {
	interval := cfg.PingInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Relay{
		reg:         cfg.Registry,
		store:       cfg.Presence,
		idleTimeout: 3 * interval,
		rooms:       make(map[string]map[string]*client),
	}
}

// Handler serves GET /ws/rooms/:roomId/:participantId. Identity validation
// runs in middleware before this handler; by the time the upgrade happens
// the path participant is the authenticated caller.
func (r *Relay) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("roomId")
		participantID := c.Param("participantId")
		if roomID == "" || participantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomId and participantId are required"})
			return
		}
		displayName := c.Query("displayName")

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Failed to upgrade connection: %v", err)
			return
		}

		r.accept(conn, roomID, registry.Participant{ID: participantID, DisplayName: displayName})
	}
}

func (r *Relay) accept(conn *websocket.Conn, roomID string, p registry.Participant) {
	// The registry join and the routing-map swap are one atomic step. Were
	// they separate, two racing connections for the same identity could
	// interleave so that neither sees the other: both sockets stay open and
	// the routing map ends up pointing at the evicted registration.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return
	}
	res, err := r.reg.Join(roomID, p)
	if err != nil {
		r.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	cl := newClient(r, conn, roomID, res.Registration)
	room := r.rooms[roomID]
	if room == nil {
		room = make(map[string]*client)
		r.rooms[roomID] = room
	}
	old := room[p.ID]
	room[p.ID] = cl
	r.mu.Unlock()

	go cl.writePump()

	// A second connection for the same identity supersedes the first: the
	// registry already swapped registrations, so the old socket is told why
	// and closed without a leave broadcast (the identity is still present).
	if old != nil {
		old.enqueue(protocol.NewLeave(p.ID, protocol.ReasonSuperseded))
		old.supersede()
		log.Printf("Participant %s in room %s superseded previous connection", p.ID, roomID)
	}

	cl.enqueue(protocol.NewRoomState(presence.UsersFromSnapshot(res.Snapshot), res.Snapshot.Version))
	r.broadcast(roomID, p.ID, protocol.NewJoin(p.ID, p.DisplayName))

	if err := r.store.Add(context.Background(), roomID, p.ID); err != nil {
		log.Printf("Failed to mirror presence for %s: %v", p.ID, err)
	}

	log.Printf("Participant %s joined room %s (%d members)", p.ID, roomID, len(res.Snapshot.Members))

	go cl.readPump()
}

// forward delivers a targeted envelope to the named participant's current
// connection. A missing target is a silent drop: the target may have left
// between the sender's snapshot and this message, and the sender's own
// negotiation timeout covers the loss.
func (r *Relay) forward(roomID, targetID string, msg protocol.Message) {
	r.mu.RLock()
	target := r.rooms[roomID][targetID]
	r.mu.RUnlock()
	if target == nil {
		return
	}
	target.enqueue(msg)
}

// broadcast sends an envelope to every connection in the room except the
// named one.
func (r *Relay) broadcast(roomID, excludeID string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for participantID, cl := range r.rooms[roomID] {
		if participantID != excludeID {
			cl.enqueueRaw(data)
		}
	}
}

// detach removes a client from the routing table if it is still the current
// connection for its identity.
func (r *Relay) detach(cl *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[cl.roomID]
	if room == nil || room[cl.reg.ID] != cl {
		return false
	}
	delete(room, cl.reg.ID)
	if len(room) == 0 {
		delete(r.rooms, cl.roomID)
	}
	return true
}

// Shutdown closes every control connection with a going-away close code.
// Each connection's read loop then runs its normal teardown.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	r.closed = true
	var clients []*client
	for _, room := range r.rooms {
		for _, cl := range room {
			clients = append(clients, cl)
		}
	}
	r.mu.Unlock()

	for _, cl := range clients {
		cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		cl.conn.Close()
	}
}
