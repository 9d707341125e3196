// Package coordinator drives one participant's side of the voice mesh: for
// every other member of the room it decides whether to initiate or answer a
// negotiation, absorbs duplicate and out-of-order signaling, and recovers
// broken links. All state lives in a single event loop; envelopes, transport
// callbacks and timers are funneled into it, so the transition logic itself
// needs no locks.
package coordinator

import (
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/studycircle/voice-signaling/internal/protocol"
)

// Signaler sends envelopes up the control connection.
type Signaler interface {
	Send(protocol.Message) error
}

// Config configures a Coordinator. LocalID, Signaler and NewTransport are
// required. Callbacks are invoked from the event loop and must not block.
type Config struct {
	LocalID      string
	Signaler     Signaler
	NewTransport TransportFactory

	// FailureDebounce is how long a transport may report failed or
	// disconnected before the link is declared failed. Transient ICE
	// hiccups shorter than this never trigger renegotiation.
	FailureDebounce time.Duration

	// NegotiationTimeout bounds how long a link may sit in offering or
	// answering before it is surfaced as failed.
	NegotiationTimeout time.Duration

	// OnLinkState observes every link transition.
	OnLinkState func(remoteID string, state LinkState)

	// OnPeerDown fires when a link has failed and the retry budget is
	// spent: "connection lost to participant X".
	OnPeerDown func(remoteID string)

	// OnMembers observes the reconstructed room membership.
	OnMembers func(users []protocol.User)
}

// Coordinator is one participant's negotiation state machine.
type Coordinator struct {
	cfg Config

	events chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// Everything below is owned by the event loop.
	links       map[string]*peerLink
	members     []protocol.User
	roomVersion uint64
}

func New(cfg Config) *Coordinator {
	if cfg.FailureDebounce <= 0 {
		cfg.FailureDebounce = 5 * time.Second
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 30 * time.Second
	}
	c := &Coordinator{
		cfg:    cfg,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
		links:  make(map[string]*peerLink),
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// HandleEnvelope feeds one control-channel envelope into the state machine.
// Safe to call from any goroutine; a no-op after Close.
func (c *Coordinator) HandleEnvelope(msg protocol.Message) {
	c.post(func() { c.dispatch(msg) })
}

// HandleSnapshot feeds a poll-derived membership snapshot. Stale snapshots
// (version at or below the last applied) are ignored, so the poller can
// never roll the push-derived view backwards.
func (c *Coordinator) HandleSnapshot(users []protocol.User, version uint64) {
	c.post(func() { c.applyMembership(users, version) })
}

// Members returns the current reconstructed room membership.
func (c *Coordinator) Members() []protocol.User {
	reply := make(chan []protocol.User, 1)
	c.post(func() {
		out := make([]protocol.User, len(c.members))
		copy(out, c.members)
		reply <- out
	})
	select {
	case users := <-reply:
		return users
	case <-c.done:
		return nil
	}
}

// LinkState reports the state of the link to one remote, LinkIdle if none.
func (c *Coordinator) LinkState(remoteID string) LinkState {
	reply := make(chan LinkState, 1)
	c.post(func() {
		if l := c.links[remoteID]; l != nil {
			reply <- l.state
		} else {
			reply <- LinkIdle
		}
	})
	select {
	case s := <-reply:
		return s
	case <-c.done:
		return LinkClosed
	}
}

// Close tears down every link and releases its media transport, then stops
// the event loop. Callers close the control connection after this returns,
// so no transport outlives its signaling path.
func (c *Coordinator) Close() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Coordinator) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			for remoteID := range c.links {
				c.closeLink(remoteID)
			}
			return
		}
	}
}

func (c *Coordinator) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.RoomState:
		c.applyMembership(m.Users, m.Version)
	case protocol.Join:
		c.memberJoined(protocol.User{ParticipantID: m.ParticipantID, DisplayName: m.DisplayName})
	case protocol.Leave:
		if m.ParticipantID == c.cfg.LocalID {
			// Our own registration went away (superseded elsewhere).
			for remoteID := range c.links {
				c.closeLink(remoteID)
			}
			c.setMembers(nil)
			return
		}
		c.memberLeft(m.ParticipantID)
	case protocol.Offer:
		c.handleOffer(m.SenderID, m.SDP)
	case protocol.Answer:
		c.handleAnswer(m.SenderID, m.SDP)
	case protocol.ICECandidate:
		c.handleRemoteCandidate(m.SenderID, m.Candidate)
	case protocol.Ping, protocol.Pong:
		// Heartbeats belong to the control-channel layer.
	default:
		log.Printf("coordinator %s: ignoring %q envelope", c.cfg.LocalID, msg.EnvelopeType())
	}
}

// applyMembership reconciles a full membership list (push or poll) against
// the local view. Joins it reveals start negotiations; absences it reveals
// are treated as missed leave notifications.
func (c *Coordinator) applyMembership(users []protocol.User, version uint64) {
	if version <= c.roomVersion {
		return
	}
	c.roomVersion = version

	seen := make(map[string]bool, len(users))
	for _, u := range users {
		seen[u.ParticipantID] = true
	}
	for _, prev := range c.members {
		if prev.ParticipantID != c.cfg.LocalID && !seen[prev.ParticipantID] {
			c.closeLink(prev.ParticipantID)
			delete(c.links, prev.ParticipantID)
		}
	}

	c.setMembers(users)
	for _, u := range users {
		c.peerSeen(u)
	}
}

func (c *Coordinator) memberJoined(u protocol.User) {
	for i, m := range c.members {
		if m.ParticipantID == u.ParticipantID {
			if m != u {
				// A repeat join can carry a new display name; observers
				// get the updated list.
				c.members[i] = u
				c.setMembers(c.members)
			}
			c.peerSeen(u)
			return
		}
	}
	c.setMembers(append(c.members, u))
	c.peerSeen(u)
}

func (c *Coordinator) memberLeft(remoteID string) {
	for i, m := range c.members {
		if m.ParticipantID == remoteID {
			c.setMembers(append(c.members[:i], c.members[i+1:]...))
			break
		}
	}
	c.closeLink(remoteID)
	delete(c.links, remoteID)
}

func (c *Coordinator) setMembers(users []protocol.User) {
	c.members = users
	if c.cfg.OnMembers != nil {
		out := make([]protocol.User, len(users))
		copy(out, users)
		c.cfg.OnMembers(out)
	}
}

// peerSeen reacts to a remote participant being present in the room. The
// lexicographically smaller ID initiates; the other side waits for the
// offer. A link already negotiating or connected is left alone.
func (c *Coordinator) peerSeen(u protocol.User) {
	remoteID := u.ParticipantID
	if remoteID == c.cfg.LocalID {
		return
	}

	link := c.links[remoteID]
	if link == nil {
		link = &peerLink{remoteID: remoteID, state: LinkIdle}
		c.links[remoteID] = link
	}

	switch link.state {
	case LinkOffering, LinkAnswering, LinkConnected:
		return
	}

	if initiator(c.cfg.LocalID, remoteID) {
		c.startOffer(link)
	}
	// Responder side stays idle until the offer arrives.
}

func (c *Coordinator) startOffer(link *peerLink) {
	tr, ok := c.rebuildTransport(link)
	if !ok {
		return
	}

	offer, err := tr.CreateOffer()
	if err != nil {
		c.negotiationError(link, "create offer", err)
		return
	}
	if err := tr.SetLocalDescription(offer); err != nil {
		c.negotiationError(link, "set local offer", err)
		return
	}
	if err := c.cfg.Signaler.Send(protocol.NewOffer(c.cfg.LocalID, link.remoteID, offer)); err != nil {
		c.negotiationError(link, "send offer", err)
		return
	}

	c.transition(link, LinkOffering)
	c.startNegotiationTimer(link)
}

func (c *Coordinator) handleOffer(from string, sdp webrtc.SessionDescription) {
	if from == "" || from == c.cfg.LocalID {
		return
	}
	link := c.links[from]
	if link == nil {
		link = &peerLink{remoteID: from, state: LinkIdle}
		c.links[from] = link
	}

	if link.state == LinkOffering {
		if initiator(c.cfg.LocalID, from) {
			// Glare, and we are the deterministic initiator: our offer
			// stands, the remote will demote and answer it.
			return
		}
		// Glare on the losing side: discard our own offer and answer
		// theirs instead. No extra round-trip needed.
		log.Printf("coordinator %s: offer glare with %s, demoting to responder", c.cfg.LocalID, from)
	}

	// Answering always starts from a clean transport: any previous local
	// offer or dead session is discarded with it.
	tr, ok := c.rebuildTransport(link)
	if !ok {
		return
	}
	if err := tr.SetRemoteDescription(sdp); err != nil {
		c.negotiationError(link, "set remote offer", err)
		return
	}
	link.remoteDescSet = true
	c.flushCandidates(link)

	answer, err := tr.CreateAnswer()
	if err != nil {
		c.negotiationError(link, "create answer", err)
		return
	}
	if err := tr.SetLocalDescription(answer); err != nil {
		c.negotiationError(link, "set local answer", err)
		return
	}
	if err := c.cfg.Signaler.Send(protocol.NewAnswer(c.cfg.LocalID, from, answer)); err != nil {
		c.negotiationError(link, "send answer", err)
		return
	}

	c.transition(link, LinkAnswering)
	c.startNegotiationTimer(link)
}

func (c *Coordinator) handleAnswer(from string, sdp webrtc.SessionDescription) {
	link := c.links[from]
	if link == nil || link.state != LinkOffering {
		// Stale or duplicate answer. Reapplying a description is unsafe
		// against the media transport, so this is dropped, not replayed.
		return
	}

	if err := link.transport.SetRemoteDescription(sdp); err != nil {
		c.negotiationError(link, "set remote answer", err)
		return
	}
	link.remoteDescSet = true
	c.flushCandidates(link)

	link.retried = false
	if link.negotiationTimer != nil {
		link.negotiationTimer.Stop()
		link.negotiationTimer = nil
	}
	c.transition(link, LinkConnected)
}

func (c *Coordinator) handleRemoteCandidate(from string, cand webrtc.ICECandidateInit) {
	link := c.links[from]
	if link == nil {
		// Candidate raced ahead of everything else; hold it until the
		// peer materializes.
		link = &peerLink{remoteID: from, state: LinkIdle}
		c.links[from] = link
	}
	if link.state == LinkClosed {
		return
	}

	if link.remoteDescSet && link.transport != nil {
		if err := link.transport.AddICECandidate(cand); err != nil {
			log.Printf("coordinator %s: add candidate from %s: %v", c.cfg.LocalID, from, err)
		}
		return
	}
	link.pending = append(link.pending, cand)
}

func (c *Coordinator) flushCandidates(link *peerLink) {
	for _, cand := range link.pending {
		if err := link.transport.AddICECandidate(cand); err != nil {
			log.Printf("coordinator %s: flush candidate from %s: %v", c.cfg.LocalID, link.remoteID, err)
		}
	}
	link.pending = nil
}

// rebuildTransport replaces a link's transport with a fresh one. Events from
// the replaced transport still in flight are discarded by generation.
func (c *Coordinator) rebuildTransport(link *peerLink) (MediaTransport, bool) {
	link.closeTransport()
	link.stopTimers()
	link.gen++
	gen := link.gen
	remoteID := link.remoteID

	hooks := TransportHooks{
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			c.post(func() { c.onLocalCandidate(remoteID, gen, cand) })
		},
		OnStateChange: func(st webrtc.PeerConnectionState) {
			c.post(func() { c.onTransportState(remoteID, gen, st) })
		},
	}

	tr, err := c.cfg.NewTransport(remoteID, hooks)
	if err != nil {
		log.Printf("coordinator %s: transport for %s: %v", c.cfg.LocalID, remoteID, err)
		c.failLink(link)
		return nil, false
	}
	link.transport = tr
	return tr, true
}

func (c *Coordinator) onLocalCandidate(remoteID string, gen uint64, cand webrtc.ICECandidateInit) {
	link := c.links[remoteID]
	if link == nil || link.gen != gen || link.state == LinkClosed {
		return
	}
	if err := c.cfg.Signaler.Send(protocol.NewICECandidate(c.cfg.LocalID, remoteID, cand)); err != nil {
		log.Printf("coordinator %s: send candidate to %s: %v", c.cfg.LocalID, remoteID, err)
	}
}

func (c *Coordinator) onTransportState(remoteID string, gen uint64, st webrtc.PeerConnectionState) {
	link := c.links[remoteID]
	if link == nil || link.gen != gen || link.state == LinkClosed {
		return
	}
	link.transportState = st

	switch st {
	case webrtc.PeerConnectionStateConnected:
		link.stopTimers()
		link.retried = false
		c.transition(link, LinkConnected)

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		if link.failureTimer == nil {
			link.failureTimer = time.AfterFunc(c.cfg.FailureDebounce, func() {
				c.post(func() { c.onFailureDebounce(remoteID, gen) })
			})
		}
	}
}

// onFailureDebounce fires when a transport has been down for the full
// debounce window. A transport that recovered in the meantime cancelled the
// timer, or is visible here as connected again.
func (c *Coordinator) onFailureDebounce(remoteID string, gen uint64) {
	link := c.links[remoteID]
	if link == nil || link.gen != gen || link.state == LinkClosed {
		return
	}
	link.failureTimer = nil
	if link.transportState == webrtc.PeerConnectionStateConnected {
		return
	}
	c.failLink(link)
}

func (c *Coordinator) onNegotiationTimeout(remoteID string, gen uint64) {
	link := c.links[remoteID]
	if link == nil || link.gen != gen {
		return
	}
	if link.state != LinkOffering && link.state != LinkAnswering {
		return
	}
	link.negotiationTimer = nil
	log.Printf("coordinator %s: negotiation with %s stalled", c.cfg.LocalID, remoteID)
	c.failLink(link)
}

// failLink declares a link failed. The initiator gets one unsolicited
// re-offer; after that, or on the responder side, the failure is surfaced
// and the link stays down until the remote restarts it or rejoins.
func (c *Coordinator) failLink(link *peerLink) {
	link.stopTimers()
	c.transition(link, LinkFailed)

	if !link.retried && initiator(c.cfg.LocalID, link.remoteID) {
		link.retried = true
		c.startOffer(link)
		return
	}

	link.closeTransport()
	if c.cfg.OnPeerDown != nil {
		c.cfg.OnPeerDown(link.remoteID)
	}
}

func (c *Coordinator) negotiationError(link *peerLink, op string, err error) {
	log.Printf("coordinator %s: %s for %s: %v", c.cfg.LocalID, op, link.remoteID, err)
	c.failLink(link)
}

func (c *Coordinator) startNegotiationTimer(link *peerLink) {
	if link.negotiationTimer != nil {
		link.negotiationTimer.Stop()
	}
	remoteID := link.remoteID
	gen := link.gen
	link.negotiationTimer = time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		c.post(func() { c.onNegotiationTimeout(remoteID, gen) })
	})
}

func (c *Coordinator) closeLink(remoteID string) {
	link := c.links[remoteID]
	if link == nil {
		return
	}
	link.stopTimers()
	link.closeTransport()
	if link.state != LinkClosed {
		c.transition(link, LinkClosed)
	}
}

func (c *Coordinator) transition(link *peerLink, state LinkState) {
	if link.state == state {
		return
	}
	link.state = state
	if c.cfg.OnLinkState != nil {
		c.cfg.OnLinkState(link.remoteID, state)
	}
}
